package rules

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifact/provider-validator/internal/domain"
)

type fakeResolver struct {
	mx  []*net.MX
	err error
}

func (f *fakeResolver) LookupMX(context.Context, string) ([]*net.MX, error) {
	return f.mx, f.err
}

func newTestEngine(mx MXResolver) *Engine {
	if mx == nil {
		mx = &fakeResolver{mx: []*net.MX{{Host: "mx.example.com"}}}
	}
	return NewEngine(DefaultConfig(), mx)
}

func evidence(results ...domain.WorkerTaskResult) []domain.WorkerTaskResult { return results }

func registryResult(id, given, family string) domain.WorkerTaskResult {
	return domain.WorkerTaskResult{
		TaskType: domain.TaskIdentifierCheck,
		Success:  true,
		NormalizedFields: map[string]string{
			"identifier": id, "given_name": given, "family_name": family,
		},
		SourceMetadata: map[string]string{"match": "true"},
	}
}

func findResult(t *testing.T, vrs []domain.ValidationResult, field string) domain.ValidationResult {
	t.Helper()
	for _, vr := range vrs {
		if vr.FieldName == field {
			return vr
		}
	}
	t.Fatalf("no result for field %s", field)
	return domain.ValidationResult{}
}

func TestLuhnValid(t *testing.T) {
	t.Parallel()
	assert.True(t, luhnValid("1234567893"))
	assert.False(t, luhnValid("1234567890"))
	assert.False(t, luhnValid("123456789"), "nine digits")
	assert.False(t, luhnValid("123456789x"))
}

func TestIdentifierRule(t *testing.T) {
	t.Parallel()
	e := newTestEngine(nil)

	t.Run("registry match and valid check digit", func(t *testing.T) {
		t.Parallel()
		p := domain.Provider{ProviderID: "P1", Identifier: "1234567893"}
		vrs := e.Evaluate(context.Background(), p, evidence(registryResult("1234567893", "", "")))
		vr := findResult(t, vrs, "identifier")
		assert.Equal(t, domain.FieldValid, vr.Status)
		assert.InDelta(t, 0.95, vr.Confidence, 1e-9)
		assert.Contains(t, vr.CriteriaMet, "luhn_valid")
	})

	t.Run("registry miss is invalid", func(t *testing.T) {
		t.Parallel()
		p := domain.Provider{ProviderID: "P1", Identifier: "1234567893"}
		miss := registryResult("1234567893", "", "")
		miss.SourceMetadata["match"] = "false"
		vrs := e.Evaluate(context.Background(), p, evidence(miss))
		assert.Equal(t, domain.FieldInvalid, findResult(t, vrs, "identifier").Status)
	})

	t.Run("no evidence is unknown", func(t *testing.T) {
		t.Parallel()
		p := domain.Provider{ProviderID: "P1", Identifier: "1234567893"}
		vrs := e.Evaluate(context.Background(), p, nil)
		assert.Equal(t, domain.FieldUnknown, findResult(t, vrs, "identifier").Status)
	})
}

func TestNameRule(t *testing.T) {
	t.Parallel()
	e := newTestEngine(nil)

	t.Run("exact match scores full confidence", func(t *testing.T) {
		t.Parallel()
		p := domain.Provider{ProviderID: "P1", Identifier: "1234567893", GivenName: "John", FamilyName: "Smith"}
		vrs := e.Evaluate(context.Background(), p, evidence(registryResult("1234567893", "John", "Smith")))
		vr := findResult(t, vrs, "family_name")
		assert.Equal(t, domain.FieldValid, vr.Status)
		assert.InDelta(t, 1.0, vr.Confidence, 1e-9)
	})

	t.Run("near match passes with ratio as confidence", func(t *testing.T) {
		t.Parallel()
		p := domain.Provider{ProviderID: "P1", Identifier: "1234567893", FamilyName: "Smith"}
		vrs := e.Evaluate(context.Background(), p, evidence(registryResult("1234567893", "", "Smyth")))
		vr := findResult(t, vrs, "family_name")
		assert.Equal(t, domain.FieldValid, vr.Status)
		assert.GreaterOrEqual(t, vr.Confidence, 0.85)
	})

	t.Run("mismatch is invalid", func(t *testing.T) {
		t.Parallel()
		p := domain.Provider{ProviderID: "P1", Identifier: "1234567893", FamilyName: "Smith"}
		vrs := e.Evaluate(context.Background(), p, evidence(registryResult("1234567893", "", "Johnson")))
		assert.Equal(t, domain.FieldInvalid, findResult(t, vrs, "family_name").Status)
	})
}

func TestSimilaritySymmetric(t *testing.T) {
	t.Parallel()
	pairs := [][2]string{
		{"Smith", "Smyth"},
		{"garcia", "GARCIA"},
		{"O'Neil", "ONeil"},
		{"", "x"},
	}
	for _, pair := range pairs {
		assert.InDelta(t, similarity(pair[0], pair[1]), similarity(pair[1], pair[0]), 1e-12)
	}
	assert.InDelta(t, 1.0, similarity("Lee", " lee "), 1e-12)
}

func TestPhoneRule(t *testing.T) {
	t.Parallel()
	e := newTestEngine(nil)

	t.Run("valid number normalizes to E.164", func(t *testing.T) {
		t.Parallel()
		p := domain.Provider{ProviderID: "P1", PhonePrimary: "(202) 555-0142"}
		vrs := e.Evaluate(context.Background(), p, nil)
		vr := findResult(t, vrs, "phone_primary")
		require.Equal(t, domain.FieldValid, vr.Status)
		assert.Equal(t, "+12025550142", vr.Value)
		assert.InDelta(t, 0.90, vr.Confidence, 1e-9)
	})

	t.Run("normalization is idempotent", func(t *testing.T) {
		t.Parallel()
		p := domain.Provider{ProviderID: "P1", PhonePrimary: "+12025550142"}
		vrs := e.Evaluate(context.Background(), p, nil)
		assert.Equal(t, "+12025550142", findResult(t, vrs, "phone_primary").Value)
	})

	t.Run("invalid number fails with zero confidence", func(t *testing.T) {
		t.Parallel()
		p := domain.Provider{ProviderID: "P1", PhonePrimary: "555-000-0000"}
		vrs := e.Evaluate(context.Background(), p, nil)
		vr := findResult(t, vrs, "phone_primary")
		assert.Equal(t, domain.FieldInvalid, vr.Status)
		assert.Zero(t, vr.Confidence)
	})
}

func TestAddressRule(t *testing.T) {
	t.Parallel()
	e := newTestEngine(nil)
	p := domain.Provider{ProviderID: "P1", AddressStreet: "100 Main St", AddressZip: "94105"}

	addressResult := func(tier, placeID string) domain.WorkerTaskResult {
		return domain.WorkerTaskResult{
			TaskType:         domain.TaskAddressValidation,
			Success:          true,
			NormalizedFields: map[string]string{"address_street": "100 Main St"},
			SourceMetadata:   map[string]string{"geometry_accuracy": tier, "place_id": placeID},
		}
	}

	t.Run("rooftop", func(t *testing.T) {
		t.Parallel()
		vrs := e.Evaluate(context.Background(), p, evidence(addressResult("rooftop", "pl_1")))
		vr := findResult(t, vrs, "address_street")
		assert.Equal(t, domain.FieldValid, vr.Status)
		assert.InDelta(t, 0.95, vr.Confidence, 1e-9)
	})

	t.Run("range interpolated", func(t *testing.T) {
		t.Parallel()
		vrs := e.Evaluate(context.Background(), p, evidence(addressResult("range_interpolated", "pl_1")))
		vr := findResult(t, vrs, "address_street")
		assert.Equal(t, domain.FieldValid, vr.Status)
		assert.InDelta(t, 0.85, vr.Confidence, 1e-9)
	})

	t.Run("approximate downgrades to warning", func(t *testing.T) {
		t.Parallel()
		vrs := e.Evaluate(context.Background(), p, evidence(addressResult("approximate", "pl_1")))
		assert.Equal(t, domain.FieldWarning, findResult(t, vrs, "address_street").Status)
	})

	t.Run("no place id is invalid", func(t *testing.T) {
		t.Parallel()
		vrs := e.Evaluate(context.Background(), p, evidence(addressResult("rooftop", "")))
		assert.Equal(t, domain.FieldInvalid, findResult(t, vrs, "address_street").Status)
	})
}

func TestLicenseRule(t *testing.T) {
	t.Parallel()
	e := newTestEngine(nil)
	p := domain.Provider{ProviderID: "P1", FamilyName: "Smith", LicenseNumber: "A123456", LicenseState: "CA"}

	boardResult := func(status, family string) domain.WorkerTaskResult {
		return domain.WorkerTaskResult{
			TaskType:         domain.TaskLicenseVerify,
			Success:          true,
			NormalizedFields: map[string]string{"license_number": "A123456", "family_name": family},
			SourceMetadata:   map[string]string{"license_status": status},
		}
	}

	t.Run("active with name match", func(t *testing.T) {
		t.Parallel()
		vrs := e.Evaluate(context.Background(), p, evidence(boardResult("active", "Smith")))
		vr := findResult(t, vrs, "license_number")
		assert.Equal(t, domain.FieldValid, vr.Status)
		assert.InDelta(t, 0.95, vr.Confidence, 1e-9)
	})

	for _, status := range []string{"suspended", "revoked", "expired"} {
		status := status
		t.Run(status+" is invalid", func(t *testing.T) {
			t.Parallel()
			vrs := e.Evaluate(context.Background(), p, evidence(boardResult(status, "Smith")))
			assert.Equal(t, domain.FieldInvalid, findResult(t, vrs, "license_number").Status)
		})
	}

	t.Run("active with name mismatch is invalid", func(t *testing.T) {
		t.Parallel()
		vrs := e.Evaluate(context.Background(), p, evidence(boardResult("active", "Johnson")))
		assert.Equal(t, domain.FieldInvalid, findResult(t, vrs, "license_number").Status)
	})

	t.Run("no evidence is unknown", func(t *testing.T) {
		t.Parallel()
		vrs := e.Evaluate(context.Background(), p, nil)
		assert.Equal(t, domain.FieldUnknown, findResult(t, vrs, "license_number").Status)
	})
}

func TestEmailRule(t *testing.T) {
	t.Parallel()

	t.Run("format and MX pass", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(&fakeResolver{mx: []*net.MX{{Host: "mx.example.com"}}})
		p := domain.Provider{ProviderID: "P1", Email: "Doc.Smith@Example.com"}
		vrs := e.Evaluate(context.Background(), p, nil)
		vr := findResult(t, vrs, "email")
		assert.Equal(t, domain.FieldValid, vr.Status)
		assert.Equal(t, "doc.smith@example.com", vr.Value)
	})

	t.Run("no MX downgrades to warning", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(&fakeResolver{err: errors.New("no such host")})
		p := domain.Provider{ProviderID: "P1", Email: "doc@nomx.example"}
		vrs := e.Evaluate(context.Background(), p, nil)
		assert.Equal(t, domain.FieldWarning, findResult(t, vrs, "email").Status)
	})

	t.Run("malformed is invalid", func(t *testing.T) {
		t.Parallel()
		e := newTestEngine(nil)
		p := domain.Provider{ProviderID: "P1", Email: "not-an-email"}
		vrs := e.Evaluate(context.Background(), p, nil)
		assert.Equal(t, domain.FieldInvalid, findResult(t, vrs, "email").Status)
	})
}

func TestEngineSkipsRulesWithoutInput(t *testing.T) {
	t.Parallel()
	e := newTestEngine(nil)
	vrs := e.Evaluate(context.Background(), domain.Provider{ProviderID: "P1"}, nil)
	assert.Empty(t, vrs)
}

func TestLoadConfigMergesOverrides(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.InDelta(t, 0.85, cfg.NameMatchThreshold, 1e-9)

	var override Config
	override.NameMatchThreshold = 0.9
	base := DefaultConfig()
	base.merge(override)
	assert.InDelta(t, 0.9, base.NameMatchThreshold, 1e-9)
	assert.InDelta(t, 0.95, base.AddressTierConfidence["rooftop"], 1e-9)
}
