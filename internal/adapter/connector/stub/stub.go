// Package stub ships deterministic in-process connectors for all five
// sources. They serve local development and the end-to-end tests: the
// outcome is a pure function of the task payload, with reserved magic
// values that trigger failure paths.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/verifact/provider-validator/internal/domain"
)

// Registry returns a connector registry covering every task type.
func Registry() *domain.ConnectorRegistry {
	return domain.NewConnectorRegistry(
		&IdentifierConnector{},
		&AddressConnector{},
		&DocumentConnector{},
		&LicenseConnector{},
		&EnrichmentConnector{},
	)
}

func classify(err error) domain.ErrorCategory { return domain.Categorize(err) }

// IdentifierConnector mimics the national practitioner registry.
//
// Magic values: identifier 0000000000 returns no match, 9999999999 times
// out, 8888888888 trips robot detection. Anything else matches and the
// registry record mirrors the submitted names.
type IdentifierConnector struct{}

func (c *IdentifierConnector) Type() domain.TaskType { return domain.TaskIdentifierCheck }
func (c *IdentifierConnector) Weight() float64       { return domain.SourceWeights[c.Type()] }
func (c *IdentifierConnector) Classify(err error) domain.ErrorCategory { return classify(err) }

func (c *IdentifierConnector) Execute(ctx context.Context, p domain.Provider) (domain.ConnectorResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ConnectorResult{}, err
	}
	switch p.Identifier {
	case "":
		return domain.ConnectorResult{}, fmt.Errorf("empty identifier: %w", domain.ErrInvalidArgument)
	case "9999999999":
		return domain.ConnectorResult{}, fmt.Errorf("registry lookup: %w", domain.ErrUpstreamTimeout)
	case "8888888888":
		return domain.ConnectorResult{}, fmt.Errorf("registry lookup: %w", domain.ErrRobotDetected)
	case "0000000000":
		return domain.ConnectorResult{
			Metadata: map[string]string{"match": "false"},
		}, nil
	}
	return domain.ConnectorResult{
		NormalizedFields: map[string]string{
			"identifier":  p.Identifier,
			"given_name":  p.GivenName,
			"family_name": p.FamilyName,
		},
		FieldConfidence: map[string]float64{
			"identifier":  0.95,
			"given_name":  0.90,
			"family_name": 0.90,
		},
		Metadata: map[string]string{"match": "true", "registry": "stub"},
	}, nil
}

// AddressConnector mimics a geocoding source.
//
// Magic values: a street containing "unknown" finds no place; zip 99999
// geocodes at the approximate tier. Everything else pins rooftop.
type AddressConnector struct{}

func (c *AddressConnector) Type() domain.TaskType { return domain.TaskAddressValidation }
func (c *AddressConnector) Weight() float64       { return domain.SourceWeights[c.Type()] }
func (c *AddressConnector) Classify(err error) domain.ErrorCategory { return classify(err) }

func (c *AddressConnector) Execute(ctx context.Context, p domain.Provider) (domain.ConnectorResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ConnectorResult{}, err
	}
	if strings.Contains(strings.ToLower(p.AddressStreet), "unknown") {
		return domain.ConnectorResult{
			Metadata: map[string]string{"geometry_accuracy": "none"},
		}, nil
	}
	tier := "rooftop"
	if p.AddressZip == "99999" {
		tier = "approximate"
	}
	return domain.ConnectorResult{
		NormalizedFields: map[string]string{
			"address_street": strings.TrimSpace(p.AddressStreet),
			"address_city":   strings.TrimSpace(p.AddressCity),
			"address_state":  strings.ToUpper(strings.TrimSpace(p.AddressState)),
			"address_zip":    strings.TrimSpace(p.AddressZip),
		},
		FieldConfidence: map[string]float64{
			"address_street": 0.90,
			"address_city":   0.85,
			"address_state":  0.85,
			"address_zip":    0.90,
		},
		Metadata: map[string]string{
			"place_id":          deterministicID("place", p.AddressStreet, p.AddressZip),
			"geometry_accuracy": tier,
		},
	}, nil
}

// DocumentConnector mimics OCR over a referenced document.
//
// Magic values: a reference containing "corrupt" is rejected permanently.
type DocumentConnector struct{}

func (c *DocumentConnector) Type() domain.TaskType { return domain.TaskDocumentProcessing }
func (c *DocumentConnector) Weight() float64       { return domain.SourceWeights[c.Type()] }
func (c *DocumentConnector) Classify(err error) domain.ErrorCategory { return classify(err) }

func (c *DocumentConnector) Execute(ctx context.Context, p domain.Provider) (domain.ConnectorResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ConnectorResult{}, err
	}
	if strings.Contains(strings.ToLower(p.DocumentRef), "corrupt") {
		return domain.ConnectorResult{}, fmt.Errorf("document %s unreadable: %w", p.DocumentRef, domain.ErrUpstreamRejected)
	}
	fields := map[string]string{}
	conf := map[string]float64{}
	if p.FamilyName != "" {
		fields["family_name"] = p.FamilyName
		conf["family_name"] = 0.75
	}
	if p.LicenseNumber != "" {
		fields["license_number"] = p.LicenseNumber
		conf["license_number"] = 0.70
	}
	return domain.ConnectorResult{
		NormalizedFields: fields,
		FieldConfidence:  conf,
		Metadata: map[string]string{
			"document_id": deterministicID("doc", p.DocumentRef),
			"pages":       "1",
		},
	}, nil
}

// LicenseConnector mimics a state licensing board.
//
// Magic values by license-number suffix: "00" suspended, "98" revoked,
// "99" expired; otherwise active. The board record mirrors the submitted
// names.
type LicenseConnector struct{}

func (c *LicenseConnector) Type() domain.TaskType { return domain.TaskLicenseVerify }
func (c *LicenseConnector) Weight() float64       { return domain.SourceWeights[c.Type()] }
func (c *LicenseConnector) Classify(err error) domain.ErrorCategory { return classify(err) }

func (c *LicenseConnector) Execute(ctx context.Context, p domain.Provider) (domain.ConnectorResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ConnectorResult{}, err
	}
	status := "active"
	switch {
	case strings.HasSuffix(p.LicenseNumber, "00"):
		status = "suspended"
	case strings.HasSuffix(p.LicenseNumber, "98"):
		status = "revoked"
	case strings.HasSuffix(p.LicenseNumber, "99"):
		status = "expired"
	}
	return domain.ConnectorResult{
		NormalizedFields: map[string]string{
			"license_number": p.LicenseNumber,
			"given_name":     p.GivenName,
			"family_name":    p.FamilyName,
		},
		FieldConfidence: map[string]float64{
			"license_number": 0.95,
		},
		Metadata: map[string]string{
			"license_status": status,
			"license_state":  p.LicenseState,
		},
	}, nil
}

// EnrichmentConnector mimics hospital/website enrichment lookups.
//
// Magic values: a provider_id prefixed "flaky-" always fails with an
// upstream 5xx, which exercises the retry path end to end.
type EnrichmentConnector struct{}

func (c *EnrichmentConnector) Type() domain.TaskType { return domain.TaskEnrichmentLookup }
func (c *EnrichmentConnector) Weight() float64       { return domain.SourceWeights[c.Type()] }
func (c *EnrichmentConnector) Classify(err error) domain.ErrorCategory { return classify(err) }

func (c *EnrichmentConnector) Execute(ctx context.Context, p domain.Provider) (domain.ConnectorResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ConnectorResult{}, err
	}
	if strings.HasPrefix(p.ProviderID, "flaky-") {
		return domain.ConnectorResult{}, fmt.Errorf("enrichment backend: %w", domain.ErrUpstreamServer)
	}
	fields := map[string]string{}
	conf := map[string]float64{}
	if p.Email != "" {
		fields["email"] = strings.ToLower(p.Email)
		conf["email"] = 0.80
	}
	if p.PhonePrimary != "" {
		fields["phone_primary"] = p.PhonePrimary
		conf["phone_primary"] = 0.75
	}
	return domain.ConnectorResult{
		NormalizedFields: fields,
		FieldConfidence:  conf,
		Metadata:         map[string]string{"directory": "stub"},
	}, nil
}

func deterministicID(prefix string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return prefix + "_" + hex.EncodeToString(h[:8])
}
