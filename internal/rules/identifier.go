package rules

import (
	"context"

	"github.com/verifact/provider-validator/internal/domain"
)

// IdentifierRule checks the submitted 10-digit practitioner identifier:
// the registry source must return a matching record and the number must be
// Luhn-valid under the 80840 issuer prefix.
type IdentifierRule struct {
	cfg Config
}

func (r *IdentifierRule) Name() string { return "identifier_registry" }

func (r *IdentifierRule) Evaluate(_ context.Context, p domain.Provider, ev Evidence) ([]domain.ValidationResult, bool) {
	if p.Identifier == "" {
		return nil, false
	}
	res, ok := ev.Get(domain.TaskIdentifierCheck)
	if !ok {
		return []domain.ValidationResult{{
			FieldName:  "identifier",
			Value:      p.Identifier,
			Status:     domain.FieldUnknown,
			Confidence: 0,
			Source:     domain.TaskIdentifierCheck,
			Details:    "no registry evidence",
		}}, true
	}
	matched := res.SourceMetadata["match"] == "true" &&
		res.NormalizedFields["identifier"] == p.Identifier
	if matched && luhnValid(p.Identifier) {
		return []domain.ValidationResult{{
			FieldName:   "identifier",
			Value:       p.Identifier,
			Status:      domain.FieldValid,
			Confidence:  r.cfg.IdentifierPassConfidence,
			Source:      domain.TaskIdentifierCheck,
			CriteriaMet: []string{"registry_match", "luhn_valid"},
		}}, true
	}
	details := "registry record does not match"
	if matched {
		details = "identifier fails check-digit validation"
	}
	return []domain.ValidationResult{{
		FieldName:  "identifier",
		Value:      p.Identifier,
		Status:     domain.FieldInvalid,
		Confidence: 0,
		Source:     domain.TaskIdentifierCheck,
		Details:    details,
	}}, true
}

// luhnValid validates a 10-digit identifier with the 80840 issuer prefix
// prepended, per the national registry's check-digit scheme.
func luhnValid(id string) bool {
	if len(id) != 10 {
		return false
	}
	full := "80840" + id
	sum := 0
	double := false
	for i := len(full) - 1; i >= 0; i-- {
		c := full[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
