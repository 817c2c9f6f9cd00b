package rules

import (
	"context"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/verifact/provider-validator/internal/domain"
)

// NameRule fuzzy-compares the submitted given and family names against the
// identifier-registry record. The normalized Levenshtein ratio must reach
// the configured threshold; the ratio itself becomes the confidence,
// clamped up to the threshold.
type NameRule struct {
	cfg Config
}

func (r *NameRule) Name() string { return "name_registry_match" }

func (r *NameRule) Evaluate(_ context.Context, p domain.Provider, ev Evidence) ([]domain.ValidationResult, bool) {
	reg, ok := ev.Get(domain.TaskIdentifierCheck)
	if !ok {
		return nil, false
	}
	var out []domain.ValidationResult
	for _, f := range []struct {
		field     string
		submitted string
	}{
		{"given_name", p.GivenName},
		{"family_name", p.FamilyName},
	} {
		if f.submitted == "" {
			continue
		}
		record := reg.NormalizedFields[f.field]
		if record == "" {
			out = append(out, domain.ValidationResult{
				FieldName:  f.field,
				Value:      f.submitted,
				Status:     domain.FieldUnknown,
				Confidence: 0,
				Source:     domain.TaskIdentifierCheck,
				Details:    "registry record carries no name",
			})
			continue
		}
		ratio := similarity(f.submitted, record)
		if ratio >= r.cfg.NameMatchThreshold {
			conf := ratio
			if conf < r.cfg.NameMatchThreshold {
				conf = r.cfg.NameMatchThreshold
			}
			out = append(out, domain.ValidationResult{
				FieldName:   f.field,
				Value:       f.submitted,
				Status:      domain.FieldValid,
				Confidence:  conf,
				Source:      domain.TaskIdentifierCheck,
				CriteriaMet: []string{"fuzzy_name_match"},
			})
			continue
		}
		out = append(out, domain.ValidationResult{
			FieldName:  f.field,
			Value:      f.submitted,
			Status:     domain.FieldInvalid,
			Confidence: 0,
			Source:     domain.TaskIdentifierCheck,
			Details:    "name does not match registry record",
		})
	}
	return out, len(out) > 0
}

// similarity is the normalized Levenshtein ratio of two strings, lowercased
// and whitespace-trimmed. Identical strings score 1.0.
func similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1.0
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1.0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(d)/float64(longest)
}
