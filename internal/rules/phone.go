package rules

import (
	"context"

	"github.com/nyaruka/phonenumbers"

	"github.com/verifact/provider-validator/internal/domain"
)

// PhoneRule normalizes each submitted phone number to E.164 and requires it
// to parse as a valid number in the declared country. It needs no external
// evidence; the Source is the enrichment tier since phones surface there.
type PhoneRule struct {
	cfg Config
}

func (r *PhoneRule) Name() string { return "phone_e164" }

func (r *PhoneRule) Evaluate(_ context.Context, p domain.Provider, _ Evidence) ([]domain.ValidationResult, bool) {
	region := p.Country
	if region == "" {
		region = r.cfg.DefaultRegion
	}
	var out []domain.ValidationResult
	for _, f := range []struct {
		field string
		raw   string
	}{
		{"phone_primary", p.PhonePrimary},
		{"phone_alt", p.PhoneAlt},
	} {
		if f.raw == "" {
			continue
		}
		num, err := phonenumbers.Parse(f.raw, region)
		if err != nil || !phonenumbers.IsValidNumber(num) {
			out = append(out, domain.ValidationResult{
				FieldName:  f.field,
				Value:      f.raw,
				Status:     domain.FieldInvalid,
				Confidence: 0,
				Source:     domain.TaskEnrichmentLookup,
				Details:    "not a valid number for region " + region,
			})
			continue
		}
		out = append(out, domain.ValidationResult{
			FieldName:   f.field,
			Value:       phonenumbers.Format(num, phonenumbers.E164),
			Status:      domain.FieldValid,
			Confidence:  r.cfg.PhonePassConfidence,
			Source:      domain.TaskEnrichmentLookup,
			CriteriaMet: []string{"parseable", "is_valid_number"},
		})
	}
	return out, len(out) > 0
}
