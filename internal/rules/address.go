package rules

import (
	"context"

	"github.com/verifact/provider-validator/internal/domain"
)

// AddressRule checks the address-validation evidence: a place id must be
// present and the geometry accuracy tier must map to a confidence of at
// least 0.75. The approximate tier downgrades to a warning; no match is
// invalid.
type AddressRule struct {
	cfg Config
}

func (r *AddressRule) Name() string { return "address_geocode" }

func (r *AddressRule) Evaluate(_ context.Context, p domain.Provider, ev Evidence) ([]domain.ValidationResult, bool) {
	if !p.HasAddress() {
		return nil, false
	}
	res, ok := ev.Get(domain.TaskAddressValidation)
	if !ok {
		return nil, false
	}
	submitted := p.AddressStreet
	if submitted == "" {
		submitted = p.AddressZip
	}
	placeID := res.SourceMetadata["place_id"]
	tier := res.SourceMetadata["geometry_accuracy"]
	if placeID == "" {
		return []domain.ValidationResult{{
			FieldName:  "address_street",
			Value:      submitted,
			Status:     domain.FieldInvalid,
			Confidence: 0,
			Source:     domain.TaskAddressValidation,
			Details:    "no matching place found",
		}}, true
	}
	if conf, ok := r.cfg.AddressTierConfidence[tier]; ok {
		value := res.NormalizedFields["address_street"]
		if value == "" {
			value = submitted
		}
		return []domain.ValidationResult{{
			FieldName:   "address_street",
			Value:       value,
			Status:      domain.FieldValid,
			Confidence:  conf,
			Source:      domain.TaskAddressValidation,
			CriteriaMet: []string{"place_id_present", "accuracy_" + tier},
		}}, true
	}
	// Lower tiers (approximate, geometric_center) geocode but do not pin
	// the building.
	return []domain.ValidationResult{{
		FieldName:  "address_street",
		Value:      submitted,
		Status:     domain.FieldWarning,
		Confidence: 0.5,
		Source:     domain.TaskAddressValidation,
		Details:    "geometry accuracy " + tier + " below rooftop tier",
	}}, true
}
