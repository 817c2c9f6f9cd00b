package rules

import (
	"context"

	"github.com/verifact/provider-validator/internal/domain"
)

// LicenseRule checks state-board evidence: the license must be active and
// the name on record must agree with the submission by fuzzy match.
type LicenseRule struct {
	cfg Config
}

func (r *LicenseRule) Name() string { return "license_board" }

func (r *LicenseRule) Evaluate(_ context.Context, p domain.Provider, ev Evidence) ([]domain.ValidationResult, bool) {
	if p.LicenseNumber == "" {
		return nil, false
	}
	res, ok := ev.Get(domain.TaskLicenseVerify)
	if !ok {
		return []domain.ValidationResult{{
			FieldName:  "license_number",
			Value:      p.LicenseNumber,
			Status:     domain.FieldUnknown,
			Confidence: 0,
			Source:     domain.TaskLicenseVerify,
			Details:    "no state-board evidence",
		}}, true
	}
	status := res.SourceMetadata["license_status"]
	switch status {
	case "suspended", "revoked", "expired":
		return []domain.ValidationResult{{
			FieldName:  "license_number",
			Value:      p.LicenseNumber,
			Status:     domain.FieldInvalid,
			Confidence: 0,
			Source:     domain.TaskLicenseVerify,
			Details:    "license status " + status,
			CriteriaMet: []string{"status_" + status},
		}}, true
	case "active":
	default:
		return []domain.ValidationResult{{
			FieldName:  "license_number",
			Value:      p.LicenseNumber,
			Status:     domain.FieldUnknown,
			Confidence: 0,
			Source:     domain.TaskLicenseVerify,
			Details:    "unrecognized license status " + status,
		}}, true
	}
	if !r.nameAgrees(p, res) {
		return []domain.ValidationResult{{
			FieldName:  "license_number",
			Value:      p.LicenseNumber,
			Status:     domain.FieldInvalid,
			Confidence: 0,
			Source:     domain.TaskLicenseVerify,
			Details:    "name on record does not match submission",
		}}, true
	}
	return []domain.ValidationResult{{
		FieldName:   "license_number",
		Value:       p.LicenseNumber,
		Status:      domain.FieldValid,
		Confidence:  r.cfg.LicensePassConfidence,
		Source:      domain.TaskLicenseVerify,
		CriteriaMet: []string{"status_active", "name_match"},
	}}, true
}

// nameAgrees compares the board record's names against the submission. An
// absent record name counts as agreement; boards often omit given names.
func (r *LicenseRule) nameAgrees(p domain.Provider, res domain.WorkerTaskResult) bool {
	family := res.NormalizedFields["family_name"]
	if p.FamilyName != "" && family != "" && similarity(p.FamilyName, family) < r.cfg.NameMatchThreshold {
		return false
	}
	given := res.NormalizedFields["given_name"]
	if p.GivenName != "" && given != "" && similarity(p.GivenName, given) < r.cfg.NameMatchThreshold {
		return false
	}
	return true
}
