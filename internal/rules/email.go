package rules

import (
	"context"
	"net"
	"regexp"
	"strings"

	"github.com/verifact/provider-validator/internal/domain"
)

// emailPattern is the RFC-lite shape: local part, one @, dotted domain.
var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}$`)

// MXResolver answers MX lookups. net.Resolver satisfies it; tests plug in
// a fake.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// NetResolver answers MX lookups with the system resolver.
type NetResolver struct {
	R net.Resolver
}

func (n *NetResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return n.R.LookupMX(ctx, name)
}

// EmailRule requires the RFC-lite shape and a resolvable MX record for the
// domain. A well-formed address with no MX downgrades to a warning.
type EmailRule struct {
	cfg      Config
	Resolver MXResolver
}

func (r *EmailRule) Name() string { return "email_mx" }

func (r *EmailRule) Evaluate(ctx context.Context, p domain.Provider, _ Evidence) ([]domain.ValidationResult, bool) {
	if p.Email == "" {
		return nil, false
	}
	if !emailPattern.MatchString(p.Email) {
		return []domain.ValidationResult{{
			FieldName:  "email",
			Value:      p.Email,
			Status:     domain.FieldInvalid,
			Confidence: 0,
			Source:     domain.TaskEnrichmentLookup,
			Details:    "malformed address",
		}}, true
	}
	host := p.Email[strings.LastIndexByte(p.Email, '@')+1:]
	mx, err := r.Resolver.LookupMX(ctx, host)
	if err != nil || len(mx) == 0 {
		return []domain.ValidationResult{{
			FieldName:   "email",
			Value:       strings.ToLower(p.Email),
			Status:      domain.FieldWarning,
			Confidence:  0.5,
			Source:      domain.TaskEnrichmentLookup,
			CriteriaMet: []string{"format"},
			Details:     "no MX record for " + host,
		}}, true
	}
	return []domain.ValidationResult{{
		FieldName:   "email",
		Value:       strings.ToLower(p.Email),
		Status:      domain.FieldValid,
		Confidence:  r.cfg.EmailPassConfidence,
		Source:      domain.TaskEnrichmentLookup,
		CriteriaMet: []string{"format", "mx_resolves"},
	}}, true
}
