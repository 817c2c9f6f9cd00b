// Package rules converts raw connector evidence into per-field
// ValidationResults. The engine runs once per provider, strictly after all
// of that provider's tasks are terminal.
package rules

import (
	"context"
	"time"

	"github.com/verifact/provider-validator/internal/domain"
)

// Evidence is the successful WorkerTaskResult per source for one provider.
type Evidence map[domain.TaskType]domain.WorkerTaskResult

// Get returns the result for a source and whether it exists.
func (e Evidence) Get(tt domain.TaskType) (domain.WorkerTaskResult, bool) {
	r, ok := e[tt]
	return r, ok
}

// Field returns a normalized field from a source's evidence, or "".
func (e Evidence) Field(tt domain.TaskType, name string) string {
	if r, ok := e[tt]; ok {
		return r.NormalizedFields[name]
	}
	return ""
}

// Meta returns a metadata entry from a source's evidence, or "".
func (e Evidence) Meta(tt domain.TaskType, name string) string {
	if r, ok := e[tt]; ok {
		return r.SourceMetadata[name]
	}
	return ""
}

// Rule evaluates one aspect of a provider against collected evidence. A
// rule that cannot fire (required sources absent, field not submitted)
// returns ok=false and emits nothing.
type Rule interface {
	// Name identifies the rule kind; at most one rule per (field, name)
	// fires for a provider.
	Name() string
	Evaluate(ctx context.Context, p domain.Provider, ev Evidence) ([]domain.ValidationResult, bool)
}

// Engine holds the registered rules in evaluation order.
type Engine struct {
	cfg   Config
	rules []Rule
	now   func() time.Time
}

// NewEngine builds an engine with the standard registry: identifier, name,
// phone, address, license and email rules, in that order.
func NewEngine(cfg Config, mx MXResolver) *Engine {
	e := &Engine{cfg: cfg, now: time.Now}
	e.rules = []Rule{
		&IdentifierRule{cfg: cfg},
		&NameRule{cfg: cfg},
		&PhoneRule{cfg: cfg},
		&AddressRule{cfg: cfg},
		&LicenseRule{cfg: cfg},
		&EmailRule{cfg: cfg, Resolver: mx},
	}
	return e
}

// Register appends a custom rule to the registry.
func (e *Engine) Register(r Rule) { e.rules = append(e.rules, r) }

// Evaluate runs every registered rule over the evidence. The first rule to
// fire for a (field, rule-name) pair wins; later rules for the same pair
// are skipped. Rule failures are never fatal: a rule that cannot decide
// emits status=unknown rather than an error.
func (e *Engine) Evaluate(ctx context.Context, p domain.Provider, results []domain.WorkerTaskResult) []domain.ValidationResult {
	ev := make(Evidence, len(results))
	for _, r := range results {
		if r.Success {
			ev[r.TaskType] = r
		}
	}
	fired := make(map[string]bool)
	var out []domain.ValidationResult
	ts := e.now().UTC()
	for _, rule := range e.rules {
		vrs, ok := rule.Evaluate(ctx, p, ev)
		if !ok {
			continue
		}
		for _, vr := range vrs {
			key := vr.FieldName + "/" + rule.Name()
			if fired[key] {
				continue
			}
			fired[key] = true
			if vr.Timestamp.IsZero() {
				vr.Timestamp = ts
			}
			out = append(out, vr)
		}
	}
	return out
}
