package app

import (
	"context"
	"net/http"
	"time"
)

// Pinger is anything with a Ping; pgxpool.Pool and redis.Client both fit.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness aggregates dependency probes for /readyz. A nil probe is
// skipped, which is how the memory-store deployment runs without Postgres.
type Readiness struct {
	checks map[string]func(context.Context) error
}

// NewReadiness builds an empty probe set.
func NewReadiness() *Readiness {
	return &Readiness{checks: make(map[string]func(context.Context) error)}
}

// AddPinger registers a named dependency probe.
func (r *Readiness) AddPinger(name string, p Pinger) {
	if p == nil {
		return
	}
	r.checks[name] = p.Ping
}

// AddCheck registers an arbitrary probe function.
func (r *Readiness) AddCheck(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	r.checks[name] = fn
}

// Handler answers 200 when every probe passes within the deadline.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		for name, check := range r.checks {
			if err := check(ctx); err != nil {
				http.Error(w, name+": "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
