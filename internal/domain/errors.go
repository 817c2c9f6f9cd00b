package domain

import "errors"

// Error taxonomy (sentinels). Everything below the orchestrator is recovered
// locally and turned into evidence or flags; only input errors and
// idempotency conflicts escape to the caller.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrUpstreamServer      = errors.New("upstream server error")
	ErrUpstreamRejected    = errors.New("upstream rejected request")
	ErrRobotDetected       = errors.New("robot detected")
	ErrUnavailable         = errors.New("infrastructure unavailable")
	ErrInternal            = errors.New("internal error")
)
