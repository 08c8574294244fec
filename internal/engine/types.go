// Package engine implements the sync coordinator: it drains the pending
// operation queue against collection sync endpoints, applies conflict
// resolution, schedules retries with exponential backoff, and reports
// progress through a typed event stream. One Service instance is
// constructed at the application's composition root and shared by
// reference; there are no package-level singletons.
package engine

import (
	"errors"
	"time"
)

// Sentinel errors surfaced synchronously at the submission interface.
var (
	ErrUnknownCollection = errors.New("engine: collection not registered")
	ErrInvalidPayload    = errors.New("engine: payload must be a JSON object")
	ErrOperationNotFound = errors.New("engine: operation not found")
	ErrNotFailed         = errors.New("engine: operation is not in the failed state")
	ErrOffline           = errors.New("engine: offline, drain skipped")
)

// reasonConflictReview is the failure reason recorded when a manual
// conflict parks an operation for human review.
const reasonConflictReview = "ConflictRequiresReview"

// CollectionRegistration binds a collection name to its sync endpoint.
// Registrations are created once at application start and are immutable
// for the session; the conflict policy lives in the resolver's table.
type CollectionRegistration struct {
	Name         string
	SyncEndpoint string
}

// Default retry and drain parameters. All are configuration, not policy:
// the host overrides them through Options.
const (
	defaultMaxRetries     = 5
	defaultBaseDelay      = 5 * time.Second
	defaultMultiplier     = 2.0
	defaultMaxDelay       = 5 * time.Minute
	defaultJitterFraction = 0.25
	defaultFanOut         = 4
)

// Options tunes the coordinator. The zero value selects the defaults.
type Options struct {
	MaxRetries     int           // attempts before an operation is parked as failed
	BaseDelay      time.Duration // first retry delay
	Multiplier     float64       // backoff growth factor
	MaxDelay       time.Duration // backoff cap
	JitterFraction float64       // +/- fraction applied to each delay; negative disables
	FanOut         int           // entity groups synced concurrently during a drain
	// DisableAutoDrain stops Submit and Retry from kicking an
	// opportunistic background drain. Tests use this to drive drains
	// explicitly.
	DisableAutoDrain bool
}

// withDefaults fills unset fields with the default parameters.
func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}

	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}

	if o.Multiplier <= 1 {
		o.Multiplier = defaultMultiplier
	}

	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}

	if o.JitterFraction == 0 {
		o.JitterFraction = defaultJitterFraction
	}

	if o.FanOut <= 0 {
		o.FanOut = defaultFanOut
	}

	return o
}
