// Package reaper returns deployments that were assigned but never started to
// the pending pool, so a controller that vanished after polling does not
// hold its deployment forever.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"otad/pkg/metrics"
	"otad/services/registry"
)

const (
	DefaultExpiry   = 30 * time.Minute
	DefaultInterval = time.Minute
)

// StaleLister finds ASSIGNED deployments older than a cutoff.
type StaleLister interface {
	ListStale(ctx context.Context, olderThan time.Time) ([]registry.Deployment, error)
}

// Expirer reverts one stale assignment under the controller lock.
type Expirer interface {
	Expire(ctx context.Context, deploymentID string, olderThan time.Time) (bool, error)
}

// Forgetter drops idle polling sessions. Optional.
type Forgetter interface {
	Forget(cutoff time.Time) int
}

// Reaper sweeps stale assignments on an interval.
type Reaper struct {
	stale    StaleLister
	expirer  Expirer
	sessions Forgetter
	expiry   time.Duration
	interval time.Duration
	metrics  *metrics.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// Option customises a Reaper.
type Option func(*Reaper)

// WithSessions lets each sweep also drop polling sessions idle for longer
// than the expiry.
func WithSessions(f Forgetter) Option {
	return func(r *Reaper) { r.sessions = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Reaper) { r.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New builds a Reaper. Non-positive expiry or interval fall back to the
// defaults.
func New(stale StaleLister, expirer Expirer, expiry, interval time.Duration, opts ...Option) (*Reaper, error) {
	if stale == nil {
		return nil, errors.New("reaper: stale lister is required")
	}
	if expirer == nil {
		return nil, errors.New("reaper: expirer is required")
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Reaper{
		stale:    stale,
		expirer:  expirer,
		expiry:   expiry,
		interval: interval,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start sweeps every interval until ctx is cancelled. Sweep failures are
// logged and retried on the next tick.
func (r *Reaper) Start(ctx context.Context) error {
	if r == nil {
		return errors.New("nil reaper")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("reaper sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns how many assignments were reverted.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.expiry)

	if r.sessions != nil {
		if n := r.sessions.Forget(cutoff); n > 0 {
			r.logger.Debug().Int("sessions", n).Msg("dropped idle polling sessions")
		}
	}

	candidates, err := r.stale.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var (
		reverted int
		errs     []error
	)
	for _, d := range candidates {
		ok, err := r.expirer.Expire(ctx, d.ID, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		reverted++
		r.logger.Info().
			Str("deployment_id", d.ID).
			Str("controller_id", d.AssignedTo).
			Msg("stale assignment returned to pending")
	}
	r.metrics.Reaped(reverted)
	return reverted, errors.Join(errs...)
}
