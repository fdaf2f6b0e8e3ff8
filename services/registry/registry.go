// Package registry owns deployment definitions and their lifecycle. Every
// state change goes through Registry.Transition, which enforces the
// transition table, appends to the audit trail, and notifies observers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"otad/pkg/errdefs"
	"otad/pkg/metrics"
	"otad/pkg/retry"
	"otad/services/artifacts"
)

const maxConflictRetries = 8

// ArtifactResolver looks up artifact records by name.
type ArtifactResolver interface {
	Stat(ctx context.Context, name string) (artifacts.Artifact, error)
}

// Observer receives every committed transition. Errors are logged and never
// undo the transition.
type Observer interface {
	Notify(ctx context.Context, evt TransitionEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt TransitionEvent) error

func (f ObserverFunc) Notify(ctx context.Context, evt TransitionEvent) error { return f(ctx, evt) }

// CreateRequest describes a new deployment. Artifacts are artifact names, in
// install order.
type CreateRequest struct {
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Selector  Selector `json:"selector" yaml:"selector"`
	Artifacts []string `json:"artifacts" yaml:"artifacts"`
}

// Registry is the deployment registry.
type Registry struct {
	repo      Repository
	audit     AuditLog
	artifacts ArtifactResolver
	observers []Observer
	policy    retry.Policy
	metrics   *metrics.Recorder
	logger    zerolog.Logger
	now       func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithObservers registers transition observers.
func WithObservers(obs ...Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, obs...) }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithRetryPolicy overrides the storage retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New wires a Registry.
func New(repo Repository, audit AuditLog, resolver ArtifactResolver, opts ...Option) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("registry: repository is required")
	}
	if audit == nil {
		return nil, errors.New("registry: audit log is required")
	}
	if resolver == nil {
		return nil, errors.New("registry: artifact resolver is required")
	}
	r := &Registry{
		repo:      repo,
		audit:     audit,
		artifacts: resolver,
		policy:    retry.DefaultPolicy(),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Create validates req and stores a PENDING deployment.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (Deployment, error) {
	req.Name = strings.TrimSpace(req.Name)
	if len(req.Artifacts) == 0 {
		return Deployment{}, fmt.Errorf("%w: at least one artifact is required", errdefs.ErrValidation)
	}
	if req.Selector.Empty() {
		return Deployment{}, fmt.Errorf("%w: selector must name controllers, labels or all", errdefs.ErrValidation)
	}

	refs := make([]ArtifactRef, 0, len(req.Artifacts))
	seen := make(map[string]struct{}, len(req.Artifacts))
	for _, name := range req.Artifacts {
		name = strings.TrimSpace(name)
		if name == "" {
			return Deployment{}, fmt.Errorf("%w: empty artifact name", errdefs.ErrValidation)
		}
		if _, dup := seen[name]; dup {
			return Deployment{}, fmt.Errorf("%w: artifact %q listed twice", errdefs.ErrValidation, name)
		}
		seen[name] = struct{}{}

		art, err := r.artifacts.Stat(ctx, name)
		if err != nil {
			return Deployment{}, fmt.Errorf("resolve artifact %q: %w", name, err)
		}
		refs = append(refs, ArtifactRef{Name: art.Name, Locator: art.Locator, Size: art.Size, SHA256: art.SHA256})
	}

	d := Deployment{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Artifacts: refs,
		Selector:  req.Selector.clone(),
		State:     StatePending,
		Version:   1,
		CreatedAt: r.now().UTC(),
	}

	if err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.repo.Create(ctx, d)
	}); err != nil {
		return Deployment{}, err
	}

	r.appendAudit(ctx, AuditRecord{
		DeploymentID: d.ID,
		Actor:        "api",
		Action:       ActionCreated,
		To:           d.State.String(),
		Details:      map[string]any{"name": d.Name, "artifacts": req.Artifacts},
		At:           d.CreatedAt,
	})

	r.logger.Info().
		Str("deployment_id", d.ID).
		Str("name", d.Name).
		Int("artifacts", len(refs)).
		Msg("deployment created")
	return d.Clone(), nil
}

// Get returns the deployment with id.
func (r *Registry) Get(ctx context.Context, id string) (Deployment, error) {
	if strings.TrimSpace(id) == "" {
		return Deployment{}, fmt.Errorf("%w: deployment id is required", errdefs.ErrValidation)
	}
	return retry.Value(ctx, r.policy, func(ctx context.Context) (Deployment, error) {
		return r.repo.Get(ctx, id)
	})
}

// GetByName returns the deployment registered under name.
func (r *Registry) GetByName(ctx context.Context, name string) (Deployment, error) {
	return retry.Value(ctx, r.policy, func(ctx context.Context) (Deployment, error) {
		return r.repo.GetByName(ctx, name)
	})
}

// ListPendingFor returns PENDING deployments whose selector matches t, oldest
// first.
func (r *Registry) ListPendingFor(ctx context.Context, t Target) ([]Deployment, error) {
	pending, err := retry.Value(ctx, r.policy, func(ctx context.Context) ([]Deployment, error) {
		return r.repo.ListByState(ctx, StatePending)
	})
	if err != nil {
		return nil, err
	}

	out := pending[:0]
	for _, d := range pending {
		if d.Selector.Matches(t) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListStale returns ASSIGNED deployments whose assignment is older than
// olderThan.
func (r *Registry) ListStale(ctx context.Context, olderThan time.Time) ([]Deployment, error) {
	assigned, err := retry.Value(ctx, r.policy, func(ctx context.Context) ([]Deployment, error) {
		return r.repo.ListByState(ctx, StateAssigned)
	})
	if err != nil {
		return nil, err
	}

	out := assigned[:0]
	for _, d := range assigned {
		if d.AssignedAt != nil && d.AssignedAt.Before(olderThan) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Transition applies evt to deployment id. The read-check-write is retried
// when another writer bumps the version in between.
func (r *Registry) Transition(ctx context.Context, id string, evt Event) (Deployment, error) {
	if evt.Kind == EventAssign && strings.TrimSpace(evt.Controller) == "" {
		return Deployment{}, fmt.Errorf("%w: assign requires a controller", errdefs.ErrValidation)
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		cur, err := r.Get(ctx, id)
		if err != nil {
			return Deployment{}, err
		}

		if evt.reportsProgress() && evt.Controller != "" && evt.Controller != cur.AssignedTo {
			return cur, fmt.Errorf("deployment %s: %w: %s by controller %q, assigned to %q",
				id, errdefs.ErrInvalidTransition, evt.Kind, evt.Controller, cur.AssignedTo)
		}

		to, changed, err := Next(cur.State, evt.Kind)
		if err != nil {
			return cur, fmt.Errorf("deployment %s: %w", id, err)
		}
		if !changed {
			return cur, nil
		}

		next := cur.Clone()
		next.State = to
		now := r.now().UTC()
		switch evt.Kind {
		case EventAssign:
			next.AssignedTo = evt.Controller
			next.AssignedAt = &now
		case EventExpire:
			next.AssignedTo = ""
			next.AssignedAt = nil
		case EventSucceed, EventFail:
			next.ClosedAt = &now
		case EventStart:
		}

		updated, err := retry.Value(ctx, r.policy, func(ctx context.Context) (Deployment, error) {
			return r.repo.Update(ctx, next, cur.Version)
		})
		if errors.Is(err, errdefs.ErrConflict) {
			continue
		}
		if err != nil {
			return Deployment{}, err
		}

		controller := evt.Controller
		if controller == "" {
			controller = cur.AssignedTo
		}
		r.committed(ctx, TransitionEvent{
			DeploymentID:   updated.ID,
			DeploymentName: updated.Name,
			ControllerID:   controller,
			From:           cur.State,
			To:             updated.State,
			Event:          evt.Kind,
			Actor:          evt.Actor,
			At:             now,
		})
		return updated, nil
	}
	return Deployment{}, fmt.Errorf("deployment %s: %w after %d attempts", id, errdefs.ErrConflict, maxConflictRetries)
}

// RecordRejection appends a rejected report to the audit trail without
// touching state.
func (r *Registry) RecordRejection(ctx context.Context, id, controllerID, reason string, details map[string]any) {
	d := map[string]any{"controller_id": controllerID, "reason": reason}
	for k, v := range details {
		d[k] = v
	}
	r.appendAudit(ctx, AuditRecord{
		DeploymentID: id,
		Actor:        "controller:" + controllerID,
		Action:       ActionRejected,
		Details:      d,
		At:           r.now().UTC(),
	})
}

// Audit returns the audit trail of deployment id in append order.
func (r *Registry) Audit(ctx context.Context, id string) ([]AuditRecord, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return retry.Value(ctx, r.policy, func(ctx context.Context) ([]AuditRecord, error) {
		return r.audit.List(ctx, id)
	})
}

func (r *Registry) committed(ctx context.Context, evt TransitionEvent) {
	r.metrics.Transition(evt.From.String(), evt.To.String())

	r.appendAudit(ctx, AuditRecord{
		DeploymentID: evt.DeploymentID,
		Actor:        evt.Actor,
		Action:       ActionTransition,
		From:         evt.From.String(),
		To:           evt.To.String(),
		Details:      map[string]any{"event": evt.Event.String(), "controller_id": evt.ControllerID},
		At:           evt.At,
	})

	for _, obs := range r.observers {
		if err := obs.Notify(ctx, evt); err != nil {
			r.logger.Warn().Err(err).Str("deployment_id", evt.DeploymentID).Msg("observer notification failed")
		}
	}
}

// appendAudit records rec. The state change it describes has already been
// committed, so a failed append is logged rather than returned.
func (r *Registry) appendAudit(ctx context.Context, rec AuditRecord) {
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.audit.Append(ctx, rec)
	})
	if err != nil {
		r.logger.Error().Err(err).
			Str("deployment_id", rec.DeploymentID).
			Str("action", rec.Action).
			Msg("append audit record")
	}
}
