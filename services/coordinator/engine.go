// Package coordinator decides which deployment a polling controller should
// run and folds the controller's status reports back into the deployment
// state machine. All read-modify-write sequences for one controller are
// serialised by a per-controller lock, which a Locker extends across
// replicas; the registry's optimistic versioning guards against races
// across controllers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"otad/pkg/errdefs"
	"otad/pkg/metrics"
	"otad/pkg/retry"
	"otad/services/artifacts"
	"otad/services/registry"
)

const tracerName = "otad/coordinator"

// Deployments is the registry surface the engine drives.
type Deployments interface {
	Get(ctx context.Context, id string) (registry.Deployment, error)
	ListPendingFor(ctx context.Context, t registry.Target) ([]registry.Deployment, error)
	Transition(ctx context.Context, id string, evt registry.Event) (registry.Deployment, error)
	RecordRejection(ctx context.Context, id, controllerID, reason string, details map[string]any)
}

// ArtifactStat resolves artifact records by name.
type ArtifactStat interface {
	Stat(ctx context.Context, name string) (artifacts.Artifact, error)
}

// Linker turns an artifact into a URL the controller can download from.
type Linker interface {
	Link(ctx context.Context, controllerID string, a artifacts.Artifact) (string, error)
}

// LinkerFunc adapts a function to Linker.
type LinkerFunc func(ctx context.Context, controllerID string, a artifacts.Artifact) (string, error)

func (f LinkerFunc) Link(ctx context.Context, controllerID string, a artifacts.Artifact) (string, error) {
	return f(ctx, controllerID, a)
}

// Descriptor is what a controller receives for its assigned deployment.
type Descriptor struct {
	ID        string               `json:"id"`
	Name      string               `json:"name,omitempty"`
	Artifacts []DescriptorArtifact `json:"artifacts"`
}

// DescriptorArtifact is one downloadable payload of a descriptor.
type DescriptorArtifact struct {
	Name   string `json:"name"`
	Href   string `json:"href"`
	Size   int64  `json:"size"`
	SHA256 string `json:"checksum"`
}

// Report statuses accepted from controllers.
const (
	StatusRunning = "RUNNING"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// Report is a controller's status update for one deployment.
type Report struct {
	// ID is the deployment id echoed by the controller. Optional, but must
	// match when present.
	ID      string   `json:"id"`
	Time    string   `json:"time"`
	Status  string   `json:"status"`
	Details []string `json:"details"`
}

// Ack confirms an accepted report.
type Ack struct {
	DeploymentID string         `json:"deployment_id"`
	ControllerID string         `json:"controller_id"`
	Status       string         `json:"status"`
	State        registry.State `json:"state"`
	Sequence     int64          `json:"sequence"`
}

// Locker serialises work on one controller across processes sharing the
// same storage. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Engine implements PollFor and Ingest.
type Engine struct {
	deployments Deployments
	controllers ControllerRepository
	history     History
	artifacts   ArtifactStat
	linker      Linker
	locks       *keyedMutex
	locker      Locker
	policy      retry.Policy
	metrics     *metrics.Recorder
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetryPolicy overrides the storage retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLocker adds a cross-process lock taken after the in-process one.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an Engine.
func NewEngine(deployments Deployments, controllers ControllerRepository, history History, store ArtifactStat, linker Linker, opts ...Option) (*Engine, error) {
	switch {
	case deployments == nil:
		return nil, errors.New("coordinator: deployments are required")
	case controllers == nil:
		return nil, errors.New("coordinator: controller repository is required")
	case history == nil:
		return nil, errors.New("coordinator: history is required")
	case store == nil:
		return nil, errors.New("coordinator: artifact store is required")
	case linker == nil:
		return nil, errors.New("coordinator: linker is required")
	}
	e := &Engine{
		deployments: deployments,
		controllers: controllers,
		history:     history,
		artifacts:   store,
		linker:      linker,
		locks:       newKeyedMutex(),
		policy:      retry.DefaultPolicy(),
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// PollFor returns the descriptor of the deployment controllerID should run,
// or nil when nothing is pending. attrs, when non-nil, replaces the stored
// controller attributes before selectors are evaluated. Re-polling while a
// deployment is open returns the same descriptor.
func (e *Engine) PollFor(ctx context.Context, controllerID string, attrs map[string]string) (desc *Descriptor, err error) {
	controllerID = strings.TrimSpace(controllerID)
	if controllerID == "" {
		return nil, fmt.Errorf("%w: controller id is required", errdefs.ErrValidation)
	}

	ctx, span := e.tracer.Start(ctx, "coordinator.PollFor", trace.WithAttributes(attribute.String("controller.id", controllerID)))
	result := "idle"
	defer func() {
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("poll.result", result))
		span.End()
		e.metrics.Poll(result)
	}()

	unlock, err := e.lock(ctx, controllerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctrl, err := e.touch(ctx, controllerID, attrs)
	if err != nil {
		return nil, err
	}

	if ctrl.Assigned != "" {
		d, err := e.deployments.Get(ctx, ctrl.Assigned)
		switch {
		case err == nil && d.State.Open() && d.AssignedTo == controllerID:
			result = "resumed"
			return e.describe(ctx, controllerID, d)
		case err != nil && !errors.Is(err, errdefs.ErrNotFound):
			return nil, err
		}
		e.logger.Debug().
			Str("controller_id", controllerID).
			Str("deployment_id", ctrl.Assigned).
			Msg("clearing stale controller binding")
		ctrl.Assigned = ""
		if err := e.saveController(ctx, ctrl); err != nil {
			return nil, err
		}
	}

	pending, err := e.deployments.ListPendingFor(ctx, registry.Target{ID: controllerID, Attributes: ctrl.Attributes})
	if err != nil {
		return nil, err
	}

	for _, candidate := range pending {
		desc, err := e.describe(ctx, controllerID, candidate)
		if err != nil {
			return nil, err
		}

		d, err := e.deployments.Transition(ctx, candidate.ID, registry.Assign(controllerID))
		if errors.Is(err, errdefs.ErrInvalidTransition) {
			// another controller took it between list and assign
			continue
		}
		if err != nil {
			return nil, err
		}

		ctrl.Assigned = d.ID
		if err := e.saveController(ctx, ctrl); err != nil {
			return nil, err
		}
		result = "assigned"
		e.logger.Info().
			Str("controller_id", controllerID).
			Str("deployment_id", d.ID).
			Msg("deployment assigned")
		return desc, nil
	}
	return nil, nil
}

// Ingest validates a status report, records it, and drives the deployment
// state machine. Rejected reports are kept in history and audit.
func (e *Engine) Ingest(ctx context.Context, controllerID, deploymentID string, rep Report) (ack Ack, err error) {
	controllerID = strings.TrimSpace(controllerID)
	deploymentID = strings.TrimSpace(deploymentID)
	rep.ID = strings.TrimSpace(rep.ID)

	switch {
	case controllerID == "":
		return Ack{}, fmt.Errorf("%w: controller id is required", errdefs.ErrValidation)
	case deploymentID == "":
		return Ack{}, fmt.Errorf("%w: deployment id is required", errdefs.ErrValidation)
	case rep.ID != "" && rep.ID != deploymentID:
		return Ack{}, fmt.Errorf("%w: report id %q does not match deployment %q", errdefs.ErrValidation, rep.ID, deploymentID)
	case strings.TrimSpace(rep.Status) == "":
		return Ack{}, fmt.Errorf("%w: status is required", errdefs.ErrValidation)
	}

	ctx, span := e.tracer.Start(ctx, "coordinator.Ingest", trace.WithAttributes(
		attribute.String("controller.id", controllerID),
		attribute.String("deployment.id", deploymentID),
	))
	status := strings.ToUpper(strings.TrimSpace(rep.Status))
	outcome := "accepted"
	defer func() {
		if err != nil {
			outcome = "rejected"
			if errors.Is(err, errdefs.ErrValidation) {
				outcome = "invalid"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.Report(status, outcome)
	}()

	event, statusErr := eventFor(status, controllerID)

	unlock, err := e.lock(ctx, controllerID)
	if err != nil {
		return Ack{}, err
	}
	defer unlock()

	d, err := e.deployments.Get(ctx, deploymentID)
	if err != nil {
		if statusErr != nil && errors.Is(err, errdefs.ErrNotFound) {
			return Ack{}, statusErr
		}
		return Ack{}, err
	}

	ctrl, err := e.touch(ctx, controllerID, nil)
	if err != nil {
		return Ack{}, err
	}

	if statusErr != nil {
		e.reject(ctx, controllerID, d.ID, rep, status, statusErr.Error())
		return Ack{}, statusErr
	}

	if d.AssignedTo != controllerID {
		reason := fmt.Sprintf("deployment %s is not assigned to controller %s", d.ID, controllerID)
		e.reject(ctx, controllerID, d.ID, rep, status, reason)
		return Ack{}, fmt.Errorf("%w: %s", errdefs.ErrInvalidTransition, reason)
	}
	if _, _, err := registry.Next(d.State, event.Kind); err != nil {
		err = fmt.Errorf("deployment %s: %w", d.ID, err)
		e.reject(ctx, controllerID, d.ID, rep, status, err.Error())
		return Ack{}, err
	}

	stored, err := e.appendHistory(ctx, StatusReport{
		DeploymentID: d.ID,
		ControllerID: controllerID,
		Status:       status,
		Time:         rep.Time,
		Details:      rep.Details,
		Accepted:     true,
		ReceivedAt:   e.now().UTC(),
	})
	if err != nil {
		return Ack{}, err
	}

	updated, err := e.deployments.Transition(ctx, d.ID, event)
	if err != nil {
		e.revoke(ctx, stored, err)
		return Ack{}, err
	}

	if updated.State.Terminal() && ctrl.Assigned == d.ID {
		ctrl.Assigned = ""
		if err := e.saveController(ctx, ctrl); err != nil {
			return Ack{}, err
		}
	}

	e.logger.Info().
		Str("controller_id", controllerID).
		Str("deployment_id", d.ID).
		Str("status", status).
		Stringer("state", updated.State).
		Msg("status report accepted")

	return Ack{
		DeploymentID: d.ID,
		ControllerID: controllerID,
		Status:       status,
		State:        updated.State,
		Sequence:     stored.Sequence,
	}, nil
}

// Expire returns deploymentID to PENDING if it is still ASSIGNED to the same
// controller and was assigned before olderThan. It reports whether the
// deployment was reverted.
func (e *Engine) Expire(ctx context.Context, deploymentID string, olderThan time.Time) (bool, error) {
	d, err := e.deployments.Get(ctx, deploymentID)
	if err != nil {
		return false, err
	}
	if d.State != registry.StateAssigned || d.AssignedTo == "" {
		return false, nil
	}
	controllerID := d.AssignedTo

	unlock, err := e.lock(ctx, controllerID)
	if err != nil {
		return false, err
	}
	defer unlock()

	d, err = e.deployments.Get(ctx, deploymentID)
	if err != nil {
		return false, err
	}
	if d.State != registry.StateAssigned || d.AssignedTo != controllerID || d.AssignedAt == nil || !d.AssignedAt.Before(olderThan) {
		return false, nil
	}

	if _, err := e.deployments.Transition(ctx, d.ID, registry.Expire("reaper")); err != nil {
		if errors.Is(err, errdefs.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}

	ctrl, err := e.loadController(ctx, controllerID)
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return true, nil
	case err != nil:
		return true, err
	}
	if ctrl.Assigned == d.ID {
		ctrl.Assigned = ""
		if err := e.saveController(ctx, ctrl); err != nil {
			return true, err
		}
	}
	return true, nil
}

// SetAttributes replaces the attributes used to evaluate label selectors.
func (e *Engine) SetAttributes(ctx context.Context, controllerID string, attrs map[string]string) (Controller, error) {
	controllerID = strings.TrimSpace(controllerID)
	if controllerID == "" {
		return Controller{}, fmt.Errorf("%w: controller id is required", errdefs.ErrValidation)
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	unlock, err := e.lock(ctx, controllerID)
	if err != nil {
		return Controller{}, err
	}
	defer unlock()
	return e.touch(ctx, controllerID, attrs)
}

// Controller returns the stored controller record.
func (e *Engine) Controller(ctx context.Context, controllerID string) (Controller, error) {
	return e.loadController(ctx, controllerID)
}

// History returns the report history of an existing deployment.
func (e *Engine) History(ctx context.Context, deploymentID string) ([]StatusReport, error) {
	if _, err := e.deployments.Get(ctx, deploymentID); err != nil {
		return nil, err
	}
	return retry.Value(ctx, e.policy, func(ctx context.Context) ([]StatusReport, error) {
		return e.history.List(ctx, deploymentID)
	})
}

// Describe builds the descriptor of deploymentID as seen by controllerID.
func (e *Engine) Describe(ctx context.Context, controllerID, deploymentID string) (*Descriptor, error) {
	d, err := e.deployments.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.AssignedTo != controllerID {
		return nil, fmt.Errorf("%w: deployment %s for controller %s", errdefs.ErrNotFound, deploymentID, controllerID)
	}
	return e.describe(ctx, controllerID, d)
}

// describe resolves every artifact of d against the store and fails with
// ErrIntegrity when the store disagrees with what d recorded at creation.
func (e *Engine) describe(ctx context.Context, controllerID string, d registry.Deployment) (*Descriptor, error) {
	desc := &Descriptor{ID: d.ID, Name: d.Name, Artifacts: make([]DescriptorArtifact, 0, len(d.Artifacts))}
	for _, ref := range d.Artifacts {
		art, err := retry.Value(ctx, e.policy, func(ctx context.Context) (artifacts.Artifact, error) {
			return e.artifacts.Stat(ctx, ref.Name)
		})
		switch {
		case errors.Is(err, errdefs.ErrNotFound):
			return nil, fmt.Errorf("%w: deployment %s references missing artifact %q", errdefs.ErrIntegrity, d.ID, ref.Name)
		case err != nil:
			return nil, err
		}
		if art.Locator != ref.Locator || art.Size != ref.Size || art.SHA256 != ref.SHA256 {
			return nil, fmt.Errorf("%w: artifact %q of deployment %s changed since creation", errdefs.ErrIntegrity, ref.Name, d.ID)
		}

		href, err := e.linker.Link(ctx, controllerID, art)
		if err != nil {
			return nil, fmt.Errorf("link artifact %q: %w", art.Name, err)
		}
		desc.Artifacts = append(desc.Artifacts, DescriptorArtifact{
			Name:   art.Name,
			Href:   href,
			Size:   art.Size,
			SHA256: art.SHA256,
		})
	}
	return desc, nil
}

// lock takes the in-process lock for controllerID and then, when configured,
// the cross-process one.
func (e *Engine) lock(ctx context.Context, controllerID string) (func(), error) {
	local := e.locks.Lock(controllerID)
	if e.locker == nil {
		return local, nil
	}
	release, err := e.locker.Lock(ctx, controllerID)
	if err != nil {
		local()
		return nil, err
	}
	return func() {
		release()
		local()
	}, nil
}

// touch loads or creates the controller, bumps LastSeen, applies attrs when
// non-nil, and saves it. The caller holds the controller lock.
func (e *Engine) touch(ctx context.Context, controllerID string, attrs map[string]string) (Controller, error) {
	now := e.now().UTC()
	ctrl, err := e.loadController(ctx, controllerID)
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		ctrl = Controller{ID: controllerID, FirstSeen: now}
		e.logger.Info().Str("controller_id", controllerID).Msg("controller registered")
	case err != nil:
		return Controller{}, err
	}
	ctrl.LastSeen = now
	if attrs != nil {
		ctrl.Attributes = maps.Clone(attrs)
	}
	if err := e.saveController(ctx, ctrl); err != nil {
		return Controller{}, err
	}
	return ctrl, nil
}

func (e *Engine) loadController(ctx context.Context, id string) (Controller, error) {
	return retry.Value(ctx, e.policy, func(ctx context.Context) (Controller, error) {
		return e.controllers.Get(ctx, id)
	})
}

func (e *Engine) saveController(ctx context.Context, c Controller) error {
	return retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return e.controllers.Save(ctx, c)
	})
}

func (e *Engine) appendHistory(ctx context.Context, r StatusReport) (StatusReport, error) {
	return retry.Value(ctx, e.policy, func(ctx context.Context) (StatusReport, error) {
		return e.history.Append(ctx, r)
	})
}

// revoke marks an accepted history entry as rejected after its state change
// failed to commit.
func (e *Engine) revoke(ctx context.Context, r StatusReport, cause error) {
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return e.history.MarkRejected(ctx, r.DeploymentID, r.Sequence, cause.Error())
	})
	if err != nil {
		e.logger.Error().Err(err).
			Str("deployment_id", r.DeploymentID).
			Int64("sequence", r.Sequence).
			Msg("revoke status report")
	}
	if errors.Is(cause, errdefs.ErrInvalidTransition) {
		e.deployments.RecordRejection(ctx, r.DeploymentID, r.ControllerID, cause.Error(), map[string]any{"status": r.Status})
	}
}

func (e *Engine) reject(ctx context.Context, controllerID, deploymentID string, rep Report, status, reason string) {
	_, err := e.appendHistory(ctx, StatusReport{
		DeploymentID: deploymentID,
		ControllerID: controllerID,
		Status:       status,
		Time:         rep.Time,
		Details:      rep.Details,
		Accepted:     false,
		Reason:       reason,
		ReceivedAt:   e.now().UTC(),
	})
	if err != nil {
		e.logger.Error().Err(err).Str("deployment_id", deploymentID).Msg("record rejected report")
	}
	e.deployments.RecordRejection(ctx, deploymentID, controllerID, reason, map[string]any{"status": status})
	e.logger.Warn().
		Str("controller_id", controllerID).
		Str("deployment_id", deploymentID).
		Str("status", status).
		Str("reason", reason).
		Msg("status report rejected")
}

func eventFor(status, controllerID string) (registry.Event, error) {
	switch status {
	case StatusRunning:
		return registry.Start(controllerID), nil
	case StatusSuccess:
		return registry.Succeed(controllerID), nil
	case StatusFailure:
		return registry.Fail(controllerID), nil
	default:
		return registry.Event{}, fmt.Errorf("%w: unknown status %q", errdefs.ErrValidation, status)
	}
}
