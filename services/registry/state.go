package registry

import (
	"fmt"
	"strings"

	"otad/pkg/errdefs"
)

// State is the lifecycle position of a deployment.
type State int

const (
	StatePending State = iota + 1
	StateAssigned
	StateRunning
	StateClosedSuccess
	StateClosedFailure
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateAssigned:
		return "ASSIGNED"
	case StateRunning:
		return "RUNNING"
	case StateClosedSuccess:
		return "CLOSED_SUCCESS"
	case StateClosedFailure:
		return "CLOSED_FAILURE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Open reports whether the deployment currently occupies a controller.
func (s State) Open() bool {
	return s == StateAssigned || s == StateRunning
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosedSuccess || s == StateClosedFailure
}

// ParseState is the inverse of String.
func ParseState(v string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "PENDING":
		return StatePending, nil
	case "ASSIGNED":
		return StateAssigned, nil
	case "RUNNING":
		return StateRunning, nil
	case "CLOSED_SUCCESS":
		return StateClosedSuccess, nil
	case "CLOSED_FAILURE":
		return StateClosedFailure, nil
	default:
		return 0, fmt.Errorf("%w: unknown state %q", errdefs.ErrValidation, v)
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// EventKind enumerates the inputs of the state machine.
type EventKind int

const (
	EventAssign EventKind = iota + 1
	EventStart
	EventSucceed
	EventFail
	// EventExpire returns a stale assignment to the pending pool.
	EventExpire
)

func (k EventKind) String() string {
	switch k {
	case EventAssign:
		return "assign"
	case EventStart:
		return "start"
	case EventSucceed:
		return "succeed"
	case EventFail:
		return "fail"
	case EventExpire:
		return "expire"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one state machine input. Controller is required for EventAssign;
// Actor is recorded on the audit trail.
type Event struct {
	Kind       EventKind
	Controller string
	Actor      string
}

// reportsProgress is true for events only the assigned controller may raise.
func (e Event) reportsProgress() bool {
	return e.Kind == EventStart || e.Kind == EventSucceed || e.Kind == EventFail
}

// Assign binds a pending deployment to controller.
func Assign(controller string) Event {
	return Event{Kind: EventAssign, Controller: controller, Actor: "controller:" + controller}
}

// Start marks an assigned deployment as running on controller.
func Start(controller string) Event {
	return Event{Kind: EventStart, Controller: controller, Actor: "controller:" + controller}
}

// Succeed closes a deployment successfully.
func Succeed(controller string) Event {
	return Event{Kind: EventSucceed, Controller: controller, Actor: "controller:" + controller}
}

// Fail closes a deployment as failed.
func Fail(controller string) Event {
	return Event{Kind: EventFail, Controller: controller, Actor: "controller:" + controller}
}

// Expire reverts a stale assignment.
func Expire(actor string) Event {
	return Event{Kind: EventExpire, Actor: actor}
}

// Next applies kind to from. changed is false for the idempotent
// RUNNING+start case; any transition the table does not list is
// ErrInvalidTransition.
func Next(from State, kind EventKind) (to State, changed bool, err error) {
	switch from {
	case StatePending:
		if kind == EventAssign {
			return StateAssigned, true, nil
		}
	case StateAssigned:
		switch kind {
		case EventStart:
			return StateRunning, true, nil
		case EventSucceed:
			return StateClosedSuccess, true, nil
		case EventFail:
			return StateClosedFailure, true, nil
		case EventExpire:
			return StatePending, true, nil
		}
	case StateRunning:
		switch kind {
		case EventStart:
			return StateRunning, false, nil
		case EventSucceed:
			return StateClosedSuccess, true, nil
		case EventFail:
			return StateClosedFailure, true, nil
		}
	case StateClosedSuccess, StateClosedFailure:
	}
	return from, false, fmt.Errorf("%w: %s on %s", errdefs.ErrInvalidTransition, kind, from)
}

func (k *EventKind) UnmarshalText(b []byte) error {
	for _, candidate := range []EventKind{EventAssign, EventStart, EventSucceed, EventFail, EventExpire} {
		if candidate.String() == string(b) {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("%w: unknown event %q", errdefs.ErrValidation, string(b))
}
