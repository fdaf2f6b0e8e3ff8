// Package errdefs holds the error taxonomy shared by the coordination core and
// its transports. Callers wrap these sentinels with context and test them with
// errors.Is.
package errdefs

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrNotFound indicates an unknown deployment, controller or artifact.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition indicates a report or event that the deployment
	// state machine does not allow, or a report from a controller the
	// deployment was never bound to.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrValidation indicates a malformed request: an unrecognised status
	// value or a missing required field.
	ErrValidation = errors.New("validation failed")

	// ErrStorageUnavailable indicates that a backing store could not be
	// reached. It is retried internally before being surfaced.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConflict indicates an optimistic concurrency miss: the record
	// changed between read and write.
	ErrConflict = errors.New("version conflict")

	// ErrIntegrity indicates that artifact metadata recorded on a
	// deployment no longer matches the artifact store.
	ErrIntegrity = errors.New("integrity check failed")
)

// HTTPStatus maps an error from the taxonomy to the status code a transport
// should surface.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether err is worth another attempt against storage.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
