package instance

import (
	"errors"
	"fmt"

	"github.com/channelhub/channelhub/internal/db/models"
)

// Code is a stable, machine-readable failure identifier returned to API callers.
type Code string

const (
	CodeInvalidTransition      Code = "invalid_transition"
	CodeInstanceNotFound       Code = "instance_not_found"
	CodeInstanceQuarantined    Code = "instance_quarantined"
	CodeAlreadyConnected       Code = "already_connected"
	CodeScanInProgress         Code = "scan_in_progress"
	CodeConcurrentModification Code = "concurrent_modification"
	CodeProviderFailure        Code = "provider_error"
	CodeInvalidInput           Code = "invalid_input"
	CodeAlreadyExists          Code = "already_exists"
)

// Error is a lifecycle failure. Message is safe to show to callers.
// Current and Requested are set for transition-related failures.
type Error struct {
	Code       Code
	Message    string
	InstanceID string
	Current    models.InstanceStatus
	Requested  models.InstanceStatus
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidTransition      = &Error{Code: CodeInvalidTransition}
	ErrInstanceNotFound       = &Error{Code: CodeInstanceNotFound}
	ErrInstanceQuarantined    = &Error{Code: CodeInstanceQuarantined}
	ErrAlreadyConnected       = &Error{Code: CodeAlreadyConnected}
	ErrScanInProgress         = &Error{Code: CodeScanInProgress}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification}
	ErrProviderFailure        = &Error{Code: CodeProviderFailure}
	ErrInvalidInput           = &Error{Code: CodeInvalidInput}
	ErrAlreadyExists          = &Error{Code: CodeAlreadyExists}
)

// CodeOf extracts the Code from err, or "" when err is not a lifecycle error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func invalidTransition(id string, from, to models.InstanceStatus, reason string) *Error {
	return &Error{
		Code:       CodeInvalidTransition,
		Message:    fmt.Sprintf("cannot move from %s to %s: %s", from, to, reason),
		InstanceID: id,
		Current:    from,
		Requested:  to,
	}
}

func notFound(id string) *Error {
	return &Error{Code: CodeInstanceNotFound, Message: fmt.Sprintf("instance %s not found", id), InstanceID: id}
}

func quarantined(id string) *Error {
	return &Error{
		Code:       CodeInstanceQuarantined,
		Message:    "instance is quarantined after repeated health check failures; clear the quarantine to retry",
		InstanceID: id,
	}
}

func concurrentModification(id string, current models.InstanceStatus) *Error {
	return &Error{
		Code:       CodeConcurrentModification,
		Message:    "instance changed while the operation was in flight; re-read and retry",
		InstanceID: id,
		Current:    current,
	}
}

func providerFailure(id, operation string, err error) *Error {
	return &Error{
		Code:       CodeProviderFailure,
		Message:    fmt.Sprintf("provider %s failed", operation),
		InstanceID: id,
		Err:        err,
	}
}

func invalidInput(msg string) *Error {
	return &Error{Code: CodeInvalidInput, Message: msg}
}
