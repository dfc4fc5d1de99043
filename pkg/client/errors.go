package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/guerillaglass/glassengine/pkg/protocol"
	"github.com/guerillaglass/glassengine/pkg/telemetry"
)

// FailureKind classifies why a call did not produce a result.
type FailureKind string

const (
	// FailureTimeout means no response arrived within the method's timeout.
	FailureTimeout FailureKind = "timeout"

	// FailureProcessExit means the engine exited while the call was pending,
	// or the request could not be written to it.
	FailureProcessExit FailureKind = "process_exit"

	// FailureCircuitOpen means the restart circuit is open and the call never
	// reached a process.
	FailureCircuitOpen FailureKind = "circuit_open"

	// FailureProtocol means the engine answered with ok=false.
	FailureProtocol FailureKind = "protocol"

	// FailureStopped means the client was stopped.
	FailureStopped FailureKind = "stopped"

	// FailureSpawn means the engine process could not be started.
	FailureSpawn FailureKind = "spawn"

	// FailureDenied means the call guard rejected the call before it was sent.
	FailureDenied FailureKind = "denied"
)

// Sentinels for errors.Is matching against a *Failure.
var (
	ErrTimeout     = errors.New("engine request timed out")
	ErrProcessExit = errors.New("engine process exited unexpectedly")
	ErrCircuitOpen = errors.New("engine restart circuit is open")
	ErrProtocol    = errors.New("engine returned an error")
	ErrStopped     = errors.New("engine client is stopped")
	ErrSpawn       = errors.New("engine process could not be started")
	ErrDenied      = errors.New("engine call denied")
)

// Failure is the error returned for every call that does not succeed for an
// engine-related reason. Context cancellation is returned as the context's
// own error instead.
type Failure struct {
	// Kind is the failure classification.
	Kind FailureKind `json:"kind"`

	// Method is the engine method of the failed call.
	Method string `json:"method,omitempty"`

	// Code is the engine error code for protocol failures.
	Code protocol.ErrorCode `json:"code,omitempty"`

	// Message is the human-readable message.
	Message string `json:"message"`

	// OpenUntil is when the restart circuit closes, for circuit-open failures.
	OpenUntil time.Time `json:"openUntil,omitzero"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err != nil && f.Kind == FailureSpawn {
		return fmt.Sprintf("%s: %v", f.Message, f.Err)
	}
	return f.Message
}

// Unwrap returns the underlying error for error chain inspection.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches the package sentinels by kind, and other failures by kind and code.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return f.Kind == FailureTimeout
	case ErrProcessExit:
		return f.Kind == FailureProcessExit
	case ErrCircuitOpen:
		return f.Kind == FailureCircuitOpen
	case ErrProtocol:
		return f.Kind == FailureProtocol
	case ErrStopped:
		return f.Kind == FailureStopped
	case ErrSpawn:
		return f.Kind == FailureSpawn
	case ErrDenied:
		return f.Kind == FailureDenied
	}

	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return f.Kind == t.Kind && f.Code == t.Code
}

// outcome maps the failure to the metrics outcome label.
func (f *Failure) outcome() string {
	switch f.Kind {
	case FailureTimeout:
		return telemetry.OutcomeTimeout
	case FailureProcessExit:
		return telemetry.OutcomeProcessExit
	case FailureCircuitOpen:
		return telemetry.OutcomeCircuitOpen
	case FailureProtocol:
		return telemetry.OutcomeProtocol
	case FailureStopped:
		return telemetry.OutcomeStopped
	case FailureSpawn:
		return telemetry.OutcomeSpawn
	case FailureDenied:
		return telemetry.OutcomeDenied
	default:
		return string(f.Kind)
	}
}

func newTimeoutFailure(method string) *Failure {
	return &Failure{
		Kind:    FailureTimeout,
		Method:  method,
		Message: fmt.Sprintf("Engine request timed out: %s", method),
	}
}

func newProcessExitFailure(method string, err error) *Failure {
	return &Failure{
		Kind:    FailureProcessExit,
		Method:  method,
		Message: "Engine process exited unexpectedly",
		Err:     err,
	}
}

func newCircuitOpenFailure(method string, until time.Time) *Failure {
	return &Failure{
		Kind:      FailureCircuitOpen,
		Method:    method,
		Message:   fmt.Sprintf("Engine restart circuit is open until %s", until.Format(time.RFC3339Nano)),
		OpenUntil: until,
	}
}

func newProtocolFailure(method string, body *protocol.ErrorBody) *Failure {
	if body == nil {
		body = &protocol.ErrorBody{
			Code:    protocol.ErrorCodeRuntimeError,
			Message: "Engine returned an error without details",
		}
	}
	return &Failure{
		Kind:    FailureProtocol,
		Method:  method,
		Code:    body.Code,
		Message: body.Message,
	}
}

func newStoppedFailure(method string) *Failure {
	return &Failure{
		Kind:    FailureStopped,
		Method:  method,
		Message: "Engine client stopped",
	}
}

func newSpawnFailure(method string, err error) *Failure {
	return &Failure{
		Kind:    FailureSpawn,
		Method:  method,
		Message: "Engine process could not be started",
		Err:     err,
	}
}

func newDeniedFailure(method string, err error) *Failure {
	return &Failure{
		Kind:    FailureDenied,
		Method:  method,
		Message: err.Error(),
		Err:     err,
	}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsRetryable reports whether retrying the call may succeed. The client never
// retries on its own.
func IsRetryable(err error) bool {
	f, ok := AsFailure(err)
	if !ok {
		return false
	}
	return f.Kind == FailureTimeout || f.Kind == FailureProcessExit
}

// withMethod returns a copy of a shared failure bound to one call's method.
func (f *Failure) withMethod(method string) *Failure {
	c := *f
	c.Method = method
	return &c
}
