package usecase

import "fmt"

type ErrorCode string

const (
	ErrorTransport  ErrorCode = "TRANSPORT_ERROR"
	ErrorGeneration ErrorCode = "GENERATION_ERROR"
	ErrorStore      ErrorCode = "STORE_ERROR"
)

// Error is a pipeline failure. State is where the pipeline stopped.
type Error struct {
	Code   ErrorCode
	Reason string
	State  State
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s) at %s", e.Code, e.Reason, e.State)
	}
	return fmt.Sprintf("usecase: %s (%s) at %s: %v", e.Code, e.Reason, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, state State, err error) *Error {
	return &Error{Code: code, Reason: reason, State: state, Err: err}
}
