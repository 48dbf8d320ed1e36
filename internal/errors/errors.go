package errors

import "fmt"

// ErrorCode represents an htbwatch error code.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST" // 400
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"    // 401
	ErrNotFound       ErrorCode = "NOT_FOUND"       // 404
	ErrAlreadyArmed   ErrorCode = "ALREADY_ARMED"   // 409
	ErrAPIRejected    ErrorCode = "API_REJECTED"    // 422
	ErrInternal       ErrorCode = "INTERNAL"        // 500
	ErrUnavailable    ErrorCode = "UNAVAILABLE"     // 503
)

// WatchError represents a structured error with code, status, and details.
type WatchError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *WatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *WatchError {
	return &WatchError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewUnauthorized creates a 401 error when no API token is configured
// or the remote service refuses the token.
func NewUnauthorized(msg string) *WatchError {
	return &WatchError{
		Code:    ErrUnauthorized,
		Status:  401,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for when a spawn watch cannot be found.
func NewNotFound(machineID string) *WatchError {
	return &WatchError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("no pending watch for machine: %s", machineID),
		Details: map[string]any{"machine_id": machineID},
	}
}

// NewAlreadyArmed creates a 409 error when a machine already has a pending watch.
func NewAlreadyArmed(machineID string) *WatchError {
	return &WatchError{
		Code:    ErrAlreadyArmed,
		Status:  409,
		Message: fmt.Sprintf("machine %q already has a pending watch", machineID),
		Details: map[string]any{"machine_id": machineID},
	}
}

// NewAPIRejected creates a 422 error when the remote API refuses a request.
func NewAPIRejected(status int, msg string) *WatchError {
	return &WatchError{
		Code:    ErrAPIRejected,
		Status:  422,
		Message: msg,
		Details: map[string]any{"http_status": status},
	}
}

// NewUnavailable creates a 503 error when the remote API cannot be reached
// after all retries.
func NewUnavailable(err error) *WatchError {
	msg := "remote service unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &WatchError{
		Code:    ErrUnavailable,
		Status:  503,
		Message: msg,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *WatchError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &WatchError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is a WatchError with the given code.
func Is(err error, code ErrorCode) bool {
	if wErr, ok := err.(*WatchError); ok {
		return wErr.Code == code
	}
	return false
}
