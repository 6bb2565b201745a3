// Package gwerrors defines the error taxonomy shared by the gateway packages.
// Callers wrap these sentinels with fmt.Errorf("%w: ...") and test them with
// errors.Is.
package gwerrors

import "errors"

var (
	// ErrValidation reports missing or malformed input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound reports that a named entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports that a key is already registered.
	ErrDuplicate = errors.New("duplicate")
	// ErrConnection reports a failed upstream spawn, dial or handshake.
	ErrConnection = errors.New("connection error")
	// ErrBackendInvocation reports a failed or timed-out upstream call.
	ErrBackendInvocation = errors.New("backend invocation error")
	// ErrAccessDenied reports a caller acting outside its secretaries.
	ErrAccessDenied = errors.New("access denied")
	// ErrShutdown reports work requested after shutdown started.
	ErrShutdown = errors.New("gateway is shutting down")
	// ErrMethodNotSupported reports a method whose capability was not declared.
	ErrMethodNotSupported = errors.New("method not supported")
)

// Kind returns the sentinel err wraps, or nil when err is outside the
// taxonomy.
func Kind(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrNotFound,
		ErrDuplicate,
		ErrConnection,
		ErrBackendInvocation,
		ErrAccessDenied,
		ErrShutdown,
		ErrMethodNotSupported,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
