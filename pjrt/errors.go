package pjrt

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// ErrorCode is the canonical error code space shared with the plugin
// side.
type ErrorCode int32

const (
	OK                  ErrorCode = 0
	CANCELLED           ErrorCode = 1
	UNKNOWN             ErrorCode = 2
	INVALID_ARGUMENT    ErrorCode = 3
	DEADLINE_EXCEEDED   ErrorCode = 4
	NOT_FOUND           ErrorCode = 5
	ALREADY_EXISTS      ErrorCode = 6
	PERMISSION_DENIED   ErrorCode = 7
	RESOURCE_EXHAUSTED  ErrorCode = 8
	FAILED_PRECONDITION ErrorCode = 9
	ABORTED             ErrorCode = 10
	OUT_OF_RANGE        ErrorCode = 11
	UNIMPLEMENTED       ErrorCode = 12
	INTERNAL            ErrorCode = 13
	UNAVAILABLE         ErrorCode = 14
	DATA_LOSS           ErrorCode = 15
	UNAUTHENTICATED     ErrorCode = 16
)

var errorCodeNames = map[ErrorCode]string{
	OK:                  "OK",
	CANCELLED:           "CANCELLED",
	UNKNOWN:             "UNKNOWN",
	INVALID_ARGUMENT:    "INVALID_ARGUMENT",
	DEADLINE_EXCEEDED:   "DEADLINE_EXCEEDED",
	NOT_FOUND:           "NOT_FOUND",
	ALREADY_EXISTS:      "ALREADY_EXISTS",
	PERMISSION_DENIED:   "PERMISSION_DENIED",
	RESOURCE_EXHAUSTED:  "RESOURCE_EXHAUSTED",
	FAILED_PRECONDITION: "FAILED_PRECONDITION",
	ABORTED:             "ABORTED",
	OUT_OF_RANGE:        "OUT_OF_RANGE",
	UNIMPLEMENTED:       "UNIMPLEMENTED",
	INTERNAL:            "INTERNAL",
	UNAVAILABLE:         "UNAVAILABLE",
	DATA_LOSS:           "DATA_LOSS",
	UNAUTHENTICATED:     "UNAUTHENTICATED",
}

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	if name, found := errorCodeNames[c]; found {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", c)
}

// Error is a structured boundary error: either reported by the plugin,
// raised by local validation, or the captured form of a host-side fault
// that occurred inside a plugin-invoked callback.
type Error struct {
	Code    ErrorCode
	Message string

	// Internal marks errors produced by capturing a host-side fault at
	// the callback boundary. They surface like any plugin-reported
	// error; the flag only records the distinct provenance.
	Internal bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Internal {
		return fmt.Sprintf("%s: %s (internal fault captured at boundary)", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errInvalid(format string, args ...any) *Error {
	return &Error{Code: INVALID_ARGUMENT, Message: fmt.Sprintf(format, args...)}
}

func errFailedState(format string, args ...any) *Error {
	return &Error{Code: FAILED_PRECONDITION, Message: fmt.Sprintf(format, args...)}
}

// errorFromHandle translates a plugin error handle into a structured
// *Error and destroys the handle. Returns nil for the zero handle.
// The handle must not be used afterwards.
func errorFromHandle(api *API, h ErrorHandle) *Error {
	if h == 0 {
		return nil
	}
	e := &Error{
		Code:    api.ErrorCode(h),
		Message: api.ErrorMessage(h),
	}
	api.ErrorDestroy(h)
	return e
}

// captureFault runs fn and converts any panic into an INTERNAL *Error.
// It is the outermost frame of every callback the plugin may invoke:
// faults must present as ordinary errors, never unwind into plugin code.
func captureFault(where string, fn func()) *Error {
	exception := exceptions.Try(fn)
	if exception == nil {
		return nil
	}
	klog.Errorf("fault captured at %s boundary: %v", where, exception)
	return &Error{
		Code:     INTERNAL,
		Message:  fmt.Sprintf("fault in %s: %v", where, exception),
		Internal: true,
	}
}
