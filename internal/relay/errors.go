package relay

import (
	"errors"
	"fmt"
)

// Error codes surfaced to API callers.
const (
	CodeInvalidSubject      = "INVALID_SUBJECT"
	CodeBudgetExceededHops  = "BUDGET_EXCEEDED_HOPS"
	CodeBudgetExceededTTL   = "BUDGET_EXCEEDED_TTL"
	CodeBudgetExceededCalls = "BUDGET_EXCEEDED_CALLS"
	CodeAccessDenied        = "ACCESS_DENIED"
	CodeEndpointNotFound    = "ENDPOINT_NOT_FOUND"
	CodeFilesystemError     = "FILESYSTEM_ERROR"
)

// Error is a relay failure with a machine-readable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the relay code from an error, or "" for foreign
// errors.
func ErrorCode(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
