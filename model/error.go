package model

import "fmt"

// Error codes carried on the wire.
const (
	CodeInvalidArgument int32 = 3
	CodeNotFound        int32 = 5
	CodeForbidden       int32 = 7
	CodeInvalidTarget   int32 = 9
	CodeClosed          int32 = 10
	CodeInternal        int32 = 13
	CodeTransientIO     int32 = 14
)

// Error is the structured error returned to clients and between
// packages. TransientIO errors are retryable by the caller; the rest
// are terminal for the attempted operation.
type Error struct {
	Code   int32    `json:"code"`
	Params []string `json:"params,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("code: %d, params: %v", e.Code, e.Params)
}

// Is makes errors.Is match on code, so sentinel comparisons work
// across process boundaries.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func NewError(code int32, params ...string) *Error {
	return &Error{Code: code, Params: params}
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrForbidden     = &Error{Code: CodeForbidden}
	ErrInvalidTarget = &Error{Code: CodeInvalidTarget}
	ErrClosed        = &Error{Code: CodeClosed}
	ErrTransientIO   = &Error{Code: CodeTransientIO}
)
