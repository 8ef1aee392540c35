package transport

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 reserved codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Host application codes.
const (
	CodeLoadError        = -32001
	CodeSandboxViolation = -32002
	CodeActivationError  = -32003
	CodeNotFound         = -32004
	CodeValidationError  = -32005
	CodeRequestTimeout   = -32006
	CodeConnectionClosed = -32007
)

// Error is a JSON-RPC error object. It doubles as the Go error for
// transport failures.
type Error struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    int             `json:"code"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, ErrTimeout)
// holds for every timeout regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates an error with the given code and message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e carrying data encoded as JSON.
func (e *Error) WithData(data any) *Error {
	out := *e
	if b, err := json.Marshal(data); err == nil {
		out.Data = b
	}
	return &out
}

// Sentinels for errors.Is.
var (
	ErrParse          = &Error{Code: CodeParseError, Message: "parse error"}
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound, Message: "method not found"}
	ErrInvalidParams  = &Error{Code: CodeInvalidParams, Message: "invalid params"}
	ErrInternal       = &Error{Code: CodeInternalError, Message: "internal error"}
	ErrTimeout        = &Error{Code: CodeRequestTimeout, Message: "request timed out"}
	ErrClosed         = &Error{Code: CodeConnectionClosed, Message: "connection closed"}
)
