package protocol

import "fmt"

// JSON-RPC error codes. The -32000 and up range carries application errors.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeCancelled      = -32800

	CodeDuplicate    = -32001
	CodeUnknown      = -32002
	CodeIllegalState = -32003
	CodeIntegrity    = -32004
	CodeUnsigned     = -32005
	CodeBadSignature = -32006
	CodeAuth         = -32007
)

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object. A nil data is omitted on the wire.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Errorf builds an error object with a formatted message and no data.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// MethodNotFound builds the canonical -32601 error carrying the method name.
func MethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "method not found", map[string]string{"method": method})
}

// InvalidParams builds the canonical -32602 error.
func InvalidParams(detail string) *Error {
	return NewError(CodeInvalidParams, "invalid params", detail)
}

// Internal builds a -32603 error with a subtype tag in data.
func Internal(subtype, detail string) *Error {
	return NewError(CodeInternal, "internal error", map[string]string{"type": subtype, "detail": detail})
}

// Cancelled builds the -32800 request-cancelled error.
func Cancelled() *Error {
	return &Error{Code: CodeCancelled, Message: "request cancelled"}
}
