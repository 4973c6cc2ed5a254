package domain

import "errors"

// Gateway protocol error codes. The dispatcher copies these onto the
// wire unchanged; nothing else interprets them.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeUnauthorized   = -32504
	CodeInternal       = -32400
	CodeInvalidAmount  = -31001
	CodeTxNotFound     = -31003
	CodeCannotPerform  = -31008
	CodeInvalidAccount = -31050
)

// Error is a protocol-level failure the gateway is expected to
// interpret. Data names the offending request field when the
// protocol defines one.
type Error struct {
	Code    int
	Message string
	Data    string
}

func (e *Error) Error() string { return e.Message }

func ErrInvalidAccount() *Error {
	return &Error{Code: CodeInvalidAccount, Message: "account not found", Data: "account"}
}

func ErrInvalidAmount() *Error {
	return &Error{Code: CodeInvalidAmount, Message: "amount mismatch", Data: "amount"}
}

func ErrTxNotFound() *Error {
	return &Error{Code: CodeTxNotFound, Message: "transaction not found", Data: "id"}
}

func ErrCannotPerform() *Error {
	return &Error{Code: CodeCannotPerform, Message: "cannot perform operation"}
}

// AsError extracts a protocol error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
