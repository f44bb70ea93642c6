package jrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Error represents an error object in the JSON-RPC 2.0 protocol. It is both the wire
// representation carried in a Response and the Go error returned to callers.
type Error struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data json.RawMessage `json:"data,omitempty"`
}

// ConnectionError reports that the transport under a client or a connection broke.
type ConnectionError struct {
	Op  string
	Err error
}

// FramingError reports malformed framing data or a peer that closed mid-frame.
// It is fatal for the connection it happened on.
type FramingError struct {
	Err error
}

// IOError reports a failure to write a frame to the underlying stream.
type IOError struct {
	Err error
}

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerError is the canonical server error code; the server error band is
	// CodeServerErrorMin..CodeServerError.
	CodeServerError    = -32000
	CodeServerErrorMin = -32099

	codeReservedMin = -32768
)

var (
	// ErrTimeout is returned by the client when no response arrives before the deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrCancelled is returned by the client when a pending call is cancelled.
	ErrCancelled = errors.New("request cancelled")
	// ErrConnectionClosed is wrapped by ConnectionError when the connection is gone.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrMessageTooLarge is wrapped by FramingError when a frame exceeds the size limit.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrClientNotConnected is returned when the client is used before Connect.
	ErrClientNotConnected = errors.New("client not connected")
)

// NewError creates an error object. The data value is marshalled to JSON; a value that
// cannot be marshalled is dropped.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		switch d := data.(type) {
		case json.RawMessage:
			e.Data = d
		default:
			e.Data, _ = json.Marshal(d)
		}
	}
	return e
}

// NewParseError creates a ParseError.
func NewParseError(detail string) *Error {
	return NewError(CodeParseError, "Parse error", detailData(detail))
}

// NewInvalidRequest creates an InvalidRequest error.
func NewInvalidRequest(detail string) *Error {
	return NewError(CodeInvalidRequest, "Invalid Request", detailData(detail))
}

// NewMethodNotFound creates a MethodNotFound error with the method name in data.
func NewMethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "Method not found", map[string]string{"method": method})
}

// NewInvalidParams creates an InvalidParams error.
func NewInvalidParams(detail string) *Error {
	return NewError(CodeInvalidParams, "Invalid params", detailData(detail))
}

// NewInternalError creates an InternalError error.
func NewInternalError(detail string) *Error {
	return NewError(CodeInternalError, "Internal error", detailData(detail))
}

// NewServerError creates an error in the server error band. Codes outside
// -32099..-32000 are clamped to -32000.
func NewServerError(code int, message string) *Error {
	if code < CodeServerErrorMin || code > CodeServerError {
		code = CodeServerError
	}
	return NewError(code, message, nil)
}

// NewApplicationError creates a handler-declared business error.
func NewApplicationError(code int, message string, data any) *Error {
	return NewError(code, message, data)
}

// ToError converts any failure into an error object. An *Error in the chain is returned
// as is; anything else becomes an InternalError with the original message in data.
func ToError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewInternalError(err.Error())
}

func detailData(detail string) any {
	if detail == "" {
		return nil
	}
	return map[string]string{"message": detail}
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("request error, code: %d, message: %s, data %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}

// Name returns the taxonomy name of the error code.
func (e *Error) Name() string {
	switch {
	case e.Code == CodeParseError:
		return "ParseError"
	case e.Code == CodeInvalidRequest:
		return "InvalidRequest"
	case e.Code == CodeMethodNotFound:
		return "MethodNotFound"
	case e.Code == CodeInvalidParams:
		return "InvalidParams"
	case e.Code == CodeInternalError:
		return "InternalError"
	case e.Code >= CodeServerErrorMin && e.Code <= CodeServerError:
		return "ServerError"
	case e.Code >= codeReservedMin && e.Code < CodeServerErrorMin:
		return "ReservedError"
	default:
		return "ApplicationError"
	}
}

// Is reports whether target is an *Error with the same code, so callers can match with
// errors.Is(err, &jrpc.Error{Code: jrpc.CodeMethodNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *ConnectionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("connection error: %v", e.Err)
	}
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *FramingError) Error() string { return fmt.Sprintf("framing error: %v", e.Err) }

func (e *FramingError) Unwrap() error { return e.Err }

func (e *IOError) Error() string { return fmt.Sprintf("io error: %v", e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

// contextError maps a context failure to the client-visible error kinds.
func contextError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	default:
		return err
	}
}
