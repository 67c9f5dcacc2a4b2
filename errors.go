package dds

import (
	"errors"
	"fmt"

	"github.com/codezyu/dds/internal/msg"
)

// Error is a structured dds error carrying the failed operation and a
// high-level category.
type Error struct {
	Op     string    // Operation that failed (e.g. "POST_READ", "CONNECT")
	Client int       // Client slot (-1 if not applicable)
	Code   ErrorCode // High-level error category
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" && e.Client >= 0 {
		return fmt.Sprintf("dds: %s (op=%s client=%d)", msg, e.Op, e.Client)
	}
	if e.Op != "" {
		return fmt.Sprintf("dds: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("dds: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support against error codes and other Errors
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

// Error implements the error interface so codes double as sentinels.
func (c ErrorCode) Error() string {
	return string(c)
}

const (
	// ErrCodeRdma covers verb call failures, completion statuses other
	// than success and torn metadata persisting past the retry budget.
	ErrCodeRdma ErrorCode = "rdma error"
	// ErrCodeProtocol covers unknown message ids, mismatched client ids
	// and unrecognized CM events.
	ErrCodeProtocol ErrorCode = "protocol error"
	// ErrCodeCapacity covers exhausted session slots and response-ring
	// overflow.
	ErrCodeCapacity ErrorCode = "capacity error"
	ErrCodeNotFound ErrorCode = "not found"
	ErrCodeExists   ErrorCode = "already exists"
	ErrCodeIO       ErrorCode = "I/O error"
	ErrCodeTimeout  ErrorCode = "timeout"
	ErrCodeClosed   ErrorCode = "session closed"
	ErrCodeInvalid  ErrorCode = "invalid parameters"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Client: -1, Code: code, Msg: msg}
}

// NewClientError creates a new structured error bound to a client slot
func NewClientError(op string, client int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Client: client, Code: code, Msg: msg}
}

// WrapError wraps an existing error with dds context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if de, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Client: de.Client,
			Code:   de.Code,
			Msg:    de.Msg,
			Inner:  de.Inner,
		}
	}
	return &Error{
		Op:     op,
		Client: -1,
		Code:   code,
		Msg:    inner.Error(),
		Inner:  inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return errors.Is(err, code)
}

// resultToCode maps wire result codes onto error categories.
func resultToCode(result uint32) ErrorCode {
	switch result {
	case msg.ResultNotFound:
		return ErrCodeNotFound
	case msg.ResultAlreadyExists:
		return ErrCodeExists
	case msg.ResultInvalidArg:
		return ErrCodeInvalid
	case msg.ResultNoCapacity:
		return ErrCodeCapacity
	default:
		return ErrCodeIO
	}
}
