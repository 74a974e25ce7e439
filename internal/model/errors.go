package model

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeConnectError   ErrorCode = "CONNECT_ERROR"
	CodeNotConnected   ErrorCode = "NOT_CONNECTED"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeStall          ErrorCode = "STALL"
	CodeProtocolError  ErrorCode = "PROTOCOL_ERROR"
	CodeActionRejected ErrorCode = "ACTION_REJECTED"
	CodeCancelled      ErrorCode = "CANCELLED"
	CodeWallClock      ErrorCode = "WALL_CLOCK"
	CodeScriptFault    ErrorCode = "SCRIPT_FAULT"
)

// Error is the typed failure returned across the core. Two Errors match under
// errors.Is when their codes are equal, so callers can test against the
// sentinel values below.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Code == e.Code
}

var (
	ErrConnect        = &Error{Code: CodeConnectError}
	ErrNotConnected   = &Error{Code: CodeNotConnected}
	ErrTimeout        = &Error{Code: CodeTimeout}
	ErrStall          = &Error{Code: CodeStall}
	ErrProtocol       = &Error{Code: CodeProtocolError}
	ErrActionRejected = &Error{Code: CodeActionRejected}
	ErrCancelled      = &Error{Code: CodeCancelled}
	ErrWallClock      = &Error{Code: CodeWallClock}
	ErrScriptFault    = &Error{Code: CodeScriptFault}
)

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(code ErrorCode, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the taxonomy code carried by err, or "" when err is untyped.
func CodeOf(err error) ErrorCode {
	var typed *Error
	if errors.As(err, &typed) && typed != nil {
		return typed.Code
	}
	return ""
}

func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
