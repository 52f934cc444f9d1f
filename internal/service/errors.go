package service

import (
	"errors"
	"fmt"
)

// Code is a caller-facing condition. Raw driver errors never cross the façade.
type Code string

const (
	CodeNotReady         Code = "not_ready"
	CodeTimeout          Code = "timeout"
	CodeNotFound         Code = "not_found"
	CodeAlreadyConnected Code = "already_connected"
	CodeInvalidInput     Code = "invalid_input"
	CodeSessionFailed    Code = "session_failed"
	CodeAuthRequired     Code = "auth_required"
	CodeRateLimited      Code = "rate_limited"
	CodeInternal         Code = "internal"
)

// Error is returned by every Service method.
type Error struct {
	Code    Code
	Message string
	Err     error // internal cause, for logs only
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the condition code of err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

var (
	errNotReady      = newError(CodeNotReady, "WhatsApp is not authenticated yet, please wait while it connects")
	errSessionFailed = newError(CodeSessionFailed, "session failed, manual restart required")
	errConnected     = newError(CodeAlreadyConnected, "already connected")
	errQRTimeout     = newError(CodeTimeout, "QR code was not generated in time, request a fresh QR")
	errRateLimited   = newError(CodeRateLimited, "too many messages, slow down")
	errNoSession     = newError(CodeNotFound, "no session for this user")
)
