// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for the IPC client runtime.

package api

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeBusy
	ErrCodePermission
	ErrCodeNotFound
	ErrCodeShutdown
	ErrCodeCanceled
	ErrCodeTimeout
	ErrCodeNotImplemented
	ErrCodeProtocol
	ErrCodeConnectionAborted
	ErrCodeConnRefused
	ErrCodeConnReset
	ErrCodeServerBusy
	ErrCodeInProgress
	ErrCodeIO
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                "ok",
	ErrCodeInvalidArgument:   "invalid argument",
	ErrCodeResourceExhausted: "resource exhausted",
	ErrCodeBusy:              "busy",
	ErrCodePermission:        "operation not permitted",
	ErrCodeNotFound:          "not found",
	ErrCodeShutdown:          "shutdown",
	ErrCodeCanceled:          "canceled",
	ErrCodeTimeout:           "timed out",
	ErrCodeNotImplemented:    "not implemented",
	ErrCodeProtocol:          "protocol error",
	ErrCodeConnectionAborted: "connection aborted",
	ErrCodeConnRefused:       "connection refused",
	ErrCodeConnReset:         "connection reset",
	ErrCodeServerBusy:        "server busy",
	ErrCodeInProgress:        "in progress",
	ErrCodeIO:                "i/o error",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Common errors used across the library. Compare with errors.Is; wrapped
// errors produced by Wrap match the sentinel carrying the same code.
var (
	ErrInvalidArgument   = NewError(ErrCodeInvalidArgument, "invalid argument")
	ErrResourceExhausted = NewError(ErrCodeResourceExhausted, "resource exhausted")
	ErrBusy              = NewError(ErrCodeBusy, "resource busy")
	ErrPermission        = NewError(ErrCodePermission, "operation not permitted")
	ErrNotFound          = NewError(ErrCodeNotFound, "resource not found")
	ErrShutdown          = NewError(ErrCodeShutdown, "session discarded")
	ErrCanceled          = NewError(ErrCodeCanceled, "operation canceled")
	ErrTimeout           = NewError(ErrCodeTimeout, "operation timeout")
	ErrNotImplemented    = NewError(ErrCodeNotImplemented, "service not implemented")
	ErrProtocol          = NewError(ErrCodeProtocol, "protocol error")
	ErrConnectionAborted = NewError(ErrCodeConnectionAborted, "client runtime disabled")
	ErrConnRefused       = NewError(ErrCodeConnRefused, "connection refused")
	ErrConnReset         = NewError(ErrCodeConnReset, "connection reset")
	ErrServerBusy        = NewError(ErrCodeServerBusy, "server has too many connections")
	ErrInProgress        = NewError(ErrCodeInProgress, "operation in progress")
	ErrIO                = NewError(ErrCodeIO, "i/o error")
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a structured error with a cause.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the error code of err, ErrCodeIO for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeIO
}

// FromSyscall converts a transport error into the library taxonomy.
// Errors that already carry a code are returned unchanged.
func FromSyscall(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return Wrap(ErrCodeTimeout, op, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Wrap(ErrCodeConnReset, op, err)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ECONNREFUSED:
			return Wrap(ErrCodeConnRefused, op, err)
		case unix.ECONNRESET, unix.ECONNABORTED:
			return Wrap(ErrCodeConnReset, op, err)
		case unix.EPIPE:
			return Wrap(ErrCodeConnReset, op, err).WithContext("hangup", true)
		case unix.ETIMEDOUT:
			return Wrap(ErrCodeTimeout, op, err)
		case unix.ENOSPC:
			return Wrap(ErrCodeServerBusy, op, err)
		case unix.ECANCELED:
			return Wrap(ErrCodeCanceled, op, err)
		case unix.ENOSYS:
			return Wrap(ErrCodeNotImplemented, op, err)
		case unix.EPROTO:
			return Wrap(ErrCodeProtocol, op, err)
		}
	}
	return Wrap(ErrCodeIO, op, err)
}

// FromConnect maps a failed UNIX-domain connect: a missing socket file means
// nobody listens, and a full backlog means the server is overloaded.
func FromConnect(op string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ENOENT:
			return Wrap(ErrCodeConnRefused, op, err)
		case unix.EAGAIN:
			return Wrap(ErrCodeServerBusy, op, err)
		}
	}
	return FromSyscall(op, err)
}

// IsHangup reports whether err was produced by a write to a closed peer.
func IsHangup(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		if v, ok := e.Context["hangup"].(bool); ok && v {
			return true
		}
	}
	return errors.Is(err, unix.EPIPE)
}
