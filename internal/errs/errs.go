// Package errs is the structured error type shared by every data-plane
// component, so it lives below the root package instead of in it: both the
// root Target orchestrator and every internal/* component need it, and a
// leaf package may not import the package that imports it.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured data-plane error carrying the component, operation
// and (optional) errno that produced it.
type Error struct {
	Op        string // operation that failed, e.g. "bdev_register", "ADD_DEV"
	Component string // component name, e.g. "bdev", "ae4dma", "vhost"
	Code      ErrorCode
	Errno     syscall.Errno
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Component != "" && e.Op != "":
		return fmt.Sprintf("datapath: %s: %s: %s", e.Component, e.Op, msg)
	case e.Op != "":
		return fmt.Sprintf("datapath: %s: %s", e.Op, msg)
	default:
		return fmt.Sprintf("datapath: %s", msg)
	}
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is a high-level error category, matching the error taxonomy of
// the component error-handling design (resource exhaustion, invalid
// argument, hardware failure, protocol violation, hot-remove, fatal).
type ErrorCode string

const (
	ErrCodeResourceExhausted ErrorCode = "resource exhausted"
	ErrCodeInvalidArgument   ErrorCode = "invalid argument"
	ErrCodeBackendFailure    ErrorCode = "backend failure"
	ErrCodeProtocolViolation ErrorCode = "protocol violation"
	ErrCodeHotRemoved        ErrorCode = "hot removed"
	ErrCodeNotFound          ErrorCode = "not found"
	ErrCodeAlreadyExists     ErrorCode = "already exists"
	ErrCodePermissionDenied  ErrorCode = "permission denied"
	ErrCodeFatal             ErrorCode = "fatal"
)

// New creates a new structured error for the given component/operation.
func New(component, op string, code ErrorCode, msg string) *Error {
	return &Error{Component: component, Op: op, Code: code, Msg: msg}
}

// Wrap wraps inner with component/op context, preserving an existing
// *Error's code and errno, or mapping a bare syscall.Errno to code.
func Wrap(component, op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	var existing *Error
	if errors.As(inner, &existing) {
		return &Error{Component: component, Op: op, Code: existing.Code, Errno: existing.Errno, Msg: existing.Msg, Inner: existing}
	}
	var errno syscall.Errno
	if e, ok := inner.(syscall.Errno); ok {
		errno = e
		code = mapErrnoToCode(errno)
	}
	return &Error{Component: component, Op: op, Code: code, Errno: errno, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeNotFound
	case syscall.EEXIST:
		return ErrCodeAlreadyExists
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArgument
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeResourceExhausted
	default:
		return ErrCodeBackendFailure
	}
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Sentinel errors used across components for errors.Is comparisons.
var (
	ErrNoMem       = errors.New("datapath: no memory / resource exhausted")
	ErrClaimed     = errors.New("datapath: bdev already claimed")
	ErrNameExists  = errors.New("datapath: name already registered")
	ErrNotFound    = errors.New("datapath: not found")
	ErrInvalid     = errors.New("datapath: invalid argument")
	ErrHotRemoved  = errors.New("datapath: device hot-removed")
	ErrRingFull    = errors.New("datapath: descriptor ring full")
	ErrVtophys     = errors.New("datapath: virtual-to-physical translation failed")
	ErrTaskSetFull = errors.New("datapath: task set full")
)
