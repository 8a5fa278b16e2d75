package datapath

import "github.com/dataplane-run/datapath/internal/errs"

// Error, ErrorCode and the error constructors are re-exported from
// internal/errs so every component (which cannot import this root package
// without creating an import cycle) and every caller of this package share
// one error type.
type Error = errs.Error
type ErrorCode = errs.ErrorCode

const (
	ErrCodeResourceExhausted = errs.ErrCodeResourceExhausted
	ErrCodeInvalidArgument   = errs.ErrCodeInvalidArgument
	ErrCodeBackendFailure    = errs.ErrCodeBackendFailure
	ErrCodeProtocolViolation = errs.ErrCodeProtocolViolation
	ErrCodeHotRemoved        = errs.ErrCodeHotRemoved
	ErrCodeNotFound          = errs.ErrCodeNotFound
	ErrCodeAlreadyExists     = errs.ErrCodeAlreadyExists
	ErrCodePermissionDenied  = errs.ErrCodePermissionDenied
	ErrCodeFatal             = errs.ErrCodeFatal
)

var (
	NewError  = errs.New
	WrapError = errs.Wrap
	IsCode    = errs.IsCode
)

var (
	ErrNoMem       = errs.ErrNoMem
	ErrClaimed     = errs.ErrClaimed
	ErrNameExists  = errs.ErrNameExists
	ErrNotFound    = errs.ErrNotFound
	ErrInvalid     = errs.ErrInvalid
	ErrHotRemoved  = errs.ErrHotRemoved
	ErrRingFull    = errs.ErrRingFull
	ErrVtophys     = errs.ErrVtophys
	ErrTaskSetFull = errs.ErrTaskSetFull
)
