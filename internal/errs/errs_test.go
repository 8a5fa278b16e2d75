package errs

import (
	"errors"
	"syscall"
	"testing"
)

func TestNewFormatsComponentOp(t *testing.T) {
	err := New("bdev", "register", ErrCodeAlreadyExists, "Malloc0 already registered")

	if err.Op != "register" || err.Component != "bdev" {
		t.Fatalf("unexpected Op/Component: %+v", err)
	}
	if err.Code != ErrCodeAlreadyExists {
		t.Fatalf("expected ErrCodeAlreadyExists, got %s", err.Code)
	}

	expected := "datapath: bdev: register: Malloc0 already registered"
	if err.Error() != expected {
		t.Fatalf("expected %q, got %q", expected, err.Error())
	}
}

func TestWrapPreservesExistingCode(t *testing.T) {
	inner := New("scsi", "append_task", ErrCodeInvalidArgument, "bad task")
	wrapped := Wrap("vhost", "process_request", ErrCodeFatal, inner)

	if wrapped.Code != ErrCodeInvalidArgument {
		t.Fatalf("expected wrapped error to preserve inner code, got %s", wrapped.Code)
	}
	if !errors.Is(wrapped, inner) {
		t.Fatalf("expected wrapped error to match inner via errors.Is")
	}
}

func TestWrapMapsErrno(t *testing.T) {
	wrapped := Wrap("ae4dma", "submit", ErrCodeFatal, syscall.ENOMEM)

	if wrapped.Code != ErrCodeResourceExhausted {
		t.Fatalf("expected ENOMEM to map to ErrCodeResourceExhausted, got %s", wrapped.Code)
	}
	if wrapped.Errno != syscall.ENOMEM {
		t.Fatalf("expected Errno=ENOMEM, got %v", wrapped.Errno)
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap("bdev", "op", ErrCodeFatal, nil) != nil {
		t.Fatalf("expected Wrap(nil) to return nil")
	}
}

func TestIsCode(t *testing.T) {
	err := New("nvmf", "connect", ErrCodeNotFound, "subsystem not found")

	if !IsCode(err, ErrCodeNotFound) {
		t.Fatalf("expected IsCode to match ErrCodeNotFound")
	}
	if IsCode(err, ErrCodeFatal) {
		t.Fatalf("expected IsCode to reject mismatched code")
	}
	if IsCode(nil, ErrCodeNotFound) {
		t.Fatalf("expected IsCode(nil, ...) to be false")
	}
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ENOENT, ErrCodeNotFound},
		{syscall.EEXIST, ErrCodeAlreadyExists},
		{syscall.EINVAL, ErrCodeInvalidArgument},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.ENOMEM, ErrCodeResourceExhausted},
		{syscall.EIO, ErrCodeBackendFailure},
	}
	for _, tc := range cases {
		if got := mapErrnoToCode(tc.errno); got != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, got, tc.expected)
		}
	}
}
