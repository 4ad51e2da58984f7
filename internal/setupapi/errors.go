package setupapi

import (
	"errors"
	"fmt"
)

// Win32 error codes the lifecycle reacts to.
const (
	CodeInvalidFunction    uint32 = 1
	CodeFileNotFound       uint32 = 2
	CodeAccessDenied       uint32 = 5
	CodeInvalidHandle      uint32 = 6
	CodeGenFailure         uint32 = 31
	CodeInvalidParameter   uint32 = 87
	CodeInsufficientBuffer uint32 = 122
	CodeNoMoreItems        uint32 = 259
	CodeOperationAborted   uint32 = 995
	CodeDeviceNotConnected uint32 = 1167
	CodeNotFound           uint32 = 1168
	CodeNoDriverSelected   uint32 = 0xE0000203
)

var (
	// ErrNotFound is returned when no matching driver, device or interface exists.
	ErrNotFound = errors.New("not found")

	// ErrTimedOut is returned when a bounded wait elapsed without the expected outcome.
	ErrTimedOut = errors.New("timed out")

	// ErrFieldNotExist is returned when reading a registry value that is not written yet.
	ErrFieldNotExist = errors.New("registry value does not exist")

	// ErrNoMoreItems matches any OSError ending an enumeration.
	ErrNoMoreItems = errors.New("no more items")

	// ErrInsufficientBuffer matches any OSError asking for a larger output buffer.
	ErrInsufficientBuffer = errors.New("insufficient buffer")
)

// OSError is a failure reported by the operating system, tagged with its native error code.
type OSError struct {
	// Op is the native call that failed.
	Op   string
	Code uint32

	// Err is the native error, when there is one to describe the code.
	Err error
}

// NewOSError builds an OSError for op without a native error.
func NewOSError(op string, code uint32) *OSError {
	return &OSError{Op: op, Code: code}
}

func (e *OSError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (os error %d)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("%s: os error %d", e.Op, e.Code)
}

func (e *OSError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel errors standing for well-known codes.
func (e *OSError) Is(target error) bool {
	switch target {
	case ErrNoMoreItems:
		return e.Code == CodeNoMoreItems
	case ErrInsufficientBuffer:
		return e.Code == CodeInsufficientBuffer
	}
	return false
}

// HasCode reports whether err carries an OSError with one of the given codes.
func HasCode(err error, codes ...uint32) bool {
	var osErr *OSError
	if !errors.As(err, &osErr) {
		return false
	}
	for _, c := range codes {
		if osErr.Code == c {
			return true
		}
	}
	return false
}
