// Package errcode defines the fixed kernel error-code space shared by the
// gateway, the capability model and the IPC protocol. Codes are part of the
// wire contract: responses in the audit trail carry the numeric code, so
// values are stable and never renumbered.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a kernel error code.
type Code uint16

const (
	// OK is the absence of an error; never carried by an Error value.
	OK Code = 0

	PermissionDenied Code = 1
	NotFound         Code = 2
	InvalidArgument  Code = 3
	NotImplemented   Code = 4
	WouldBlock       Code = 5
	OutOfMemory      Code = 6
	InvalidSlot      Code = 7
	Busy             Code = 8
	AlreadyExists    Code = 9
	BufferTooSmall   Code = 10
)

var codeNames = map[Code]string{
	OK:               "ok",
	PermissionDenied: "permission_denied",
	NotFound:         "not_found",
	InvalidArgument:  "invalid_argument",
	NotImplemented:   "not_implemented",
	WouldBlock:       "would_block",
	OutOfMemory:      "out_of_memory",
	InvalidSlot:      "invalid_slot",
	Busy:             "busy",
	AlreadyExists:    "already_exists",
	BufferTooSmall:   "buffer_too_small",
}

// String returns the stable snake_case name of the code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code_%d", uint16(c))
}

// Error is a typed kernel error. Two Errors match under errors.Is when
// their codes are equal, so callers can test against the sentinels below
// without caring about detail text.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New returns a typed error with a formatted detail.
func New(c Code, format string, args ...interface{}) *Error {
	return &Error{Code: c, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the kernel code from err, or OK if err is nil, or
// InvalidArgument if err is not a kernel error (a foreign error reaching
// the trust boundary is a caller bug, not a kernel fault).
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InvalidArgument
}

// Sentinels for errors.Is checks.
var (
	ErrPermissionDenied = &Error{Code: PermissionDenied}
	ErrNotFound         = &Error{Code: NotFound}
	ErrInvalidArgument  = &Error{Code: InvalidArgument}
	ErrNotImplemented   = &Error{Code: NotImplemented}
	ErrWouldBlock       = &Error{Code: WouldBlock}
	ErrOutOfMemory      = &Error{Code: OutOfMemory}
	ErrInvalidSlot      = &Error{Code: InvalidSlot}
	ErrBusy             = &Error{Code: Busy}
	ErrAlreadyExists    = &Error{Code: AlreadyExists}
	ErrBufferTooSmall   = &Error{Code: BufferTooSmall}
)
