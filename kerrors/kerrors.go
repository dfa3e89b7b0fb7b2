// Package kerrors defines the abstract error kinds of the kernel
// concurrency core (spec §7): argument errors, resource exhaustion,
// not-found, permission, interruption, and fatal (panic-worthy) failures.
//
// Every public operation elsewhere in this module returns a plain `error`
// built from one of these kinds, wrapping a [Code] so syscall-layer style
// callers can recover the C-ABI errno-shaped value with [CodeOf].
package kerrors

import (
	"errors"
	"fmt"
)

// Code is a negative integer error kind, mirroring the -EINVAL/-ENOMEM
// style values spec §6-7 describe at the external interface boundary.
type Code int

const (
	// EINVAL is an argument error: bad pointer, invalid enum, unaligned
	// address, out-of-range length.
	EINVAL Code = -1
	// ENOMEM is resource exhaustion: no memory, no tid, no minor number,
	// no free hole.
	ENOMEM Code = -2
	// ESRCH is not-found: unknown tid/pid/signal-queue entry.
	ESRCH Code = -3
	// EACCES is a permission error: protecting a stack region, writing to
	// read-only, crossing the user/kernel boundary.
	EACCES Code = -4
	// EINTR is interruption: a wait interrupted by signal or cancellation.
	EINTR Code = -5
	// ENOENT is not-found for queue/container operations specifically.
	ENOENT Code = -6
	// EEXIST signals an attempt to create something that already exists.
	EEXIST Code = -7
	// ETIMEDOUT signals a timed wait reaching its deadline.
	ETIMEDOUT Code = -8
	// EFAULT signals a bad user-space pointer.
	EFAULT Code = -9
	// EAGAIN signals a non-blocking operation would have had to wait.
	EAGAIN Code = -10
)

func (c Code) String() string {
	switch c {
	case EINVAL:
		return "EINVAL"
	case ENOMEM:
		return "ENOMEM"
	case ESRCH:
		return "ESRCH"
	case EACCES:
		return "EACCES"
	case EINTR:
		return "EINTR"
	case ENOENT:
		return "ENOENT"
	case EEXIST:
		return "EEXIST"
	case ETIMEDOUT:
		return "ETIMEDOUT"
	case EFAULT:
		return "EFAULT"
	case EAGAIN:
		return "EAGAIN"
	default:
		return "EUNKNOWN"
	}
}

// KernelError is the common shape of every error kind this package defines.
type KernelError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *KernelError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Cause }

// Is matches against another *KernelError with the same Code, so callers
// can write errors.Is(err, kerrors.New(kerrors.ESRCH, "")).
func (e *KernelError) Is(target error) bool {
	var other *KernelError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// New constructs a [KernelError] of the given kind.
func New(code Code, message string) error {
	return &KernelError{Code: code, Message: message}
}

// Wrap constructs a [KernelError] of the given kind, chaining cause.
func Wrap(code Code, message string, cause error) error {
	return &KernelError{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the [Code] from err, or 0 if err is nil, or EINVAL if err
// is a non-kernel error (a defensive default, never used to hide a real
// mismatch - callers that care should type-assert directly).
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return EINVAL
}

// Fatal panics with a descriptive message; reserved for invariant
// violations spec §7 classifies as "assertions violated" (queue
// cross-link broken, lock held across context switch, scheduler finds
// invalid state): there is no recovery path for these, by design.
func Fatal(format string, args ...any) {
	panic(fmt.Sprintf("kernel: fatal: "+format, args...))
}
