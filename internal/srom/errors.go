package srom

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when the request bits never cleared in time.
// The outcome of the call is unknown.
var ErrTimeout = errors.New("srom: poll timeout")

// ErrFailed matches every *FailedError.
var ErrFailed = errors.New("srom: call failed")

// FailedError is returned when a call completed with a non-success status.
type FailedError struct {
	Opcode Opcode
	Status uint32
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("srom: %s failed: status 0x%08x", e.Opcode, e.Status)
}

// Is makes errors.Is(err, ErrFailed) true.
func (e *FailedError) Is(target error) bool {
	return target == ErrFailed
}

// IsTimeout returns true if err is or wraps ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
