package psoc4

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownModel means the silicon id is not in the model table;
	// the chip belongs to some other driver.
	ErrUnknownModel = errors.New("psoc4: unknown model")

	// ErrProtected is returned by MassErase on a protected chip.
	ErrProtected = errors.New("psoc4: chip is protected")

	// ErrBusy is returned when an operation is already in progress.
	ErrBusy = errors.New("psoc4: operation already in progress")

	// ErrAlignment is returned for writes that are not exactly one
	// aligned block.
	ErrAlignment = errors.New("psoc4: write is not one aligned block")

	// ErrNotIdentified is returned by operations that need the model
	// geometry before Identify has succeeded.
	ErrNotIdentified = errors.New("psoc4: device not identified")

	// ErrTestMode is returned by Acquire when the chip did not
	// acknowledge the test mode request.
	ErrTestMode = errors.New("psoc4: test mode not entered")

	// ErrAcquireTimeout is returned by Acquire when the boot ROM kept
	// the privileged bit set.
	ErrAcquireTimeout = errors.New("psoc4: boot rom did not release the core")
)

// WriteError reports which phase of a block write failed.
type WriteError struct {
	Addr  uint32
	Phase string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write 0x%08x: %s: %v", e.Addr, e.Phase, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
