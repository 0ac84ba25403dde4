package target

import (
	"context"
)

// Memory is the 32-bit memory-mapped access a debug link provides.
// Accesses are synchronous, ordered and individually atomic.
type Memory interface {
	// Read32 reads a single 32-bit word from the target.
	Read32(ctx context.Context, addr uint32) (uint32, error)
	// Write32 writes a single 32-bit word to the target.
	Write32(ctx context.Context, addr uint32, value uint32) error
}

// RunControl starts and stops the target core.
type RunControl interface {
	// Resume releases the core from halt and lets it run.
	Resume(ctx context.Context) error
	// Halt requests the core to halt and waits until it has.
	Halt(ctx context.Context) error
}

// DebugPort is raw ADIv5 register access, used before memory access
// is known to work.
type DebugPort interface {
	// IDCode returns the DP identification code read when the link came up.
	IDCode() uint32
	ReadDP(ctx context.Context, reg uint8) (uint32, error)
	WriteDP(ctx context.Context, reg uint8, value uint32) error
	ReadAP(ctx context.Context, reg uint8) (uint32, error)
	WriteAP(ctx context.Context, reg uint8, value uint32) error
}

// Link combines memory access and run control of one attached core.
type Link interface {
	Memory
	RunControl
}

// ADIv5 DP register addresses.
const (
	DPIDR    = 0x00
	CTRLSTAT = 0x04
	SELECT   = 0x08
	RDBUFF   = 0x0C
)

// ADIv5 MEM-AP register addresses (bank 0).
const (
	APCSW = 0x00
	APTAR = 0x04
	APDRW = 0x0C
)
