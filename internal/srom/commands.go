package srom

import "fmt"

// Opcode is an SROM system call number.
type Opcode byte

// SROM system calls
const (
	OpGetSiliconID    Opcode = 0x00
	OpLoadLatch       Opcode = 0x04
	OpProgramRow      Opcode = 0x06
	OpEraseAll        Opcode = 0x0A
	OpChecksum        Opcode = 0x0B
	OpWriteProtection Opcode = 0x0D
	OpSetIMO48MHz     Opcode = 0x15
)

// Key bytes every request word starts with
const (
	Key1 = 0xB6
	Key2 = 0xD3
)

// CPUSS register map
const (
	SysReq     = 0x40100004
	SysArg     = 0x40100008
	ParamsBase = 0x20000100
	TestMode   = 0x40030014
)

// SYSREQ bits
const (
	SysReqBit     = 1 << 31
	HMasterBit    = 1 << 30
	PrivilegedBit = 1 << 28
)

// Status word top nibble
const (
	StatusMask      = 0xF0000000
	StatusSucceeded = 0xA0000000
	StatusFailed    = 0xF0000000
)

// ChecksumMask strips the status nibble from a checksum result.
const ChecksumMask = 0x0FFFFFFF

// LinkIDCode is the SW-DP IDCODE of parts that need chip acquisition.
const LinkIDCode = 0x0BB11477

// String returns a human-readable name for the opcode.
func (op Opcode) String() string {
	switch op {
	case OpGetSiliconID:
		return "get silicon id"
	case OpLoadLatch:
		return "load latch"
	case OpProgramRow:
		return "program row"
	case OpEraseAll:
		return "erase all"
	case OpChecksum:
		return "checksum"
	case OpWriteProtection:
		return "write protection"
	case OpSetIMO48MHz:
		return "set imo 48mhz"
	default:
		return fmt.Sprintf("opcode 0x%02x", byte(op))
	}
}

// viaParams reports whether the request word of op is staged in the SRAM
// parameter block, with SYSARG pointing at it, rather than written to
// SYSARG directly.
func (op Opcode) viaParams() bool {
	switch op {
	case OpLoadLatch, OpProgramRow, OpEraseAll:
		return true
	default:
		return false
	}
}

// resultWords returns how many result words op produces beyond the status.
func (op Opcode) resultWords() int {
	switch op {
	case OpGetSiliconID:
		return 2
	case OpChecksum:
		return 1
	default:
		return 0
	}
}
