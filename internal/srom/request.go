package srom

import (
	"fmt"
)

// Request is one SROM call's argument word before packing.
// Operand0 lands in bits 16-23 and Operand1 in bits 24-31.
type Request struct {
	Opcode   Opcode
	Operand0 byte
	Operand1 byte
}

// Word packs the request into the 32-bit argument word.
func (r Request) Word() uint32 {
	return uint32(Key1) |
		uint32(byte(Key2+byte(r.Opcode)))<<8 |
		uint32(r.Operand0)<<16 |
		uint32(r.Operand1)<<24
}

// DecodeRequest unpacks an argument word built by Word.
func DecodeRequest(word uint32) (Request, error) {
	if byte(word) != Key1 {
		return Request{}, fmt.Errorf("invalid key1 byte: 0x%02X", byte(word))
	}
	return Request{
		Opcode:   Opcode(byte(word>>8) - Key2),
		Operand0: byte(word >> 16),
		Operand1: byte(word >> 24),
	}, nil
}

// Row returns the operands read as a split row id.
func (r Request) Row() uint16 {
	return uint16(r.Operand0) | uint16(r.Operand1)<<8
}

// SiliconIDRequest creates a get-silicon-id request.
func SiliconIDRequest() Request {
	return Request{Opcode: OpGetSiliconID}
}

// SetIMO48MHzRequest creates an oscillator speed select request.
func SetIMO48MHzRequest() Request {
	return Request{Opcode: OpSetIMO48MHz}
}

// LoadLatchRequest creates a load-latch request for the given macro.
func LoadLatchRequest(macro uint8) Request {
	return Request{Opcode: OpLoadLatch, Operand0: 0x00, Operand1: macro}
}

// ProgramRowRequest creates a program-row request. The low byte of the
// row id goes to bits 16-23 and the high byte to bits 24-31.
func ProgramRowRequest(row uint16) Request {
	return Request{Opcode: OpProgramRow, Operand0: byte(row), Operand1: byte(row >> 8)}
}

// ChecksumRequest creates a checksum request, split like ProgramRowRequest.
func ChecksumRequest(row uint16) Request {
	return Request{Opcode: OpChecksum, Operand0: byte(row), Operand1: byte(row >> 8)}
}

// WriteProtectionRequest creates a request applying the latched
// protection bits to the given macro.
func WriteProtectionRequest(macro uint8) Request {
	return Request{Opcode: OpWriteProtection, Operand0: 0x01, Operand1: macro}
}

// EraseAllRequest creates a mass erase request.
func EraseAllRequest() Request {
	return Request{Opcode: OpEraseAll}
}

// LoadLatchPayload returns the words following the request word in the
// parameter block: the byte count minus one, then data as little-endian
// words. len(data) must be a multiple of 4.
func LoadLatchPayload(data []byte) []uint32 {
	payload := make([]uint32, 0, 1+len(data)/4)
	payload = append(payload, uint32(len(data)-1))
	for i := 0; i+4 <= len(data); i += 4 {
		payload = append(payload, uint32(data[i])|
			uint32(data[i+1])<<8|
			uint32(data[i+2])<<16|
			uint32(data[i+3])<<24)
	}
	return payload
}

// Result is the outcome of one completed SROM call.
type Result struct {
	Status uint32
	Words  []uint32
}

// IsSuccess returns true if the status word carries the success nibble.
func IsSuccess(status uint32) bool {
	return status&StatusMask == StatusSucceeded
}

// SiliconID reassembles the 32-bit silicon id from the two result words
// of a get-silicon-id call.
func SiliconID(word0, word1 uint32) uint32 {
	return (word0>>8)&0xFF |
		(word0&0xFF)<<8 |
		((word0>>16)&0xFF)<<16 |
		(word1&0xFF)<<24
}
