// Package rsp implements GDB remote serial protocol packet framing.
package rsp

import (
	"fmt"
	"strconv"
)

const (
	Start    = '$'
	End      = '#'
	Esc      = '}'
	Repeat   = '*'
	Ack      = '+'
	Nack     = '-'
	EscXor   = 0x20
	rleShift = 29
)

func needsEscape(b byte) bool {
	return b == Start || b == End || b == Esc || b == Repeat
}

// Checksum is the modulo 256 sum of the packet body.
func Checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return sum
}

// Encode wraps data in a packet: $body#xx.
// Escapes bytes that would end or corrupt the body.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, Start)

	for _, b := range data {
		if needsEscape(b) {
			result = append(result, Esc, b^EscXor)
		} else {
			result = append(result, b)
		}
	}

	sum := Checksum(result[1:])
	result = append(result, End)
	result = fmt.Appendf(result, "%02x", sum)
	return result
}

// Decode extracts data from a packet. It checks the checksum, then
// undoes escapes and run-length encoding.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 4 || frame[0] != Start || frame[len(frame)-3] != End {
		return nil, fmt.Errorf("malformed packet %q", frame)
	}

	body := frame[1 : len(frame)-3]
	want, err := strconv.ParseUint(string(frame[len(frame)-2:]), 16, 8)
	if err != nil {
		return nil, fmt.Errorf("bad checksum digits %q", frame[len(frame)-2:])
	}
	if got := Checksum(body); got != byte(want) {
		return nil, fmt.Errorf("checksum 0x%02x, packet says 0x%02x", got, want)
	}

	result := make([]byte, 0, len(body))
	i := 0
	for i < len(body) {
		switch {
		case body[i] == Esc && i+1 < len(body):
			result = append(result, body[i+1]^EscXor)
			i += 2
		case body[i] == Repeat && i+1 < len(body):
			if len(result) == 0 {
				return nil, fmt.Errorf("run length at start of packet")
			}
			n := int(body[i+1]) - rleShift
			if n < 0 {
				return nil, fmt.Errorf("bad run length 0x%02x", body[i+1])
			}
			last := result[len(result)-1]
			for ; n > 0; n-- {
				result = append(result, last)
			}
			i += 2
		default:
			result = append(result, body[i])
			i++
		}
	}

	return result, nil
}

// ReadFrame reads a complete packet from a byte stream.
// Acks, nacks and bytes before the first '$' are skipped.
// Returns the frame ($ through checksum) and remaining bytes.
func ReadFrame(data []byte) (frame []byte, remaining []byte) {
	start := -1
	for i, b := range data {
		if b == Start {
			start = i
			break
		}
	}

	if start == -1 {
		return nil, data
	}

	// A '#' inside the body is always escaped.
	for i := start + 1; i < len(data); i++ {
		if data[i] == End {
			if i+2 < len(data) {
				return data[start : i+3], data[i+3:]
			}
			break
		}
	}

	// Packet not complete yet
	return nil, data[start:]
}

// Skip drops leading acks from a stream and reports how many were
// acks and nacks.
func Skip(data []byte) (rest []byte, acks, nacks int) {
	for len(data) > 0 {
		switch data[0] {
		case Ack:
			acks++
		case Nack:
			nacks++
		default:
			return data, acks, nacks
		}
		data = data[1:]
	}
	return data, acks, nacks
}
