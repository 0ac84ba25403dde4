package dap

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// transfer request bits
const (
	reqAPnDP = 1 << 0
	reqRnW   = 1 << 1
)

// Ack is the SWD acknowledge of a transfer.
type Ack byte

const (
	AckOK    Ack = 1
	AckWait  Ack = 2
	AckFault Ack = 4
	AckNone  Ack = 7
)

// ackProtocolError is set when the probe saw a parity error.
const ackProtocolError = 0x08

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckFault:
		return "FAULT"
	case AckNone:
		return "no ack"
	default:
		return fmt.Sprintf("ack(%d)", byte(a))
	}
}

// TransferError is returned when the target did not acknowledge a
// register access with OK.
type TransferError struct {
	AP     bool
	Reg    uint8
	Read   bool
	Ack    Ack
	Parity bool
}

func (e *TransferError) Error() string {
	port, dir := "DP", "write"
	if e.AP {
		port = "AP"
	}
	if e.Read {
		dir = "read"
	}
	if e.Parity {
		return fmt.Sprintf("dap: %s %s 0x%02x: parity error", port, dir, e.Reg)
	}
	return fmt.Sprintf("dap: %s %s 0x%02x: %s", port, dir, e.Reg, e.Ack)
}

func request(ap, read bool, reg uint8) byte {
	r := reg & 0x0C
	if ap {
		r |= reqAPnDP
	}
	if read {
		r |= reqRnW
	}
	return r
}

func (c *Client) transfer(ctx context.Context, ap, read bool, reg uint8, value uint32) (uint32, error) {
	req := []byte{CmdTransfer, 0, 1, request(ap, read, reg)}
	if !read {
		req = binary.LittleEndian.AppendUint32(req, value)
	}
	resp, err := c.command(ctx, req)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, errors.New("dap: short transfer response")
	}
	count, ack := resp[0], resp[1]
	if count != 1 || Ack(ack&0x07) != AckOK {
		return 0, &TransferError{AP: ap, Reg: reg, Read: read, Ack: Ack(ack & 0x07), Parity: ack&ackProtocolError != 0}
	}
	if !read {
		return 0, nil
	}
	if len(resp) < 6 {
		return 0, errors.New("dap: transfer response without data")
	}
	return binary.LittleEndian.Uint32(resp[2:6]), nil
}

// ReadReg reads one DP or AP register. AP reads are posted by the
// target; the probe returns the completed value.
func (c *Client) ReadReg(ctx context.Context, ap bool, reg uint8) (uint32, error) {
	return c.transfer(ctx, ap, true, reg, 0)
}

// WriteReg writes one DP or AP register.
func (c *Client) WriteReg(ctx context.Context, ap bool, reg uint8, value uint32) error {
	_, err := c.transfer(ctx, ap, false, reg, value)
	return err
}
