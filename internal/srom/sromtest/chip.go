// Package sromtest provides a scripted SROM chip for tests.
package sromtest

import (
	"context"
	"sort"
	"sync"

	"github.com/bigbag/psoc4-flasher/internal/srom"
)

// Response scripts the outcome of one opcode.
type Response struct {
	// Status is left in SYSARG on completion.
	Status uint32
	// SysReq is left in SYSREQ on completion (second silicon id word).
	SysReq uint32
	// Busy is the number of SYSREQ reads that still report pending.
	Busy int
	// Hang keeps the request pending forever.
	Hang bool
}

// Call is one SROM request observed by the chip.
type Call struct {
	Opcode srom.Opcode
	// Arg is the request word, taken from SYSARG or the parameter block.
	Arg uint32
	// Params holds the parameter block words after the request word.
	Params []uint32
	// Running reports whether the core was resumed when the call was made.
	Running bool
}

// Chip is a target.Memory and target.RunControl that answers SROM calls.
type Chip struct {
	mu sync.Mutex

	Responses map[srom.Opcode]Response
	Calls     []Call
	Resumes   int
	Halts     int
	Running   bool
	// SysArgReads counts reads of SYSARG.
	SysArgReads int

	// ResumeErr and HaltErr are returned by Resume and Halt when set.
	ResumeErr error
	HaltErr   error

	sysArg  uint32
	sysReq  uint32
	busy    int
	hang    bool
	staged  map[uint32]uint32
	mem     map[uint32]uint32
	pending *Response
}

// NewChip creates a chip answering every opcode with success.
func NewChip() *Chip {
	return &Chip{
		Responses: map[srom.Opcode]Response{},
		staged:    map[uint32]uint32{},
		mem:       map[uint32]uint32{},
	}
}

// Respond scripts the response for op.
func (c *Chip) Respond(op srom.Opcode, r Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses[op] = r
}

// Opcodes returns the opcodes of all observed calls in order.
func (c *Chip) Opcodes() []srom.Opcode {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]srom.Opcode, len(c.Calls))
	for i, call := range c.Calls {
		ops[i] = call.Opcode
	}
	return ops
}

func (c *Chip) Read32(ctx context.Context, addr uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch addr {
	case srom.SysReq:
		if c.hang {
			return c.sysReq | srom.SysReqBit, nil
		}
		if c.busy > 0 {
			c.busy--
			return c.sysReq | srom.SysReqBit, nil
		}
		if c.pending != nil {
			c.sysArg = c.pending.Status
			c.sysReq = c.pending.SysReq
			c.pending = nil
		}
		return c.sysReq, nil
	case srom.SysArg:
		c.SysArgReads++
		return c.sysArg, nil
	}
	return c.mem[addr], nil
}

func (c *Chip) Write32(ctx context.Context, addr uint32, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case addr == srom.SysArg:
		c.sysArg = value
	case addr == srom.SysReq:
		c.call(value)
	case addr >= srom.ParamsBase && addr < srom.ParamsBase+0x400:
		c.staged[addr] = value
	default:
		c.mem[addr] = value
	}
	return nil
}

func (c *Chip) call(value uint32) {
	op := srom.Opcode(value & 0xFF)
	call := Call{Opcode: op, Arg: c.sysArg, Running: c.Running}
	if c.sysArg == srom.ParamsBase {
		addrs := make([]uint32, 0, len(c.staged))
		for a := range c.staged {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		call.Arg = c.staged[srom.ParamsBase]
		for _, a := range addrs {
			if a != srom.ParamsBase {
				call.Params = append(call.Params, c.staged[a])
			}
		}
	}
	c.staged = map[uint32]uint32{}
	c.Calls = append(c.Calls, call)

	r, ok := c.Responses[op]
	if !ok {
		r = Response{Status: srom.StatusSucceeded}
	}
	c.sysReq = value
	c.busy = r.Busy
	c.hang = r.Hang
	c.pending = &r
}

func (c *Chip) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Resumes++
	if c.ResumeErr != nil {
		return c.ResumeErr
	}
	c.Running = true
	return nil
}

func (c *Chip) Halt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Halts++
	c.Running = false
	return c.HaltErr
}
