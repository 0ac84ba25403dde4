package srom

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/psoc4-flasher/internal/target"
)

// DefaultTimeout bounds every call.
const DefaultTimeout = 1000 * time.Millisecond

// Caller issues SROM calls over a memory link. Only one call may be
// outstanding; Caller does no locking of its own.
type Caller struct {
	mem     target.Memory
	timeout time.Duration
}

// NewCaller creates a Caller. A zero timeout selects DefaultTimeout.
func NewCaller(mem target.Memory, timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Caller{mem: mem, timeout: timeout}
}

// Timeout returns the completion deadline used for each call.
func (c *Caller) Timeout() time.Duration {
	return c.timeout
}

// AwaitCompletion polls SYSREQ until the request and privileged bits
// clear, then reads and classifies the status word in SYSARG.
// SYSARG is not read when the deadline passes first.
func (c *Caller) AwaitCompletion(ctx context.Context) (uint32, error) {
	deadline := time.Now().Add(c.timeout)

	for {
		v, err := c.mem.Read32(ctx, SysReq)
		if err != nil {
			return 0, fmt.Errorf("read SYSREQ: %w", err)
		}
		if v&(SysReqBit|PrivilegedBit) == 0 {
			break
		}
		if !time.Now().Before(deadline) {
			return 0, ErrTimeout
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}

	status, err := c.mem.Read32(ctx, SysArg)
	if err != nil {
		return 0, fmt.Errorf("read SYSARG: %w", err)
	}
	if !IsSuccess(status) {
		return status, &FailedError{Status: status}
	}
	return status, nil
}

// Invoke issues one call and waits for it. payload words are staged
// after the request word for opcodes that take a parameter block.
func (c *Caller) Invoke(ctx context.Context, req Request, payload ...uint32) (Result, error) {
	op := req.Opcode
	glog.V(2).Infof("srom: %s arg=0x%08x payload=%d words", op, req.Word(), len(payload))

	if op.viaParams() {
		if err := c.mem.Write32(ctx, ParamsBase, req.Word()); err != nil {
			return Result{}, fmt.Errorf("%s: write params: %w", op, err)
		}
		for i, w := range payload {
			if err := c.mem.Write32(ctx, ParamsBase+4+uint32(i)*4, w); err != nil {
				return Result{}, fmt.Errorf("%s: write params: %w", op, err)
			}
		}
		if err := c.mem.Write32(ctx, SysArg, ParamsBase); err != nil {
			return Result{}, fmt.Errorf("%s: write SYSARG: %w", op, err)
		}
	} else {
		if len(payload) != 0 {
			return Result{}, fmt.Errorf("%s: takes no payload", op)
		}
		if err := c.mem.Write32(ctx, SysArg, req.Word()); err != nil {
			return Result{}, fmt.Errorf("%s: write SYSARG: %w", op, err)
		}
	}

	if err := c.mem.Write32(ctx, SysReq, SysReqBit|uint32(op)); err != nil {
		return Result{}, fmt.Errorf("%s: write SYSREQ: %w", op, err)
	}

	status, err := c.AwaitCompletion(ctx)
	if err != nil {
		if fe, ok := err.(*FailedError); ok {
			fe.Opcode = op
		}
		glog.V(2).Infof("srom: %s: %v", op, err)
		return Result{Status: status}, err
	}

	res := Result{Status: status}
	switch op.resultWords() {
	case 1:
		res.Words = []uint32{status & ChecksumMask}
	case 2:
		hi, err := c.mem.Read32(ctx, SysReq)
		if err != nil {
			return res, fmt.Errorf("%s: read SYSREQ: %w", op, err)
		}
		res.Words = []uint32{status, hi}
	}
	glog.V(2).Infof("srom: %s status=0x%08x", op, status)
	return res, nil
}
