package adiv5

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/bigbag/psoc4-flasher/internal/target"
)

// Cortex-M debug registers
const (
	DHCSR = 0xE000EDF0
	AIRCR = 0xE000ED0C
)

// DHCSR bits
const (
	DBGKEY   = 0xA05F0000
	CDebugEn = 1 << 0
	CHalt    = 1 << 1
	SHalt    = 1 << 17
)

// AIRCR value requesting a system reset.
const aircrSysResetReq = 0x05FA0004

const haltTimeout = 100 * time.Millisecond

// Cortex is Cortex-M run control over memory access. It implements
// target.RunControl.
type Cortex struct {
	mem target.Memory
}

var _ target.RunControl = (*Cortex)(nil)

// NewCortex creates run control on mem.
func NewCortex(mem target.Memory) *Cortex {
	return &Cortex{mem: mem}
}

// Halt stops the core and waits for S_HALT.
func (c *Cortex) Halt(ctx context.Context) error {
	if err := c.mem.Write32(ctx, DHCSR, DBGKEY|CHalt|CDebugEn); err != nil {
		return errors.Wrap(err, "cortex: halt")
	}
	deadline := time.Now().Add(haltTimeout)
	for {
		v, err := c.mem.Read32(ctx, DHCSR)
		if err != nil {
			return errors.Wrap(err, "cortex: halt")
		}
		if v&SHalt != 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return errors.Errorf("cortex: core did not halt, DHCSR 0x%08x", v)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Resume lets the core run with debug still enabled.
func (c *Cortex) Resume(ctx context.Context) error {
	if err := c.mem.Write32(ctx, DHCSR, DBGKEY|CDebugEn); err != nil {
		return errors.Wrap(err, "cortex: resume")
	}
	return nil
}

// ResetRun disables halting debug and requests a system reset. The
// reset usually drops the link, so the AIRCR write error is ignored.
func (c *Cortex) ResetRun(ctx context.Context) error {
	if err := c.mem.Write32(ctx, DHCSR, DBGKEY); err != nil {
		return errors.Wrap(err, "cortex: reset")
	}
	if err := c.mem.Write32(ctx, AIRCR, aircrSysResetReq); err != nil {
		glog.V(1).Infof("cortex: reset write: %v", err)
	}
	return nil
}

// Link is a target.Link over a MEM-AP with Cortex-M run control.
type Link struct {
	*MemAP
	*Cortex
}

// NewLink combines memory access and run control on dp.
func NewLink(dp target.DebugPort) *Link {
	mem := NewMemAP(dp)
	return &Link{MemAP: mem, Cortex: NewCortex(mem)}
}
