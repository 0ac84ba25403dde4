// Package adiv5 implements ARM debug port, MEM-AP and Cortex-M run
// control on top of a register transport.
package adiv5

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/bigbag/psoc4-flasher/internal/target"
)

// Transport issues single DP and AP register accesses.
type Transport interface {
	ReadReg(ctx context.Context, ap bool, reg uint8) (uint32, error)
	WriteReg(ctx context.Context, ap bool, reg uint8, value uint32) error
}

// CTRL/STAT bits
const (
	CSYSPWRUPACK = 1 << 31
	CSYSPWRUPREQ = 1 << 30
	CDBGPWRUPACK = 1 << 29
	CDBGPWRUPREQ = 1 << 28
)

// ABORT clears for the sticky error flags.
const (
	abortReg      = 0x00
	abortClearAll = 0x1E
)

const powerUpTimeout = 100 * time.Millisecond

// DP is one SW-DP. It implements target.DebugPort.
type DP struct {
	t      Transport
	idcode uint32
	sel    uint32
	selOK  bool
}

var _ target.DebugPort = (*DP)(nil)

// Connect reads DPIDR, which must be the first access after the SWD
// switch sequence, and clears sticky errors.
func Connect(ctx context.Context, t Transport) (*DP, error) {
	id, err := t.ReadReg(ctx, false, target.DPIDR)
	if err != nil {
		return nil, errors.Wrap(err, "adiv5: read DPIDR")
	}
	if err := t.WriteReg(ctx, false, abortReg, abortClearAll); err != nil {
		return nil, errors.Wrap(err, "adiv5: clear errors")
	}
	glog.V(1).Infof("adiv5: DPIDR 0x%08x", id)
	return &DP{t: t, idcode: id}, nil
}

// IDCode returns the DPIDR value read by Connect.
func (d *DP) IDCode() uint32 {
	return d.idcode
}

// PowerUp requests debug and system power and waits for both acks.
func (d *DP) PowerUp(ctx context.Context) error {
	if err := d.WriteDP(ctx, target.CTRLSTAT, CSYSPWRUPREQ|CDBGPWRUPREQ); err != nil {
		return errors.Wrap(err, "adiv5: power up")
	}
	deadline := time.Now().Add(powerUpTimeout)
	for {
		v, err := d.ReadDP(ctx, target.CTRLSTAT)
		if err != nil {
			return errors.Wrap(err, "adiv5: power up")
		}
		if v&(CSYSPWRUPACK|CDBGPWRUPACK) == CSYSPWRUPACK|CDBGPWRUPACK {
			return nil
		}
		if !time.Now().Before(deadline) {
			return errors.Errorf("adiv5: power up not acknowledged, CTRL/STAT 0x%08x", v)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// ReadDP reads a debug port register.
func (d *DP) ReadDP(ctx context.Context, reg uint8) (uint32, error) {
	return d.t.ReadReg(ctx, false, reg)
}

// WriteDP writes a debug port register.
func (d *DP) WriteDP(ctx context.Context, reg uint8, value uint32) error {
	if err := d.t.WriteReg(ctx, false, reg, value); err != nil {
		if reg == target.SELECT {
			d.selOK = false
		}
		return err
	}
	if reg == target.SELECT {
		d.sel, d.selOK = value, true
	}
	return nil
}

// selectBank points SELECT at AP 0 and the bank holding reg.
func (d *DP) selectBank(ctx context.Context, reg uint8) error {
	want := uint32(reg) & 0xF0
	if d.selOK && d.sel == want {
		return nil
	}
	return d.WriteDP(ctx, target.SELECT, want)
}

// ReadAP reads a register of AP 0, selecting its bank first.
func (d *DP) ReadAP(ctx context.Context, reg uint8) (uint32, error) {
	if err := d.selectBank(ctx, reg); err != nil {
		return 0, err
	}
	return d.t.ReadReg(ctx, true, reg)
}

// WriteAP writes a register of AP 0, selecting its bank first.
func (d *DP) WriteAP(ctx context.Context, reg uint8, value uint32) error {
	if err := d.selectBank(ctx, reg); err != nil {
		return err
	}
	return d.t.WriteReg(ctx, true, reg, value)
}
