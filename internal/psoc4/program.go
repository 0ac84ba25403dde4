package psoc4

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/bigbag/psoc4-flasher/internal/srom"
	"github.com/bigbag/psoc4-flasher/internal/target"
)

// RowAddress locates a flash row.
type RowAddress struct {
	Row   uint32
	Macro uint32
}

// RowAddressOf returns the row and macro holding offset.
func RowAddressOf(offset uint32) RowAddress {
	row := offset / RowSize
	return RowAddress{Row: row, Macro: row / RowsPerMacro}
}

// maxRows is the number of rows a program-row request can address.
const maxRows = 0x10000

type writePhase int

const (
	phaseIdle writePhase = iota
	phaseLatchLoaded
	phaseCommitted
)

func (p writePhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseLatchLoaded:
		return "latch loaded"
	case phaseCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// blockWrite is one latch load followed by one commit. The commit is
// only reachable from a loaded latch.
type blockWrite struct {
	srom  *srom.Caller
	addr  uint32
	macro uint8
	data  []byte
	phase writePhase
}

func (w *blockWrite) loadLatch(ctx context.Context) error {
	if w.phase != phaseIdle {
		return fmt.Errorf("load latch in phase %s", w.phase)
	}
	if _, err := w.srom.Invoke(ctx, srom.LoadLatchRequest(w.macro), srom.LoadLatchPayload(w.data)...); err != nil {
		return &WriteError{Addr: w.addr, Phase: "load latch", Err: err}
	}
	w.phase = phaseLatchLoaded
	return nil
}

func (w *blockWrite) commit(ctx context.Context, req srom.Request) error {
	if w.phase != phaseLatchLoaded {
		return fmt.Errorf("commit in phase %s", w.phase)
	}
	if _, err := w.srom.Invoke(ctx, req); err != nil {
		return &WriteError{Addr: w.addr, Phase: req.Opcode.String(), Err: err}
	}
	w.phase = phaseCommitted
	return nil
}

func checkBlock(r target.Region, addr uint32, data []byte) error {
	if !r.Contains(addr) || (addr-r.Base)%r.BlockSize != 0 || uint32(len(data)) != r.BlockSize {
		return fmt.Errorf("%w: 0x%08x+%d in region 0x%08x/%d", ErrAlignment, addr, len(data), r.Base, r.BlockSize)
	}
	return nil
}

// ProgramRow writes one row of user flash. offset must be row aligned
// and data exactly one row long.
func (d *Device) ProgramRow(ctx context.Context, offset uint32, data []byte) error {
	r := target.Region{Base: 0, Length: maxRows * RowSize, BlockSize: RowSize, Strategy: target.Normal}
	if m := d.Model(); m != nil {
		r = m.Flash
	}
	if err := checkBlock(r, offset, data); err != nil {
		return err
	}
	return d.withCoreRunning(ctx, func(ctx context.Context) error {
		return d.programRow(ctx, offset-r.Base, data)
	})
}

func (d *Device) programRow(ctx context.Context, offset uint32, data []byte) error {
	ra := RowAddressOf(offset)
	if ra.Row >= maxRows || ra.Macro > 0xFF {
		return fmt.Errorf("%w: row %d macro %d out of range", ErrAlignment, ra.Row, ra.Macro)
	}
	glog.V(1).Infof("psoc4: program row %d (macro %d)", ra.Row, ra.Macro)

	w := &blockWrite{srom: d.srom, addr: offset, macro: uint8(ra.Macro), data: data}
	if err := w.loadLatch(ctx); err != nil {
		return err
	}
	return w.commit(ctx, srom.ProgramRowRequest(uint16(ra.Row)))
}

// WriteProtection writes one macro's worth of protection bits. addr
// must be a block address inside the identified protection region.
func (d *Device) WriteProtection(ctx context.Context, addr uint32, data []byte) error {
	m := d.Model()
	if m == nil {
		return ErrNotIdentified
	}
	if err := checkBlock(m.Protection, addr, data); err != nil {
		return err
	}
	return d.withCoreRunning(ctx, func(ctx context.Context) error {
		return d.writeProtection(ctx, m.Protection, addr, data)
	})
}

func (d *Device) writeProtection(ctx context.Context, r target.Region, addr uint32, data []byte) error {
	macro := uint8((addr - r.Base) / r.BlockSize)
	glog.V(1).Infof("psoc4: write protection macro %d", macro)

	w := &blockWrite{srom: d.srom, addr: addr, macro: macro, data: data}
	if err := w.loadLatch(ctx); err != nil {
		return err
	}
	return w.commit(ctx, srom.WriteProtectionRequest(macro))
}

// WriteBlock implements target.BlockWriter.
func (d *Device) WriteBlock(ctx context.Context, r target.Region, addr uint32, data []byte) error {
	if err := checkBlock(r, addr, data); err != nil {
		return err
	}
	return d.withCoreRunning(ctx, func(ctx context.Context) error {
		switch r.Strategy {
		case target.Normal:
			return d.programRow(ctx, addr-r.Base, data)
		case target.Protected:
			return d.writeProtection(ctx, r, addr, data)
		default:
			return fmt.Errorf("write 0x%08x: unsupported strategy %s", addr, r.Strategy)
		}
	})
}
