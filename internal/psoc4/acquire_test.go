package psoc4

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigbag/psoc4-flasher/internal/srom"
	"github.com/bigbag/psoc4-flasher/internal/target"
)

type dpOp struct {
	ap    bool
	write bool
	reg   uint8
	value uint32
}

// fakeDP answers DRW reads from a per-address function of the read count.
type fakeDP struct {
	idcode uint32
	ops    []dpOp
	tar    uint32
	reads  map[uint32]int
	mem    map[uint32]func(n int) uint32
}

func newFakeDP(idcode uint32) *fakeDP {
	return &fakeDP{
		idcode: idcode,
		reads:  map[uint32]int{},
		mem:    map[uint32]func(n int) uint32{},
	}
}

func (d *fakeDP) IDCode() uint32 { return d.idcode }

func (d *fakeDP) ReadDP(ctx context.Context, reg uint8) (uint32, error) {
	d.ops = append(d.ops, dpOp{reg: reg})
	return 0, nil
}

func (d *fakeDP) WriteDP(ctx context.Context, reg uint8, value uint32) error {
	d.ops = append(d.ops, dpOp{write: true, reg: reg, value: value})
	return nil
}

func (d *fakeDP) ReadAP(ctx context.Context, reg uint8) (uint32, error) {
	d.ops = append(d.ops, dpOp{ap: true, reg: reg})
	if reg != target.APDRW {
		return 0, nil
	}
	n := d.reads[d.tar]
	d.reads[d.tar]++
	if f, ok := d.mem[d.tar]; ok {
		return f(n), nil
	}
	return 0, nil
}

func (d *fakeDP) WriteAP(ctx context.Context, reg uint8, value uint32) error {
	d.ops = append(d.ops, dpOp{ap: true, write: true, reg: reg, value: value})
	if reg == target.APTAR {
		d.tar = value
	}
	return nil
}

func TestAcquire_OtherChip(t *testing.T) {
	dp := newFakeDP(0x2BA01477)
	if err := Acquire(context.Background(), dp, 0); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(dp.ops) != 0 {
		t.Errorf("ops = %+v, want none for a foreign idcode", dp.ops)
	}
}

func TestAcquire(t *testing.T) {
	dp := newFakeDP(srom.LinkIDCode)
	dp.mem[srom.TestMode] = func(n int) uint32 { return 0x80000000 }
	dp.mem[srom.SysReq] = func(n int) uint32 {
		if n < 5 {
			return srom.PrivilegedBit
		}
		return 0
	}

	if err := Acquire(context.Background(), dp, time.Second); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	want := []dpOp{
		{write: true, reg: target.CTRLSTAT, value: 0x54000000},
		{write: true, reg: target.SELECT, value: 0},
		{ap: true, write: true, reg: target.APCSW, value: 0x00000002},
		{ap: true, write: true, reg: target.APTAR, value: srom.TestMode},
		{ap: true, write: true, reg: target.APDRW, value: 0x80000000},
		{ap: true, write: true, reg: target.APTAR, value: srom.TestMode},
		{ap: true, reg: target.APDRW},
		{ap: true, reg: target.APDRW},
		{ap: true, write: true, reg: target.APTAR, value: srom.SysReq},
	}
	if len(dp.ops) < len(want) {
		t.Fatalf("ops = %d, want at least %d", len(dp.ops), len(want))
	}
	for i := range want {
		if dp.ops[i] != want[i] {
			t.Errorf("op %d = %+v, want %+v", i, dp.ops[i], want[i])
		}
	}
	if dp.reads[srom.SysReq] != 6 {
		t.Errorf("SYSREQ reads = %d, want 6 (three double reads)", dp.reads[srom.SysReq])
	}
}

func TestAcquire_TestModeNotEntered(t *testing.T) {
	dp := newFakeDP(srom.LinkIDCode)
	err := Acquire(context.Background(), dp, time.Second)
	if !errors.Is(err, ErrTestMode) {
		t.Errorf("Acquire() error = %v, want ErrTestMode", err)
	}
	if dp.reads[srom.SysReq] != 0 {
		t.Error("SYSREQ polled without test mode")
	}
}

func TestAcquire_Timeout(t *testing.T) {
	dp := newFakeDP(srom.LinkIDCode)
	dp.mem[srom.TestMode] = func(n int) uint32 { return 0x80000000 }
	dp.mem[srom.SysReq] = func(n int) uint32 { return srom.PrivilegedBit }

	timeout := 20 * time.Millisecond
	start := time.Now()
	err := Acquire(context.Background(), dp, timeout)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire() error = %v, want ErrAcquireTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < timeout {
		t.Errorf("Acquire() gave up after %v, before %v", elapsed, timeout)
	}
}
