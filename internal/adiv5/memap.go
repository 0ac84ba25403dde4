package adiv5

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bigbag/psoc4-flasher/internal/target"
)

// CSW for 32-bit accesses with no address increment.
const CSW32 = 0x23000002

// MemAP is 32-bit memory access through AP 0. It implements
// target.Memory.
type MemAP struct {
	dp    target.DebugPort
	cswOK bool
}

var _ target.Memory = (*MemAP)(nil)

// NewMemAP creates a MemAP on dp.
func NewMemAP(dp target.DebugPort) *MemAP {
	return &MemAP{dp: dp}
}

func (m *MemAP) setup(ctx context.Context, addr uint32) error {
	if !m.cswOK {
		if err := m.dp.WriteAP(ctx, target.APCSW, CSW32); err != nil {
			return errors.Wrap(err, "adiv5: write CSW")
		}
		m.cswOK = true
	}
	if err := m.dp.WriteAP(ctx, target.APTAR, addr); err != nil {
		m.cswOK = false
		return errors.Wrapf(err, "adiv5: write TAR 0x%08x", addr)
	}
	return nil
}

// Read32 reads the word at addr.
func (m *MemAP) Read32(ctx context.Context, addr uint32) (uint32, error) {
	if err := m.setup(ctx, addr); err != nil {
		return 0, err
	}
	v, err := m.dp.ReadAP(ctx, target.APDRW)
	if err != nil {
		return 0, errors.Wrapf(err, "adiv5: read 0x%08x", addr)
	}
	return v, nil
}

// Write32 writes value to the word at addr.
func (m *MemAP) Write32(ctx context.Context, addr uint32, value uint32) error {
	if err := m.setup(ctx, addr); err != nil {
		return err
	}
	if err := m.dp.WriteAP(ctx, target.APDRW, value); err != nil {
		return errors.Wrapf(err, "adiv5: write 0x%08x", addr)
	}
	return nil
}
