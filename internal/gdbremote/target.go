package gdbremote

import (
	"context"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/bigbag/psoc4-flasher/internal/target"
)

// Target is a PSoC 4 attached through a probe that runs the SROM
// driver itself and exposes it as monitor commands.
type Target struct {
	c       *Client
	scan    string
	regions []target.Region
}

// Attach scans the SWD bus, attaches to target n and reads its flash
// layout.
func Attach(ctx context.Context, c *Client, n int) (*Target, error) {
	scan, err := c.Monitor(ctx, "swdp_scan")
	if err != nil {
		return nil, errors.Wrap(err, "gdbremote: swdp scan")
	}
	glog.V(1).Infof("gdbremote: scan:\n%s", scan)

	if err := c.Attach(ctx, n); err != nil {
		return nil, errors.Wrapf(err, "gdbremote: attach to target %d", n)
	}
	regions, err := c.MemoryMap(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range regions {
		glog.V(1).Infof("gdbremote: flash 0x%08x+0x%x block 0x%x", r.Base, r.Length, r.BlockSize)
	}
	return &Target{c: c, scan: scan, regions: regions}, nil
}

// Scan returns the probe's scan report.
func (t *Target) Scan() string {
	return t.scan
}

// Regions returns the flash regions the probe reported.
func (t *Target) Regions() []target.Region {
	return t.regions
}

func (t *Target) monitorWord(ctx context.Context, cmd string) (uint32, error) {
	out, err := t.c.Monitor(ctx, cmd)
	if err != nil {
		return 0, err
	}
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	v, err := strconv.ParseUint(line, 0, 32)
	if err != nil {
		return 0, errors.Errorf("gdbremote: monitor %s: unexpected output %q", cmd, out)
	}
	return uint32(v), nil
}

// SiliconID runs the probe's silicon id command.
func (t *Target) SiliconID(ctx context.Context) (uint32, error) {
	return t.monitorWord(ctx, "siliconid")
}

// Checksum runs the probe's flash checksum command.
func (t *Target) Checksum(ctx context.Context) (uint32, error) {
	return t.monitorWord(ctx, "checksum")
}

// MassErase runs the probe's mass erase command.
func (t *Target) MassErase(ctx context.Context) error {
	out, err := t.c.Monitor(ctx, "erase_mass")
	if err != nil {
		return err
	}
	if strings.Contains(out, "protected") {
		return errors.Errorf("gdbremote: erase_mass: %s", strings.TrimSpace(out))
	}
	return nil
}

// EraseFlash checks that a range lies inside one reported region. The
// probe erases each block itself as part of WriteFlash.
func (t *Target) EraseFlash(ctx context.Context, addr, length uint32) error {
	for _, r := range t.regions {
		if !r.Contains(addr) {
			continue
		}
		if !r.ContainsRange(addr, uint64(length)) {
			return errors.Errorf("gdbremote: erase 0x%08x+0x%x crosses end of region at 0x%08x", addr, length, r.End())
		}
		return nil
	}
	return errors.Errorf("gdbremote: erase 0x%08x: no flash region", addr)
}

// WriteFlash programs data at addr and commits it.
func (t *Target) WriteFlash(ctx context.Context, addr uint32, data []byte) error {
	if err := t.c.FlashErase(ctx, addr, uint32(len(data))); err != nil {
		return err
	}
	if err := t.c.FlashWrite(ctx, addr, data); err != nil {
		return err
	}
	return t.c.FlashDone(ctx)
}

// Reset resets the target through the probe.
func (t *Target) Reset(ctx context.Context) error {
	return t.c.Reset(ctx)
}

// Detach releases the target.
func (t *Target) Detach(ctx context.Context) error {
	return t.c.Detach(ctx)
}
