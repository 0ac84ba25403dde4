package psoc4

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/bigbag/psoc4-flasher/internal/srom"
	"github.com/bigbag/psoc4-flasher/internal/target"
)

// Protection is the chip protection state reported by get-silicon-id.
type Protection uint8

const (
	Virgin    Protection = 0x0
	Open      Protection = 0x1
	Protected Protection = 0x2
	Kill      Protection = 0x4
)

func (p Protection) String() string {
	switch p {
	case Virgin:
		return "virgin"
	case Open:
		return "open"
	case Protected:
		return "protected"
	case Kill:
		return "kill"
	default:
		return fmt.Sprintf("protection(%d)", uint8(p))
	}
}

// protectionOf extracts the protection nibble from the second
// get-silicon-id word.
func protectionOf(sysreq uint32) Protection {
	return Protection((sysreq >> 12) & 0xF)
}

// Identity is what get-silicon-id reports about the chip.
type Identity struct {
	SiliconID  uint32
	ModelID    uint16
	Protection Protection
}

func identityOf(res srom.Result) Identity {
	return Identity{
		SiliconID:  srom.SiliconID(res.Words[0], res.Words[1]),
		ModelID:    uint16(res.Words[0] & 0xFFFF),
		Protection: protectionOf(res.Words[1]),
	}
}

// FormatWord renders a 32-bit value the way the diagnostic commands
// print it.
func FormatWord(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}

// Identify selects the 48 MHz oscillator, reads the silicon id and
// matches it against the model table. On a match the model's regions
// are registered in a new flash map backed by the device. An unknown
// id returns ErrUnknownModel.
//
// Identify runs right after acquisition while the boot ROM owns the
// core, so it does not resume or halt it.
func (d *Device) Identify(ctx context.Context) (*Model, error) {
	var model *Model
	err := d.exclusive(func() error {
		if _, err := d.srom.Invoke(ctx, srom.SetIMO48MHzRequest()); err != nil {
			return fmt.Errorf("identify: %w", err)
		}
		res, err := d.srom.Invoke(ctx, srom.SiliconIDRequest())
		if err != nil {
			return fmt.Errorf("identify: %w", err)
		}
		id := identityOf(res)

		m, ok := lookupModel(d.config.Models, id.ModelID)
		if !ok {
			return fmt.Errorf("%w: 0x%04x", ErrUnknownModel, id.ModelID)
		}

		flash := target.NewFlash(d, ErasedValue)
		for _, r := range m.Regions() {
			if err := flash.AddRegion(r); err != nil {
				return fmt.Errorf("identify %s: %w", m.Name, err)
			}
		}

		d.mu.Lock()
		d.model = m
		d.identity = id
		d.flash = flash
		d.mu.Unlock()

		glog.V(1).Infof("psoc4: identified %s, silicon id %s, %s",
			m.Name, FormatWord(id.SiliconID), id.Protection)
		model = m
		return nil
	})
	return model, err
}

// SiliconID reads the reassembled 32-bit silicon id.
func (d *Device) SiliconID(ctx context.Context) (uint32, error) {
	var id uint32
	err := d.withCoreRunning(ctx, func(ctx context.Context) error {
		res, err := d.srom.Invoke(ctx, srom.SiliconIDRequest())
		if err != nil {
			return fmt.Errorf("silicon id: %w", err)
		}
		id = identityOf(res).SiliconID
		return nil
	})
	return id, err
}

// Checksum returns the 28-bit checksum of all flash rows of the
// identified model.
func (d *Device) Checksum(ctx context.Context) (uint32, error) {
	m := d.Model()
	if m == nil {
		return 0, ErrNotIdentified
	}
	var sum uint32
	err := d.withCoreRunning(ctx, func(ctx context.Context) error {
		res, err := d.srom.Invoke(ctx, srom.ChecksumRequest(m.ChecksumRow))
		if err != nil {
			return fmt.Errorf("checksum: %w", err)
		}
		sum = res.Words[0]
		return nil
	})
	return sum, err
}

// MassErase erases all of flash. A protected chip is never erased: a
// protection clear of macro 0 is attempted and ErrProtected returned
// whatever its outcome.
func (d *Device) MassErase(ctx context.Context) error {
	return d.withCoreRunning(ctx, func(ctx context.Context) error {
		res, err := d.srom.Invoke(ctx, srom.SiliconIDRequest())
		if err != nil {
			return fmt.Errorf("mass erase: %w", err)
		}

		if prot := protectionOf(res.Words[1]); prot == Protected {
			glog.Warningf("psoc4: chip is protected, clearing write protection")
			if _, err := d.srom.Invoke(ctx, srom.WriteProtectionRequest(0)); err != nil {
				glog.Warningf("psoc4: clear write protection: %v", err)
			}
			return fmt.Errorf("mass erase: %w", ErrProtected)
		}

		glog.V(1).Infof("psoc4: erase all")
		if _, err := d.srom.Invoke(ctx, srom.EraseAllRequest()); err != nil {
			return fmt.Errorf("mass erase: %w", err)
		}
		return nil
	})
}
