package flasher

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/bigbag/psoc4-flasher/internal/image"
	"github.com/bigbag/psoc4-flasher/internal/target"
)

// ChecksumMask keeps the bits the device flash checksum reports.
const ChecksumMask = 0x0FFFFFFF

// ErrNoFlash is returned when no image data falls inside the target's
// flash regions.
var ErrNoFlash = errors.New("image has no data inside target flash")

// Session is an attached PSoC 4, driven natively or through a probe.
type Session interface {
	SiliconID(ctx context.Context) (uint32, error)
	MassErase(ctx context.Context) error
	Checksum(ctx context.Context) (uint32, error)
	Regions() []target.Region
	EraseFlash(ctx context.Context, addr, length uint32) error
	WriteFlash(ctx context.Context, addr uint32, data []byte) error
	Reset(ctx context.Context) error
}

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// ChecksumMismatchError reports a checksum that does not match the image.
type ChecksumMismatchError struct {
	// Source is "image" for the checksum record or "device" for the
	// checksum read back after programming.
	Source     string
	Calculated uint32
	Reported   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s checksum 0x%X does not match calculated 0x%X", e.Source, e.Reported, e.Calculated)
}

// ChipIDMismatchError reports an image built for a different silicon.
type ChipIDMismatchError struct {
	Image  uint16
	Device uint16
}

func (e *ChipIDMismatchError) Error() string {
	return fmt.Sprintf("image chip id 0x%04X does not match device 0x%04X", e.Image, e.Device)
}

// Flasher runs the production programming flow against a Session.
type Flasher struct {
	s        Session
	progress ProgressCallback
}

// New creates a new Flasher for the given session.
func New(s Session) *Flasher {
	return &Flasher{s: s}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// ChipID returns the device silicon id in the byte order of the image
// metadata record.
func ChipID(siliconID uint32) uint16 {
	id := uint16(siliconID)
	return id<<8 | id>>8
}

// CheckImage verifies the image's own checksum record.
func CheckImage(img *image.Image) error {
	if !img.HasChecksum() {
		glog.Warningf("flasher: image has no checksum record")
		return nil
	}
	if img.Sum&0xFFFF != img.FileChecksum&0xFFFF {
		return &ChecksumMismatchError{Source: "image", Calculated: img.Sum & 0xFFFF, Reported: img.FileChecksum}
	}
	return nil
}

// CheckChipID compares the image metadata with the attached device.
func (f *Flasher) CheckChipID(ctx context.Context, img *image.Image) error {
	if !img.HasChipID() {
		glog.Warningf("flasher: image has no chip id record")
		return nil
	}
	id, err := f.s.SiliconID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read silicon id: %w", err)
	}
	if ChipID(id) != img.ChipID {
		return &ChipIDMismatchError{Image: img.ChipID, Device: ChipID(id)}
	}
	return nil
}

// Plan returns the block-aligned writes that put img into the session's
// flash regions. Data outside every region is skipped.
func (f *Flasher) Plan(img *image.Image) []image.Segment {
	var writes []image.Segment
	for _, r := range f.s.Regions() {
		for _, seg := range img.Clip(r.Base, r.End()) {
			writes = appendAligned(writes, r, seg)
		}
	}
	return writes
}

// appendAligned pads seg out to whole blocks of r and merges it into
// the previous write when they share a block.
func appendAligned(writes []image.Segment, r target.Region, seg image.Segment) []image.Segment {
	lo := r.Base + (seg.Address-r.Base)/r.BlockSize*r.BlockSize
	hi := r.Base + (seg.End()-r.Base+r.BlockSize-1)/r.BlockSize*r.BlockSize

	if n := len(writes); n > 0 && writes[n-1].End() >= lo && r.Contains(writes[n-1].Address) {
		prev := &writes[n-1]
		if hi > prev.End() {
			prev.Data = append(prev.Data, make([]byte, hi-prev.End())...)
		}
		copy(prev.Data[seg.Address-prev.Address:], seg.Data)
		return writes
	}

	data := make([]byte, hi-lo)
	copy(data[seg.Address-lo:], seg.Data)
	return append(writes, image.Segment{Address: lo, Data: data})
}

// Write programs the planned blocks one at a time.
func (f *Flasher) Write(ctx context.Context, writes []image.Segment) error {
	regions := f.s.Regions()
	total := 0
	for _, w := range writes {
		r, _ := lookup(regions, w.Address)
		total += len(w.Data) / int(r.BlockSize)
	}

	done := 0
	for _, w := range writes {
		if err := f.s.EraseFlash(ctx, w.Address, uint32(len(w.Data))); err != nil {
			return fmt.Errorf("failed to erase 0x%08X+0x%X: %w", w.Address, len(w.Data), err)
		}
		r, _ := lookup(regions, w.Address)
		for off := uint32(0); off < uint32(len(w.Data)); off += r.BlockSize {
			addr := w.Address + off
			if err := f.s.WriteFlash(ctx, addr, w.Data[off:off+r.BlockSize]); err != nil {
				return fmt.Errorf("failed to write block at 0x%08X: %w", addr, err)
			}
			done++
			f.reportProgress(done, total)
		}
	}
	return nil
}

// Verify compares the device flash checksum with the image sum.
func (f *Flasher) Verify(ctx context.Context, img *image.Image) error {
	sum, err := f.s.Checksum(ctx)
	if err != nil {
		return fmt.Errorf("failed to read checksum: %w", err)
	}
	if sum&ChecksumMask != img.Sum&ChecksumMask {
		return &ChecksumMismatchError{Source: "device", Calculated: img.Sum & ChecksumMask, Reported: sum}
	}
	return nil
}

// Program checks the image against the device, erases it, writes every
// flash and protection block and optionally verifies the result.
func (f *Flasher) Program(ctx context.Context, img *image.Image, verify bool) error {
	if err := CheckImage(img); err != nil {
		return err
	}
	if err := f.CheckChipID(ctx, img); err != nil {
		return err
	}

	writes := f.Plan(img)
	if len(writes) == 0 {
		return ErrNoFlash
	}

	glog.V(1).Infof("flasher: mass erase")
	if err := f.s.MassErase(ctx); err != nil {
		return fmt.Errorf("mass erase failed: %w", err)
	}

	if err := f.Write(ctx, writes); err != nil {
		return err
	}

	if verify {
		glog.V(1).Infof("flasher: verify")
		if err := f.Verify(ctx, img); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
	}
	return nil
}

func lookup(regions []target.Region, addr uint32) (target.Region, bool) {
	for _, r := range regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return target.Region{}, false
}
