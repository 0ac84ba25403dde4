package target

import (
	"context"
	"fmt"
	"sort"
)

// WriteStrategy selects how a region's blocks are committed.
type WriteStrategy int

const (
	// Normal regions hold user flash rows.
	Normal WriteStrategy = iota
	// Protected regions hold the write-protection bitmap.
	Protected
)

func (s WriteStrategy) String() string {
	switch s {
	case Normal:
		return "normal"
	case Protected:
		return "protected"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Region describes one programmable memory range.
type Region struct {
	Base      uint32
	Length    uint32
	BlockSize uint32
	Strategy  WriteStrategy
}

// End returns the first address past the region.
func (r Region) End() uint32 {
	return r.Base + r.Length
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint32) bool {
	return addr >= r.Base && addr-r.Base < r.Length
}

// ContainsRange reports whether length bytes from addr fit inside the
// region.
func (r Region) ContainsRange(addr uint32, length uint64) bool {
	return r.Contains(addr) && uint64(addr-r.Base)+length <= uint64(r.Length)
}

// BlockWriter commits exactly one aligned block of a region.
type BlockWriter interface {
	WriteBlock(ctx context.Context, r Region, addr uint32, data []byte) error
}

// ProgressCallback is called after every committed block.
type ProgressCallback func(current, total int)

// Flash owns the regions of a target and splits writes into blocks.
type Flash struct {
	regions  []Region
	writer   BlockWriter
	erased   byte
	progress ProgressCallback
}

// NewFlash creates an empty flash map committing blocks through w.
// Partial blocks are padded with erased.
func NewFlash(w BlockWriter, erased byte) *Flash {
	return &Flash{writer: w, erased: erased}
}

// AddRegion registers a region. Regions must not overlap.
func (f *Flash) AddRegion(r Region) error {
	if r.BlockSize == 0 || r.Length%r.BlockSize != 0 {
		return fmt.Errorf("region at 0x%08x: length 0x%x is not a multiple of block size 0x%x",
			r.Base, r.Length, r.BlockSize)
	}
	for _, o := range f.regions {
		if r.Base < o.End() && o.Base < r.End() {
			return fmt.Errorf("region at 0x%08x overlaps region at 0x%08x", r.Base, o.Base)
		}
	}
	f.regions = append(f.regions, r)
	sort.Slice(f.regions, func(i, j int) bool { return f.regions[i].Base < f.regions[j].Base })
	return nil
}

// Regions returns the registered regions ordered by base address.
func (f *Flash) Regions() []Region {
	out := make([]Region, len(f.regions))
	copy(out, f.regions)
	return out
}

// Lookup returns the region containing addr.
func (f *Flash) Lookup(addr uint32) (Region, bool) {
	for _, r := range f.regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// SetProgressCallback sets the progress callback function.
func (f *Flash) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

func (f *Flash) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Erase validates the range. Rows are rewritten whole by the block
// writer, so nothing is erased ahead of a write.
func (f *Flash) Erase(ctx context.Context, addr uint32, length uint32) error {
	if length == 0 {
		return nil
	}
	r, ok := f.Lookup(addr)
	if !ok {
		return fmt.Errorf("erase 0x%08x: no flash region", addr)
	}
	if !r.ContainsRange(addr, uint64(length)) {
		return fmt.Errorf("erase 0x%08x+0x%x: crosses end of region at 0x%08x", addr, length, r.End())
	}
	return nil
}

// Blocks returns how many blocks a write of length bytes at addr touches.
func (f *Flash) Blocks(addr uint32, length int) (int, error) {
	r, ok := f.Lookup(addr)
	if !ok {
		return 0, fmt.Errorf("write 0x%08x: no flash region", addr)
	}
	first := (addr - r.Base) / r.BlockSize
	last := (addr - r.Base + uint32(length) + r.BlockSize - 1) / r.BlockSize
	return int(last - first), nil
}

// Write programs data at addr. The range must lie inside one region;
// unaligned edges are padded with the erased value.
func (f *Flash) Write(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	r, ok := f.Lookup(addr)
	if !ok {
		return fmt.Errorf("write 0x%08x: no flash region", addr)
	}
	if !r.ContainsRange(addr, uint64(len(data))) {
		return fmt.Errorf("write 0x%08x+0x%x: crosses end of region at 0x%08x", addr, len(data), r.End())
	}

	total, _ := f.Blocks(addr, len(data))
	block := make([]byte, r.BlockSize)
	blockAddr := r.Base + (addr-r.Base)/r.BlockSize*r.BlockSize
	end := addr + uint32(len(data))

	for n := 0; blockAddr < end; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range block {
			block[i] = f.erased
		}
		lo := maxU32(blockAddr, addr)
		hi := minU32(blockAddr+r.BlockSize, end)
		copy(block[lo-blockAddr:hi-blockAddr], data[lo-addr:hi-addr])

		if err := f.writer.WriteBlock(ctx, r, blockAddr, block); err != nil {
			return err
		}
		f.reportProgress(n+1, total)
		blockAddr += r.BlockSize
	}
	return nil
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
