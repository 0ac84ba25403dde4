// Package image loads PSoC 4 programming images from Intel HEX files.
package image

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/marcinbor85/gohex"
)

// Addresses of the records PSoC Creator appends after the flash image.
const (
	ChecksumAddress   = 0x90300000
	ProtectionAddress = 0x90400000
	MetadataAddress   = 0x90500000
)

// Segment is a contiguous run of image data.
type Segment struct {
	Address uint32
	Data    []byte
}

// End returns the first address past the segment.
func (s Segment) End() uint32 {
	return s.Address + uint32(len(s.Data))
}

// Image is a parsed programming image.
type Image struct {
	// Segments holds every data segment in address order, including the
	// checksum and metadata records.
	Segments     []Segment
	// Sum is the byte sum of all data below ChecksumAddress.
	Sum          uint32
	// FileChecksum is the big-endian checksum record, zero if absent.
	FileChecksum uint32
	// ChipID is the silicon id from the metadata record, zero if absent.
	ChipID       uint16

	hasChecksum bool
	hasChipID   bool
}

// Load reads an image from a file.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads an image in Intel HEX format.
func Parse(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("failed to parse hex: %w", err)
	}

	img := &Image{}
	for _, seg := range mem.GetDataSegments() {
		s := Segment{Address: seg.Address, Data: seg.Data}
		img.Segments = append(img.Segments, s)
		img.Sum += sumBelow(s, ChecksumAddress)

		if c, ok := record(s, ChecksumAddress); ok && len(c) > 0 {
			img.FileChecksum = bigEndian(c)
			img.hasChecksum = true
		}
		if m, ok := record(s, MetadataAddress); ok && len(m) >= 4 {
			img.ChipID = binary.BigEndian.Uint16(m[2:4])
			img.hasChipID = true
		}
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("image has no data")
	}
	return img, nil
}

// HasChecksum reports whether the image carries a checksum record.
func (img *Image) HasChecksum() bool {
	return img.hasChecksum
}

// HasChipID reports whether the image carries a metadata record.
func (img *Image) HasChipID() bool {
	return img.hasChipID
}

// Size returns the number of data bytes in the image.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}

// Clip returns the part of every segment inside [base, end).
func (img *Image) Clip(base, end uint32) []Segment {
	var out []Segment
	for _, s := range img.Segments {
		lo := max(s.Address, base)
		hi := min(s.End(), end)
		if lo >= hi {
			continue
		}
		out = append(out, Segment{Address: lo, Data: s.Data[lo-s.Address : hi-s.Address]})
	}
	return out
}

func sumBelow(s Segment, limit uint32) uint32 {
	var sum uint32
	for i, b := range s.Data {
		if s.Address+uint32(i) >= limit {
			break
		}
		sum += uint32(b)
	}
	return sum
}

// record returns the data starting at addr if s begins there. gohex
// merges adjacent records, so a record is only recognised at the start
// of a segment.
func record(s Segment, addr uint32) ([]byte, bool) {
	if s.Address != addr {
		return nil, false
	}
	return s.Data, true
}

func bigEndian(b []byte) uint32 {
	var v uint32
	for _, c := range b[:min(len(b), 4)] {
		v = v<<8 | uint32(c)
	}
	return v
}
