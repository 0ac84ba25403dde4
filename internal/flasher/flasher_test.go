package flasher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bigbag/psoc4-flasher/internal/image"
	"github.com/bigbag/psoc4-flasher/internal/target"
)

type write struct {
	addr uint32
	data []byte
}

type fakeSession struct {
	siliconID uint32
	checksum  uint32
	regions   []target.Region
	eraseErr  error
	rangeErr  error
	writeErr  error
	erased    bool
	writes    []write
	calls     []string
}

func (s *fakeSession) SiliconID(ctx context.Context) (uint32, error) {
	s.calls = append(s.calls, "siliconid")
	return s.siliconID, nil
}

func (s *fakeSession) MassErase(ctx context.Context) error {
	s.calls = append(s.calls, "erase")
	s.erased = s.eraseErr == nil
	return s.eraseErr
}

func (s *fakeSession) Checksum(ctx context.Context) (uint32, error) {
	s.calls = append(s.calls, "checksum")
	return s.checksum, nil
}

func (s *fakeSession) Regions() []target.Region {
	return s.regions
}

func (s *fakeSession) EraseFlash(ctx context.Context, addr, length uint32) error {
	s.calls = append(s.calls, "erase-flash")
	return s.rangeErr
}

func (s *fakeSession) WriteFlash(ctx context.Context, addr uint32, data []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.calls = append(s.calls, "write")
	s.writes = append(s.writes, write{addr, append([]byte(nil), data...)})
	return nil
}

func (s *fakeSession) Reset(ctx context.Context) error {
	s.calls = append(s.calls, "reset")
	return nil
}

var testRegions = []target.Region{
	{Base: 0, Length: 0x8000, BlockSize: 0x80, Strategy: target.Normal},
	{Base: image.ProtectionAddress, Length: 0x40, BlockSize: 0x40, Strategy: target.Protected},
}

// testImage is 0x90 bytes of flash at 0x70, a protection byte and the
// checksum and metadata records for silicon id 0x04C81193.
func testImage() *image.Image {
	flash := bytes.Repeat([]byte{0x01}, 0x90)
	return testImageWith(flash, 0x90, 0x9311)
}

func testImageWith(flash []byte, checksum uint32, chipID uint16) *image.Image {
	img, err := image.Parse(bytes.NewReader(hexFile(flash, checksum, chipID)))
	if err != nil {
		panic(err)
	}
	return img
}

func newSession() *fakeSession {
	return &fakeSession{siliconID: 0x04C81193, checksum: 0x90, regions: testRegions}
}

func TestChipID(t *testing.T) {
	if got := ChipID(0x04C81193); got != 0x9311 {
		t.Errorf("ChipID() = 0x%04X, want 0x9311", got)
	}
}

func TestProgram(t *testing.T) {
	s := newSession()
	f := New(s)

	var last, total int
	f.SetProgressCallback(func(c, t int) { last, total = c, t })

	if err := f.Program(context.Background(), testImage(), true); err != nil {
		t.Fatalf("Program() error = %v", err)
	}

	want := []string{"siliconid", "erase", "erase-flash", "write", "write", "erase-flash", "write", "checksum"}
	if len(s.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", s.calls, want)
	}
	for i := range want {
		if s.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, s.calls[i], want[i])
		}
	}

	if s.writes[0].addr != 0x00 || s.writes[1].addr != 0x80 || s.writes[2].addr != image.ProtectionAddress {
		t.Errorf("write addresses = 0x%X 0x%X 0x%X", s.writes[0].addr, s.writes[1].addr, s.writes[2].addr)
	}
	first := s.writes[0].data
	if len(first) != 0x80 || first[0x6F] != 0x00 || first[0x70] != 0x01 {
		t.Error("first row not padded with zeros before the image data")
	}
	second := s.writes[1].data
	if second[0x7F] != 0x01 || len(second) != 0x80 {
		t.Error("second row does not carry image data")
	}
	if len(s.writes[2].data) != 0x40 || s.writes[2].data[0] != 0x01 {
		t.Error("protection block not written")
	}
	if last != 3 || total != 3 {
		t.Errorf("progress = %d/%d, want 3/3", last, total)
	}
}

func TestProgram_ImageChecksumMismatch(t *testing.T) {
	s := newSession()
	img := testImageWith(bytes.Repeat([]byte{0x01}, 0x90), 0x91, 0x9311)

	err := New(s).Program(context.Background(), img, true)
	var ce *ChecksumMismatchError
	if !errors.As(err, &ce) || ce.Source != "image" {
		t.Fatalf("Program() error = %v, want image checksum mismatch", err)
	}
	if len(s.calls) != 0 {
		t.Errorf("device touched before image check: %v", s.calls)
	}
}

func TestProgram_ChipIDMismatch(t *testing.T) {
	s := newSession()
	s.siliconID = 0x04C81194

	err := New(s).Program(context.Background(), testImage(), true)
	var ce *ChipIDMismatchError
	if !errors.As(err, &ce) {
		t.Fatalf("Program() error = %v, want *ChipIDMismatchError", err)
	}
	if ce.Device != 0x9411 || ce.Image != 0x9311 {
		t.Errorf("mismatch = %+v", ce)
	}
	if s.erased {
		t.Error("device erased despite chip id mismatch")
	}
}

func TestProgram_EraseFails(t *testing.T) {
	s := newSession()
	s.eraseErr = errors.New("protected")

	err := New(s).Program(context.Background(), testImage(), true)
	if !errors.Is(err, s.eraseErr) {
		t.Fatalf("Program() error = %v, want erase error", err)
	}
	if len(s.writes) != 0 {
		t.Error("writes issued after failed erase")
	}
}

func TestProgram_WriteFails(t *testing.T) {
	s := newSession()
	s.writeErr = errors.New("link lost")

	if err := New(s).Program(context.Background(), testImage(), true); !errors.Is(err, s.writeErr) {
		t.Fatalf("Program() error = %v, want write error", err)
	}
}

func TestProgram_RangeEraseFails(t *testing.T) {
	s := newSession()
	s.rangeErr = errors.New("crosses end of region")

	if err := New(s).Program(context.Background(), testImage(), true); !errors.Is(err, s.rangeErr) {
		t.Fatalf("Program() error = %v, want range erase error", err)
	}
	if len(s.writes) != 0 {
		t.Error("writes issued after failed range erase")
	}
}

func TestProgram_DeviceChecksumMismatch(t *testing.T) {
	s := newSession()
	s.checksum = 0x91

	err := New(s).Program(context.Background(), testImage(), true)
	var ce *ChecksumMismatchError
	if !errors.As(err, &ce) || ce.Source != "device" {
		t.Fatalf("Program() error = %v, want device checksum mismatch", err)
	}
}

func TestProgram_DeviceChecksumMasked(t *testing.T) {
	s := newSession()
	s.checksum = 0xF0000090

	if err := New(s).Program(context.Background(), testImage(), true); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
}

func TestProgram_NoVerify(t *testing.T) {
	s := newSession()
	s.checksum = 0

	if err := New(s).Program(context.Background(), testImage(), false); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	for _, c := range s.calls {
		if c == "checksum" {
			t.Error("checksum read without verify")
		}
	}
}

func TestProgram_NoFlashData(t *testing.T) {
	s := newSession()
	s.regions = []target.Region{{Base: 0x10000000, Length: 0x100, BlockSize: 0x80}}

	if err := New(s).Program(context.Background(), testImage(), true); !errors.Is(err, ErrNoFlash) {
		t.Fatalf("Program() error = %v, want ErrNoFlash", err)
	}
}

func TestPlan_MergesSharedBlocks(t *testing.T) {
	s := newSession()
	img := &image.Image{Segments: []image.Segment{
		{Address: 0x10, Data: []byte{1, 2}},
		{Address: 0x40, Data: []byte{3}},
		{Address: 0x100, Data: []byte{4}},
	}}

	writes := New(s).Plan(img)
	if len(writes) != 2 {
		t.Fatalf("Plan() = %d writes, want 2", len(writes))
	}
	if writes[0].Address != 0 || len(writes[0].Data) != 0x80 {
		t.Errorf("first write = 0x%X+0x%X, want 0x0+0x80", writes[0].Address, len(writes[0].Data))
	}
	if writes[0].Data[0x10] != 1 || writes[0].Data[0x11] != 2 || writes[0].Data[0x40] != 3 {
		t.Error("merged block lost data")
	}
	if writes[1].Address != 0x100 || writes[1].Data[0] != 4 {
		t.Errorf("second write = 0x%X", writes[1].Address)
	}
}

func TestCheckImage_NoRecord(t *testing.T) {
	img := &image.Image{Segments: []image.Segment{{Address: 0, Data: []byte{1}}}, Sum: 1}
	if err := CheckImage(img); err != nil {
		t.Errorf("CheckImage() error = %v, want nil without a checksum record", err)
	}
}

// hexFile renders an Intel HEX image with flash data at 0x70, one
// protection byte and the checksum and metadata records.
func hexFile(flash []byte, checksum uint32, chipID uint16) []byte {
	var b bytes.Buffer
	record := func(typ byte, addr uint16, data []byte) {
		rec := append([]byte{byte(len(data)), byte(addr >> 8), byte(addr), typ}, data...)
		var sum byte
		for _, c := range rec {
			sum += c
		}
		rec = append(rec, -sum)
		fmt.Fprintf(&b, ":%X\n", rec)
	}
	upper := func(addr uint32) {
		record(4, 0, []byte{byte(addr >> 24), byte(addr >> 16)})
	}

	upper(0)
	for off := 0; off < len(flash); off += 16 {
		record(0, uint16(0x70+off), flash[off:min(off+16, len(flash))])
	}
	upper(image.ChecksumAddress)
	record(0, 0, []byte{byte(checksum >> 8), byte(checksum)})
	upper(image.ProtectionAddress)
	record(0, 0, []byte{0x01})
	upper(image.MetadataAddress)
	record(0, 0, []byte{0x00, 0x01, byte(chipID >> 8), byte(chipID), 0, 0, 0, 0, 0, 0, 0, 0})
	record(1, 0, nil)
	return b.Bytes()
}
