package gdbremote

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bigbag/psoc4-flasher/internal/rsp"
)

// fakeProbe decodes every packet written to it and queues the ack and
// the handler's replies for reading.
type fakeProbe struct {
	handler  func(req string) []string
	requests []string
	acks     int
	nackNext int
	out      []byte
	in       []byte
	noReply  bool
}

func (p *fakeProbe) Write(b []byte) (int, error) {
	p.in = append(p.in, b...)
	for {
		rest, acks, _ := rsp.Skip(p.in)
		p.acks += acks
		frame, remaining := rsp.ReadFrame(rest)
		if frame == nil {
			p.in = rest
			return len(b), nil
		}
		p.in = remaining
		if p.nackNext > 0 {
			p.nackNext--
			p.out = append(p.out, rsp.Nack)
			continue
		}
		data, err := rsp.Decode(frame)
		if err != nil {
			p.out = append(p.out, rsp.Nack)
			continue
		}
		p.requests = append(p.requests, string(data))
		p.out = append(p.out, rsp.Ack)
		if p.noReply {
			continue
		}
		for _, reply := range p.handler(string(data)) {
			p.out = append(p.out, rsp.Encode([]byte(reply))...)
		}
	}
}

func (p *fakeProbe) ReadWithTimeout(b []byte, timeout time.Duration) (int, error) {
	n := copy(b, p.out)
	p.out = p.out[n:]
	return n, nil
}

func consoleOut(s string) string {
	return "O" + hex.EncodeToString([]byte(s))
}

const memoryMapXML = `<?xml version="1.0"?>
<!DOCTYPE memory-map PUBLIC "+//IDN gnu.org//DTD GDB Memory Map V1.0//EN" "http://sourceware.org/gdb/gdb-memory-map.dtd">
<memory-map>
<memory type="ram" start="0x20000000" length="0x4000"/>
<memory type="flash" start="0x0" length="0x20000"><property name="blocksize">0x80</property></memory>
<memory type="flash" start="0x90400000" length="0x80"><property name="blocksize">0x40</property></memory>
</memory-map>`

func bmpHandler(req string) []string {
	switch {
	case strings.HasPrefix(req, "qRcmd,"):
		cmd, _ := hex.DecodeString(req[len("qRcmd,"):])
		switch string(cmd) {
		case "swdp_scan":
			return []string{consoleOut("Target voltage: 3.3V\n"), consoleOut(" 1      PSoC4 CYBLE-012011-00\n"), "OK"}
		case "siliconid":
			return []string{consoleOut("0x11e50011\n"), "OK"}
		case "checksum":
			return []string{consoleOut("0x00001234\n"), "OK"}
		case "erase_mass":
			return []string{"OK"}
		}
		return []string{""}
	case strings.HasPrefix(req, "vAttach;"):
		return []string{"T05"}
	case strings.HasPrefix(req, "qXfer:memory-map:read::0,"):
		return []string{"m" + memoryMapXML[:100]}
	case strings.HasPrefix(req, "qXfer:memory-map:read::"):
		return []string{"l" + memoryMapXML[100:]}
	case strings.HasPrefix(req, "vFlash"), req == "D":
		return []string{"OK"}
	}
	return []string{""}
}

func newTestClient(p *fakeProbe) *Client {
	return NewClient(p, 200*time.Millisecond)
}

func TestRequest_AcksReply(t *testing.T) {
	p := &fakeProbe{handler: func(string) []string { return []string{"OK"} }}
	c := newTestClient(p)

	reply, err := c.Request(context.Background(), []byte("vFlashDone"))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if string(reply) != "OK" {
		t.Errorf("Request() = %q, want OK", reply)
	}
	if p.acks != 1 {
		t.Errorf("acks sent = %d, want 1", p.acks)
	}
}

func TestRequest_ResendsOnNack(t *testing.T) {
	p := &fakeProbe{handler: func(string) []string { return []string{"OK"} }, nackNext: 1}
	c := newTestClient(p)

	if _, err := c.Request(context.Background(), []byte("D")); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if len(p.requests) != 1 {
		t.Errorf("requests accepted = %d, want 1", len(p.requests))
	}
}

func TestRequest_Timeout(t *testing.T) {
	p := &fakeProbe{handler: func(string) []string { return nil }}
	c := newTestClient(p)

	if _, err := c.Request(context.Background(), []byte("D")); !errors.Is(err, ErrTimeout) {
		t.Errorf("Request() error = %v, want ErrTimeout", err)
	}
}

func TestRequest_Cancelled(t *testing.T) {
	p := &fakeProbe{handler: func(string) []string { return nil }}
	c := NewClient(p, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Request(ctx, []byte("D")); !errors.Is(err, context.Canceled) {
		t.Errorf("Request() error = %v, want context.Canceled", err)
	}
}

func TestMonitor_CollectsOutput(t *testing.T) {
	p := &fakeProbe{handler: bmpHandler}
	c := newTestClient(p)

	out, err := c.Monitor(context.Background(), "swdp_scan")
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if !strings.Contains(out, "Target voltage") || !strings.Contains(out, "CYBLE-012011-00") {
		t.Errorf("Monitor() = %q, want both output lines", out)
	}
	if p.requests[0] != "qRcmd,"+hex.EncodeToString([]byte("swdp_scan")) {
		t.Errorf("request = %q", p.requests[0])
	}
}

func TestMonitor_Error(t *testing.T) {
	p := &fakeProbe{handler: func(string) []string {
		return []string{consoleOut("Chip is protected\n"), "E02"}
	}}
	c := newTestClient(p)

	_, err := c.Monitor(context.Background(), "erase_mass")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Monitor() error = %v, want *RemoteError", err)
	}
	if re.Reply != "E02" || !strings.Contains(re.Error(), "Chip is protected") {
		t.Errorf("RemoteError = %v", re)
	}
}

func TestMonitor_Unsupported(t *testing.T) {
	p := &fakeProbe{handler: bmpHandler}
	c := newTestClient(p)

	if _, err := c.Monitor(context.Background(), "bogus"); err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Errorf("Monitor() error = %v, want not supported", err)
	}
}

func TestAttach_Refused(t *testing.T) {
	p := &fakeProbe{handler: func(string) []string { return []string{"E01"} }}
	c := newTestClient(p)

	if err := c.Attach(context.Background(), 1); err == nil {
		t.Error("Attach() expected error, got nil")
	}
	if p.requests[0] != "vAttach;1" {
		t.Errorf("request = %q, want vAttach;1", p.requests[0])
	}
}

func TestFlashWrite_Chunks(t *testing.T) {
	p := &fakeProbe{handler: bmpHandler}
	c := newTestClient(p)

	data := bytes.Repeat([]byte{'#', 0x01}, 300)
	if err := c.FlashWrite(context.Background(), 0x100, data); err != nil {
		t.Fatalf("FlashWrite() error = %v", err)
	}
	if len(p.requests) != 3 {
		t.Fatalf("packets = %d, want 3", len(p.requests))
	}
	if !strings.HasPrefix(p.requests[1], "vFlashWrite:00000200:") {
		t.Errorf("second packet = %q, want address 0x200", p.requests[1][:24])
	}
	var got []byte
	for _, r := range p.requests {
		got = append(got, r[strings.LastIndex(r[:21], ":")+1:]...)
	}
	if !bytes.Equal(got, data) {
		t.Error("written data does not match input")
	}
}

func TestReset_NoReply(t *testing.T) {
	p := &fakeProbe{noReply: true}
	c := newTestClient(p)

	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if p.requests[0] != "R00" {
		t.Errorf("request = %q, want R00", p.requests[0])
	}
}

func TestParseMemoryMap(t *testing.T) {
	regions, err := parseMemoryMap([]byte(memoryMapXML))
	if err != nil {
		t.Fatalf("parseMemoryMap() error = %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("regions = %d, want 2 flash regions", len(regions))
	}
	if regions[0].Length != 0x20000 || regions[0].BlockSize != 0x80 {
		t.Errorf("flash = %+v", regions[0])
	}
	if regions[1].Base != 0x90400000 || regions[1].BlockSize != 0x40 {
		t.Errorf("protection = %+v", regions[1])
	}
}

func TestParseMemoryMap_NoBlocksize(t *testing.T) {
	doc := `<memory-map><memory type="flash" start="0x0" length="0x100"/></memory-map>`
	if _, err := parseMemoryMap([]byte(doc)); err == nil {
		t.Error("parseMemoryMap() expected error, got nil")
	}
}

func TestTarget(t *testing.T) {
	p := &fakeProbe{handler: bmpHandler}
	c := newTestClient(p)
	ctx := context.Background()

	tgt, err := Attach(ctx, c, 1)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if len(tgt.Regions()) != 2 {
		t.Errorf("Regions() = %d, want 2", len(tgt.Regions()))
	}
	if !strings.Contains(tgt.Scan(), "PSoC4") {
		t.Errorf("Scan() = %q", tgt.Scan())
	}

	id, err := tgt.SiliconID(ctx)
	if err != nil || id != 0x11E50011 {
		t.Errorf("SiliconID() = 0x%08X, %v, want 0x11E50011", id, err)
	}
	sum, err := tgt.Checksum(ctx)
	if err != nil || sum != 0x1234 {
		t.Errorf("Checksum() = 0x%08X, %v, want 0x1234", sum, err)
	}
	if err := tgt.MassErase(ctx); err != nil {
		t.Errorf("MassErase() error = %v", err)
	}

	p.requests = nil
	if err := tgt.EraseFlash(ctx, 0x80, 0x100); err != nil {
		t.Errorf("EraseFlash() error = %v", err)
	}
	if err := tgt.EraseFlash(ctx, 0x100, 0xFFFFFFF0); err == nil {
		t.Error("EraseFlash() with wrapping length expected error, got nil")
	}
	if err := tgt.EraseFlash(ctx, 0x10000000, 0x80); err == nil {
		t.Error("EraseFlash() outside regions expected error, got nil")
	}
	if len(p.requests) != 0 {
		t.Errorf("EraseFlash() sent %q, want nothing", p.requests)
	}

	if err := tgt.WriteFlash(ctx, 0x80, make([]byte, 0x80)); err != nil {
		t.Fatalf("WriteFlash() error = %v", err)
	}
	if len(p.requests) != 3 || p.requests[0] != "vFlashErase:00000080,00000080" || p.requests[2] != "vFlashDone" {
		t.Errorf("requests = %q", p.requests)
	}
	if err := tgt.Detach(ctx); err != nil {
		t.Errorf("Detach() error = %v", err)
	}
}

func TestTarget_MassEraseProtected(t *testing.T) {
	p := &fakeProbe{handler: func(req string) []string {
		return []string{consoleOut("Chip is protected\n"), "OK"}
	}}
	tgt := &Target{c: newTestClient(p)}
	if err := tgt.MassErase(context.Background()); err == nil {
		t.Error("MassErase() expected error on protected chip, got nil")
	}
}
