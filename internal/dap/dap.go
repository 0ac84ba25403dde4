// Package dap is a CMSIS-DAP v1 client over a HID report pipe.
package dap

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// CMSIS-DAP command ids
const (
	CmdInfo              = 0x00
	CmdHostStatus        = 0x01
	CmdConnect           = 0x02
	CmdDisconnect        = 0x03
	CmdTransferConfigure = 0x04
	CmdTransfer          = 0x05
	CmdSWJClock          = 0x11
	CmdSWJSequence       = 0x12
	CmdSWDConfigure      = 0x13
)

// Info ids
const (
	InfoVendor       = 0x01
	InfoProduct      = 0x02
	InfoSerial       = 0x03
	InfoFirmware     = 0x04
	InfoPacketSize   = 0xFF
	InfoPacketCount  = 0xFE
	InfoCapabilities = 0xF0
)

// ConnectModeSWD selects the SWD wire protocol.
const ConnectModeSWD = 1

const (
	statusOK    = 0x00
	statusError = 0xFF
)

// DefaultPacketSize is the report size of full-speed HID probes.
const DefaultPacketSize = 64

// DefaultTimeout bounds one command round trip.
const DefaultTimeout = 2 * time.Second

// Device is a HID report pipe. *hid.Device implements it.
type Device interface {
	Write(p []byte) (int, error)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// Config holds client configuration.
type Config struct {
	PacketSize int
	Timeout    time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Config)

// WithPacketSize overrides the HID report size.
func WithPacketSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.PacketSize = n
		}
	}
}

// WithTimeout sets the round trip timeout of one command.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// Client talks CMSIS-DAP to one probe. It is not safe for concurrent use.
type Client struct {
	dev    Device
	config Config
	buf    []byte
}

// NewClient wraps an open HID device.
func NewClient(dev Device, opts ...Option) *Client {
	cfg := Config{PacketSize: DefaultPacketSize, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{dev: dev, config: cfg, buf: make([]byte, cfg.PacketSize+1)}
}

// Close closes the underlying device.
func (c *Client) Close() error {
	return c.dev.Close()
}

// PacketSize returns the report size in use.
func (c *Client) PacketSize() int {
	return c.config.PacketSize
}

// command sends one request and returns the response with the echoed
// command byte stripped.
func (c *Client) command(ctx context.Context, req []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req) > c.config.PacketSize {
		return nil, errors.Errorf("dap: command 0x%02x is %d bytes, packet is %d", req[0], len(req), c.config.PacketSize)
	}

	// report id 0 followed by the zero padded request
	out := c.buf[:c.config.PacketSize+1]
	for i := range out {
		out[i] = 0
	}
	copy(out[1:], req)
	if _, err := c.dev.Write(out); err != nil {
		return nil, errors.Wrapf(err, "dap: write command 0x%02x", req[0])
	}

	in := make([]byte, c.config.PacketSize)
	n, err := c.dev.ReadWithTimeout(in, c.config.Timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dap: read response 0x%02x", req[0])
	}
	if n == 0 {
		return nil, errors.Errorf("dap: no response to command 0x%02x", req[0])
	}
	if in[0] != req[0] {
		return nil, errors.Errorf("dap: response 0x%02x to command 0x%02x", in[0], req[0])
	}
	glog.V(3).Infof("dap: % x -> % x", req, in[:n])
	return in[1:n], nil
}

func (c *Client) simple(ctx context.Context, name string, req []byte) error {
	resp, err := c.command(ctx, req)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != statusOK {
		return errors.Errorf("dap: %s failed", name)
	}
	return nil
}

// Info returns a string info item.
func (c *Client) Info(ctx context.Context, id byte) (string, error) {
	resp, err := c.command(ctx, []byte{CmdInfo, id})
	if err != nil {
		return "", err
	}
	if len(resp) < 1 || int(resp[0]) > len(resp)-1 {
		return "", errors.Errorf("dap: bad info response for 0x%02x", id)
	}
	s := resp[1 : 1+resp[0]]
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

// InfoPacket returns the probe's packet size.
func (c *Client) InfoPacket(ctx context.Context) (int, error) {
	resp, err := c.command(ctx, []byte{CmdInfo, InfoPacketSize})
	if err != nil {
		return 0, err
	}
	if len(resp) < 3 || resp[0] != 2 {
		return 0, errors.New("dap: bad packet size response")
	}
	return int(binary.LittleEndian.Uint16(resp[1:3])), nil
}

// Connect selects the wire protocol and returns the one the probe chose.
func (c *Client) Connect(ctx context.Context, mode byte) error {
	resp, err := c.command(ctx, []byte{CmdConnect, mode})
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != mode {
		return errors.Errorf("dap: connect mode %d refused", mode)
	}
	return nil
}

// Disconnect releases the debug wires.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.simple(ctx, "disconnect", []byte{CmdDisconnect})
}

// HostStatus drives the probe's connect or running LED.
func (c *Client) HostStatus(ctx context.Context, typ byte, on bool) error {
	v := byte(0)
	if on {
		v = 1
	}
	return c.simple(ctx, "host status", []byte{CmdHostStatus, typ, v})
}

// SWJClock sets the wire clock in Hz.
func (c *Client) SWJClock(ctx context.Context, hz uint32) error {
	req := []byte{CmdSWJClock, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(req[1:], hz)
	return c.simple(ctx, "swj clock", req)
}

// SWJSequence clocks out bits LSB first. A count of 256 is sent as 0.
func (c *Client) SWJSequence(ctx context.Context, bits int, data []byte) error {
	if bits <= 0 || bits > 256 || len(data) < (bits+7)/8 {
		return errors.Errorf("dap: bad swj sequence of %d bits", bits)
	}
	req := append([]byte{CmdSWJSequence, byte(bits)}, data[:(bits+7)/8]...)
	return c.simple(ctx, "swj sequence", req)
}

// SWDConfigure sets turnaround and data phase.
func (c *Client) SWDConfigure(ctx context.Context, cfg byte) error {
	return c.simple(ctx, "swd configure", []byte{CmdSWDConfigure, cfg})
}

// TransferConfigure sets idle cycles and WAIT and match retries.
func (c *Client) TransferConfigure(ctx context.Context, idle byte, waitRetry, matchRetry uint16) error {
	req := []byte{CmdTransferConfigure, idle, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(req[2:], waitRetry)
	binary.LittleEndian.PutUint16(req[4:], matchRetry)
	return c.simple(ctx, "transfer configure", req)
}

var (
	lineReset = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	jtagToSWD = []byte{0x9E, 0xE7}
)

// SWDInit connects in SWD mode and switches the target's debug port
// from JTAG to SWD. The next transfer must read DPIDR.
func (c *Client) SWDInit(ctx context.Context, clockHz uint32) error {
	if err := c.Connect(ctx, ConnectModeSWD); err != nil {
		return err
	}
	if err := c.SWJClock(ctx, clockHz); err != nil {
		return err
	}
	if err := c.SWDConfigure(ctx, 0); err != nil {
		return err
	}
	if err := c.TransferConfigure(ctx, 0, 100, 100); err != nil {
		return err
	}

	seq := [][]byte{lineReset, jtagToSWD, lineReset, {0x00}}
	bits := []int{51, 16, 51, 8}
	for i := range seq {
		if err := c.SWJSequence(ctx, bits[i], seq[i]); err != nil {
			return errors.Wrap(err, "dap: swd switch sequence")
		}
	}
	return nil
}
