// Package gdbremote is a GDB remote protocol client for debug probes
// that run the target driver themselves, such as the Black Magic Probe.
package gdbremote

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/bigbag/psoc4-flasher/internal/rsp"
)

// DefaultTimeout bounds the wait for each reply packet.
const DefaultTimeout = 3 * time.Second

// DefaultWriteChunk keeps escaped vFlashWrite packets inside the
// probe's packet buffer.
const DefaultWriteChunk = 256

const (
	readSlice  = 50 * time.Millisecond
	maxResends = 3
)

// ErrTimeout is returned when the probe stays silent past the deadline.
var ErrTimeout = errors.New("gdbremote: timeout waiting for probe")

// Conn is a byte pipe to the probe. *serial.Port implements it.
type Conn interface {
	Write(p []byte) (int, error)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
}

// RemoteError is an error reply from the probe.
type RemoteError struct {
	Request string
	Reply   string
	Output  string
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("gdbremote: %s: probe replied %q", e.Request, e.Reply)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Client speaks the GDB remote protocol with acknowledgements. It is
// not safe for concurrent use.
type Client struct {
	conn       Conn
	timeout    time.Duration
	writeChunk int
	pending    []byte
	buf        []byte
}

// NewClient creates a Client. A zero timeout selects DefaultTimeout.
func NewClient(conn Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		conn:       conn,
		timeout:    timeout,
		writeChunk: DefaultWriteChunk,
		buf:        make([]byte, 1024),
	}
}

func (c *Client) readMore(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !time.Now().Before(deadline) {
		return ErrTimeout
	}
	n, err := c.conn.ReadWithTimeout(c.buf, readSlice)
	if err != nil {
		return errors.Wrap(err, "gdbremote: read")
	}
	c.pending = append(c.pending, c.buf[:n]...)
	return nil
}

// send writes one packet and waits for the probe's ack, resending on
// a nack.
func (c *Client) send(ctx context.Context, payload []byte) error {
	frame := rsp.Encode(payload)
	glog.V(2).Infof("gdbremote: -> %q", truncate(payload))

	for attempt := 0; attempt < maxResends; attempt++ {
		if _, err := c.conn.Write(frame); err != nil {
			return errors.Wrap(err, "gdbremote: write")
		}

		deadline := time.Now().Add(c.timeout)
		for {
			rest, acks, nacks := rsp.Skip(c.pending)
			c.pending = rest
			if acks > 0 {
				return nil
			}
			if nacks > 0 {
				break
			}
			// a stub in no-ack mode answers straight away
			if len(rest) > 0 && rest[0] == rsp.Start {
				return nil
			}
			if len(rest) > 0 {
				c.pending = rest[1:]
				continue
			}
			if err := c.readMore(ctx, deadline); err != nil {
				return err
			}
		}
	}
	return errors.Errorf("gdbremote: packet rejected %d times", maxResends)
}

// recv reads one packet, acking it, and returns the decoded payload.
func (c *Client) recv(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	for {
		frame, rest := rsp.ReadFrame(c.pending)
		if frame != nil {
			c.pending = rest
			data, err := rsp.Decode(frame)
			if err != nil {
				glog.V(1).Infof("gdbremote: bad packet: %v", err)
				if _, err := c.conn.Write([]byte{rsp.Nack}); err != nil {
					return nil, errors.Wrap(err, "gdbremote: write")
				}
				continue
			}
			if _, err := c.conn.Write([]byte{rsp.Ack}); err != nil {
				return nil, errors.Wrap(err, "gdbremote: write")
			}
			glog.V(2).Infof("gdbremote: <- %q", truncate(data))
			return data, nil
		}
		c.pending = rest
		if err := c.readMore(ctx, deadline); err != nil {
			return nil, err
		}
	}
}

// Request sends a packet and returns the reply.
func (c *Client) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if err := c.send(ctx, payload); err != nil {
		return nil, err
	}
	return c.recv(ctx)
}

func (c *Client) expectOK(ctx context.Context, payload []byte) error {
	reply, err := c.Request(ctx, payload)
	if err != nil {
		return err
	}
	if string(reply) != "OK" {
		return &RemoteError{Request: requestName(payload), Reply: string(reply)}
	}
	return nil
}

// Monitor runs a probe monitor command and returns its console output.
func (c *Client) Monitor(ctx context.Context, cmd string) (string, error) {
	if err := c.send(ctx, []byte("qRcmd,"+hex.EncodeToString([]byte(cmd)))); err != nil {
		return "", err
	}

	var out strings.Builder
	for {
		reply, err := c.recv(ctx)
		if err != nil {
			return out.String(), err
		}
		switch {
		case string(reply) == "OK":
			return out.String(), nil
		case len(reply) > 1 && reply[0] == 'O':
			text, err := hex.DecodeString(string(reply[1:]))
			if err != nil {
				return out.String(), errors.Wrapf(err, "gdbremote: monitor %s: bad output", cmd)
			}
			out.Write(text)
		case len(reply) == 0:
			return "", errors.Errorf("gdbremote: monitor %s: not supported by probe", cmd)
		default:
			return out.String(), &RemoteError{Request: "monitor " + cmd, Reply: string(reply), Output: out.String()}
		}
	}
}

// Attach attaches to target n of the last scan.
func (c *Client) Attach(ctx context.Context, n int) error {
	payload := []byte(fmt.Sprintf("vAttach;%x", n))
	reply, err := c.Request(ctx, payload)
	if err != nil {
		return err
	}
	if len(reply) == 0 || (reply[0] != 'T' && reply[0] != 'S') {
		return &RemoteError{Request: requestName(payload), Reply: string(reply)}
	}
	return nil
}

// FlashErase erases a flash range.
func (c *Client) FlashErase(ctx context.Context, addr, length uint32) error {
	return c.expectOK(ctx, []byte(fmt.Sprintf("vFlashErase:%08x,%08x", addr, length)))
}

// FlashWrite queues data for programming, split into packets.
func (c *Client) FlashWrite(ctx context.Context, addr uint32, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), c.writeChunk)
		payload := fmt.Appendf(nil, "vFlashWrite:%08x:", addr)
		payload = append(payload, data[:n]...)
		if err := c.expectOK(ctx, payload); err != nil {
			return err
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

// FlashDone commits queued flash writes.
func (c *Client) FlashDone(ctx context.Context) error {
	return c.expectOK(ctx, []byte("vFlashDone"))
}

// Reset resets the target. The probe does not reply.
func (c *Client) Reset(ctx context.Context) error {
	return c.send(ctx, []byte("R00"))
}

// Detach releases the target.
func (c *Client) Detach(ctx context.Context) error {
	return c.expectOK(ctx, []byte("D"))
}

func requestName(payload []byte) string {
	s := string(payload)
	if i := strings.IndexAny(s, ":;,"); i > 0 {
		return s[:i]
	}
	return s
}

func truncate(b []byte) []byte {
	if len(b) > 64 {
		return b[:64]
	}
	return b
}
