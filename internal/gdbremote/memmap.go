package gdbremote

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"github.com/bigbag/psoc4-flasher/internal/target"
)

const memoryMapChunk = 0x400

type memoryMap struct {
	Memory []struct {
		Type     string `xml:"type,attr"`
		Start    string `xml:"start,attr"`
		Length   string `xml:"length,attr"`
		Property []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:",chardata"`
		} `xml:"property"`
	} `xml:"memory"`
}

// MemoryMap reads the target memory map and returns its flash regions.
func (c *Client) MemoryMap(ctx context.Context) ([]target.Region, error) {
	var doc []byte
	for {
		payload := []byte(fmt.Sprintf("qXfer:memory-map:read::%x,%x", len(doc), memoryMapChunk))
		reply, err := c.Request(ctx, payload)
		if err != nil {
			return nil, err
		}
		if len(reply) == 0 || (reply[0] != 'm' && reply[0] != 'l') {
			return nil, &RemoteError{Request: "qXfer:memory-map", Reply: string(reply)}
		}
		doc = append(doc, reply[1:]...)
		if reply[0] == 'l' {
			break
		}
	}
	return parseMemoryMap(doc)
}

func parseMemoryMap(doc []byte) ([]target.Region, error) {
	var mm memoryMap
	if err := xml.Unmarshal(doc, &mm); err != nil {
		return nil, errors.Wrap(err, "gdbremote: parse memory map")
	}

	var regions []target.Region
	for _, m := range mm.Memory {
		if m.Type != "flash" {
			continue
		}
		start, err := strconv.ParseUint(m.Start, 0, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "gdbremote: memory map start %q", m.Start)
		}
		length, err := strconv.ParseUint(m.Length, 0, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "gdbremote: memory map length %q", m.Length)
		}
		r := target.Region{Base: uint32(start), Length: uint32(length), Strategy: target.Normal}
		for _, p := range m.Property {
			if p.Name != "blocksize" {
				continue
			}
			bs, err := strconv.ParseUint(p.Value, 0, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "gdbremote: memory map blocksize %q", p.Value)
			}
			r.BlockSize = uint32(bs)
		}
		if r.BlockSize == 0 {
			return nil, errors.Errorf("gdbremote: flash at 0x%08x has no blocksize", r.Base)
		}
		regions = append(regions, r)
	}
	return regions, nil
}
