package dap

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sstallion/go-hid"
)

// ProbeInfo describes a CMSIS-DAP probe found on the USB bus.
type ProbeInfo struct {
	Path         string
	VendorID     uint16
	ProductID    uint16
	Serial       string
	Manufacturer string
	Product      string
}

// isProbe matches the product string CMSIS-DAP v1 requires.
func isProbe(info *hid.DeviceInfo) bool {
	return strings.Contains(info.ProductStr, "CMSIS-DAP")
}

// List returns all CMSIS-DAP HID probes.
func List() ([]ProbeInfo, error) {
	var probes []ProbeInfo
	err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(info *hid.DeviceInfo) error {
		if !isProbe(info) {
			return nil
		}
		probes = append(probes, ProbeInfo{
			Path:         info.Path,
			VendorID:     info.VendorID,
			ProductID:    info.ProductID,
			Serial:       info.SerialNbr,
			Manufacturer: info.MfrStr,
			Product:      info.ProductStr,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "dap: enumerate hid devices")
	}
	return probes, nil
}

// Open opens the probe with the given serial number, or the only probe
// present when serial is empty.
func Open(serial string, opts ...Option) (*Client, error) {
	probes, err := List()
	if err != nil {
		return nil, err
	}

	var match []ProbeInfo
	for _, p := range probes {
		if serial == "" || p.Serial == serial {
			match = append(match, p)
		}
	}
	switch {
	case len(match) == 0 && serial != "":
		return nil, errors.Errorf("dap: no probe with serial %q", serial)
	case len(match) == 0:
		return nil, errors.New("dap: no CMSIS-DAP probe found")
	case len(match) > 1:
		return nil, errors.Errorf("dap: %d probes found, select one with --serial", len(match))
	}

	dev, err := hid.OpenPath(match[0].Path)
	if err != nil {
		return nil, errors.Wrapf(err, "dap: open %s", match[0].Path)
	}
	return NewClient(dev, opts...), nil
}
