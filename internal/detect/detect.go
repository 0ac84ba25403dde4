package detect

import (
	"fmt"

	"github.com/bigbag/psoc4-flasher/internal/dap"
	"github.com/bigbag/psoc4-flasher/internal/serial"
)

// Kind names a probe backend.
type Kind string

const (
	// KindDAP is a CMSIS-DAP probe driven natively over HID.
	KindDAP Kind = "dap"
	// KindGDB is a Black Magic Probe driven over its GDB serial port.
	KindGDB Kind = "gdb"
)

// Result represents a detected debug probe.
type Result struct {
	Kind   Kind
	// Port is the HID path or serial port name.
	Port   string
	Serial string
	Name   string
}

func (r Result) String() string {
	s := fmt.Sprintf("%-4s %s", r.Kind, r.Port)
	if r.Name != "" {
		s += "  " + r.Name
	}
	if r.Serial != "" {
		s += "  serial " + r.Serial
	}
	return s
}

// ListDevices returns every CMSIS-DAP probe and Black Magic Probe found.
func ListDevices() ([]Result, error) {
	probes, err := dap.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list HID probes: %w", err)
	}
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, err
	}
	return collect(probes, ports), nil
}

// collect merges HID probes and serial ports into results. A Black
// Magic Probe exposes two serial ports; the first one per serial number
// is its GDB server.
func collect(probes []dap.ProbeInfo, ports []serial.PortInfo) []Result {
	var results []Result
	for _, p := range probes {
		name := p.Product
		if p.Manufacturer != "" {
			name = p.Manufacturer + " " + name
		}
		results = append(results, Result{Kind: KindDAP, Port: p.Path, Serial: p.Serial, Name: name})
	}

	seen := make(map[string]bool)
	for _, p := range ports {
		if !p.IsBlackMagic() {
			continue
		}
		if p.Serial != "" {
			if seen[p.Serial] {
				continue
			}
			seen[p.Serial] = true
		}
		name := p.Product
		if name == "" {
			name = "Black Magic Probe"
		}
		results = append(results, Result{Kind: KindGDB, Port: p.Name, Serial: p.Serial, Name: name})
	}
	return results
}

// DetectDevice returns the single probe of the given kind, or of any
// kind when kind is empty.
func DetectDevice(kind Kind) (*Result, error) {
	results, err := ListDevices()
	if err != nil {
		return nil, err
	}
	return pick(results, kind)
}

func pick(results []Result, kind Kind) (*Result, error) {
	var match []Result
	for _, r := range results {
		if kind == "" || r.Kind == kind {
			match = append(match, r)
		}
	}
	switch len(match) {
	case 0:
		if kind != "" {
			return nil, fmt.Errorf("no %s probe found", kind)
		}
		return nil, fmt.Errorf("no debug probe found")
	case 1:
		return &match[0], nil
	}
	return nil, fmt.Errorf("%d probes found, select one with --probe and --port or --serial", len(match))
}
