package serial

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is ignored by USB CDC ports but required to open them.
const DefaultBaudRate = 115200

const defaultReadTimeout = 100 * time.Millisecond

// Black Magic Probe USB ids
const (
	BMPVendorID  = "1D50"
	BMPProductID = "6018"
)

// Port wraps a serial port carrying a GDB remote connection.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	// Set read timeout
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	// The probe only talks to an open terminal
	if err := port.SetDTR(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set DTR: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// ReadWithTimeout reads data with a specific timeout. A timeout
// returns 0 bytes and no error.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(defaultReadTimeout)

	return p.port.Read(buf)
}

// Drain reads and discards input until the line has been quiet for
// one read timeout.
func (p *Port) Drain() error {
	if err := p.port.ResetInputBuffer(); err != nil {
		return err
	}
	buf := make([]byte, 1024)
	for {
		n, err := p.port.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// PortInfo describes one serial port.
type PortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// IsBlackMagic reports whether the port belongs to a Black Magic Probe.
func (pi PortInfo) IsBlackMagic() bool {
	return pi.IsUSB && strings.EqualFold(pi.VID, BMPVendorID) && strings.EqualFold(pi.PID, BMPProductID)
}

// ListPorts returns the available serial ports sorted by name.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}
