package detect

import (
	"strings"
	"testing"

	"github.com/bigbag/psoc4-flasher/internal/dap"
	"github.com/bigbag/psoc4-flasher/internal/serial"
)

var (
	testProbes = []dap.ProbeInfo{
		{Path: "/dev/hidraw3", Serial: "0B0C", Manufacturer: "ARM", Product: "DAPLink CMSIS-DAP"},
	}
	testPorts = []serial.PortInfo{
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "1d50", PID: "6018", Serial: "7BB180B4", Product: "Black Magic Probe"},
		{Name: "/dev/ttyACM1", IsUSB: true, VID: "1d50", PID: "6018", Serial: "7BB180B4", Product: "Black Magic Probe"},
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001"},
	}
)

func TestCollect(t *testing.T) {
	results := collect(testProbes, testPorts)
	if len(results) != 2 {
		t.Fatalf("collect() = %d results, want 2: %v", len(results), results)
	}
	if results[0].Kind != KindDAP || results[0].Name != "ARM DAPLink CMSIS-DAP" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Kind != KindGDB || results[1].Port != "/dev/ttyACM0" {
		t.Errorf("results[1] = %+v, want GDB port /dev/ttyACM0", results[1])
	}
}

func TestPick(t *testing.T) {
	results := collect(testProbes, testPorts)

	tests := []struct {
		name    string
		kind    Kind
		want    string
		wantErr string
	}{
		{"dap", KindDAP, "/dev/hidraw3", ""},
		{"gdb", KindGDB, "/dev/ttyACM0", ""},
		{"any with two", "", "", "2 probes found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pick(results, tt.kind)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("pick() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("pick() error = %v", err)
			}
			if got.Port != tt.want {
				t.Errorf("pick() = %s, want %s", got.Port, tt.want)
			}
		})
	}
}

func TestPick_None(t *testing.T) {
	if _, err := pick(nil, KindGDB); err == nil || !strings.Contains(err.Error(), "no gdb probe") {
		t.Errorf("pick() error = %v, want no gdb probe", err)
	}
	if _, err := pick(nil, ""); err == nil {
		t.Error("pick() expected error, got nil")
	}
}

func TestResultString(t *testing.T) {
	r := Result{Kind: KindGDB, Port: "/dev/ttyACM0", Serial: "7BB180B4", Name: "Black Magic Probe"}
	s := r.String()
	if !strings.Contains(s, "/dev/ttyACM0") || !strings.Contains(s, "serial 7BB180B4") {
		t.Errorf("String() = %q", s)
	}
}
