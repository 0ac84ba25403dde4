package psoc4

import (
	"fmt"

	"github.com/bigbag/psoc4-flasher/internal/target"
)

// Flash geometry shared by all supported parts
const (
	RowSize      = 128
	RowsPerMacro = 512
	MacroSize    = RowSize * RowsPerMacro

	// ErasedValue is what an erased flash byte reads as.
	ErasedValue = 0x00
)

// ProtectionBase is where the write-protection bitmap appears in the
// programming image.
const ProtectionBase = 0x90400000

// Model describes one supported part.
type Model struct {
	ID         uint16
	Name       string
	RAMBase    uint32
	RAMSize    uint32
	Flash      target.Region
	Protection target.Region

	// ChecksumRow is the checksum operand that covers every flash row.
	ChecksumRow uint16
}

// Regions returns the programmable regions of the model.
func (m *Model) Regions() []target.Region {
	return []target.Region{m.Flash, m.Protection}
}

func (m *Model) String() string {
	return fmt.Sprintf("%s (0x%04X): flash %dKB, ram %dKB",
		m.Name, m.ID, m.Flash.Length/1024, m.RAMSize/1024)
}

// Models is the table of known parts, keyed by the low half of the
// silicon id.
var Models = []Model{
	{
		ID:      0x0E51,
		Name:    "CYBLE-012011-00",
		RAMBase: 0x20000000,
		RAMSize: 0x4000,
		Flash: target.Region{
			Base:      0x00000000,
			Length:    0x20000,
			BlockSize: RowSize,
			Strategy:  target.Normal,
		},
		Protection: target.Region{
			Base:      ProtectionBase,
			Length:    128,
			BlockSize: 64,
			Strategy:  target.Protected,
		},
		ChecksumRow: 0x8000,
	},
}

func lookupModel(table []Model, id uint16) (*Model, bool) {
	for i := range table {
		if table[i].ID == id {
			return &table[i], true
		}
	}
	return nil, false
}
