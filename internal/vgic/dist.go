package vgic

import (
	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

// Distributor is the VM-wide half of the virtual controller: the shared
// interrupt lines plus the read-only identification registers.
type Distributor struct {
	lines []Line

	typer uint32
	iidr  uint32
}

func newDistributor(cfg Config) *Distributor {
	d := &Distributor{
		lines: make([]Line, cfg.SPIs),
		iidr:  gic.ImplementerARM,
	}
	for i := range d.lines {
		d.lines[i].init(gic.SPIBase+uint32(i), hv.CoreNone, cfg.Version == 2)
	}

	// ITLinesNumber encodes ((ids / 32) - 1); CPUNumber is (cores - 1) in
	// the legacy layout. The modern TYPER keeps the same low field.
	itLines := uint32((gic.NumPrivate+cfg.SPIs)/32 - 1)
	d.typer = itLines | uint32(cfg.Cores-1)<<5 | 1<<10
	return d
}
