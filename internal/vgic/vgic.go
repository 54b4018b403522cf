// Package vgic emulates a per-VM generic interrupt controller on top of a
// shared physical one. Each guest sees a private distributor with its own
// enable/pending/active/priority/routing state; the hypervisor multiplexes
// those onto the small number of hardware list-register slots of whichever
// physical core runs the vcpu, handing interrupt ownership across cores with
// fire-and-forget messages.
package vgic

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

type VGIC struct {
	vm  hv.VirtualMachine
	hw  gic.Hardware
	ipi Transport
	cfg Config

	// ctlr is the guest's distributor global enable bit.
	ctlr atomicbitops.Bool

	dist  *Distributor
	cores []*Core
}

func New(vm hv.VirtualMachine, hw gic.Hardware, ipi Transport, cfg Config) (*VGIC, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if hw.Version() != cfg.Version {
		return nil, fmt.Errorf("vgic: hardware is generation %d, config wants %d",
			hw.Version(), cfg.Version)
	}

	g := &VGIC{
		vm:   vm,
		hw:   hw,
		ipi:  ipi,
		cfg:  cfg,
		dist: newDistributor(cfg),
	}
	for i := 0; i < cfg.Cores; i++ {
		g.cores = append(g.cores, newCore(hv.CoreID(i), hw.NumListRegs(), cfg.Version == 2))
	}
	return g, nil
}

func (g *VGIC) Config() Config { return g.cfg }

// Core returns the per-core bank for vcpu binding and inspection.
func (g *VGIC) Core(core hv.CoreID) *Core {
	if core < 0 || int(core) >= len(g.cores) {
		return nil
	}
	return g.cores[core]
}

// line resolves an interrupt id as seen from core: private ids hit the core's
// bank, shared ids hit the distributor. Returns nil for ids the VM does not
// have.
func (g *VGIC) line(core hv.CoreID, id uint32) *Line {
	if core < 0 || int(core) >= len(g.cores) {
		return nil
	}
	if id < gic.NumPrivate {
		return &g.cores[core].private[id]
	}
	if id-gic.SPIBase < uint32(len(g.dist.lines)) {
		return &g.dist.lines[id-gic.SPIBase]
	}
	return nil
}

// configured reports whether the VM knows this interrupt id. Ids below 16 are
// architecturally core-private and always allowed for bitmap registers.
func (g *VGIC) configured(id uint32) bool {
	if id < gic.NumSGIs {
		return true
	}
	if g.line(0, id) == nil {
		return false
	}
	return g.vm == nil || g.vm.InterruptConfigured(id)
}

func (g *VGIC) vmID() uint32 {
	if g.vm == nil {
		return 0
	}
	return g.vm.ID()
}

// GlobalEnabled reports the distributor global enable bit.
func (g *VGIC) GlobalEnabled() bool { return g.ctlr.Load() }

// Snapshot copies the guest-visible state of id as seen from core.
func (g *VGIC) Snapshot(core hv.CoreID, id uint32) (LineSnapshot, bool) {
	l := g.line(core, id)
	if l == nil {
		return LineSnapshot{}, false
	}
	return l.snapshot(), true
}
