package vgic

import (
	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

// Core holds the per-physical-core half of the virtual controller: the banked
// private lines (SGIs and PPIs), a shadow of which line occupies which
// hardware list-register slot, and the pending/active candidate sets used to
// pick refill victims. Everything here is mutated only by the core's own
// thread of control.
type Core struct {
	id   hv.CoreID
	vcpu hv.VirtualCPU

	private [gic.NumPrivate]Line

	// lrShadow maps hardware slot index to the resident interrupt id,
	// gic.SpuriousID when empty.
	lrShadow []uint32

	pending lineSet
	active  lineSet

	// redistWaker backs the modern generation's sleep handshake register.
	redistWaker uint32
}

func newCore(id hv.CoreID, numLRs int, legacy bool) *Core {
	c := &Core{id: id, lrShadow: make([]uint32, numLRs)}
	for i := range c.lrShadow {
		c.lrShadow[i] = gic.SpuriousID
	}
	for i := range c.private {
		c.private[i].init(uint32(i), id, legacy)
	}
	return c
}

// BindVCPU attaches the vcpu that runs on this core. Lines live as long as
// the VM; the binding only affects identification.
func (c *Core) BindVCPU(vcpu hv.VirtualCPU) { c.vcpu = vcpu }
