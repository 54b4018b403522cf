package vgic

import (
	"math/bits"

	"github.com/tinyrange/vgic/internal/debug"
	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

// OnMaintenanceInterrupt is the entry point for the physical maintenance
// interrupt, invoked by the generic interrupt dispatcher on the core the
// hardware raised it for. It reconciles virtual state with whatever the
// hardware reports: completed interrupts, spare slots, evicted entries.
func (g *VGIC) OnMaintenanceInterrupt(core hv.CoreID) {
	st := g.hw.Maintenance(core)
	debug.Writef("vgic maintenance", "core: %d, eoi: %t, underflow: %t, nopending: %t, eoicount: %d",
		core, st.EOI, st.Underflow, st.NoPending, st.EOICount)

	if st.EOI {
		g.retireCompleted(core)
	}
	if st.EOICount > 0 {
		g.drainEvicted(core, st.EOICount)
	}
	slotMask := uint64(1)<<uint(g.hw.NumListRegs()) - 1
	if st.Underflow || st.NoPending ||
		(g.hw.NotifyOnEmpty(core) && g.hw.FreeMask(core)&slotMask != 0) {
		g.refill(core, st.NoPending)
	}
}

// retireCompleted handles the end-of-interrupt status bits: each flagged slot
// is retired, and a line the guest left pending and enabled refills itself
// immediately rather than being discarded.
func (g *VGIC) retireCompleted(core hv.CoreID) {
	c := g.cores[core]
	eoi := g.hw.EOIMask(core) & (uint64(1)<<uint(g.hw.NumListRegs()) - 1)

	for eoi != 0 {
		slot := bits.TrailingZeros64(eoi)
		eoi &^= 1 << uint(slot)

		id := c.lrShadow[slot]
		if id == gic.SpuriousID {
			continue
		}
		l := g.line(core, id)
		if l == nil {
			continue
		}

		l.mu.Lock()
		g.removeLRLocked(core, l)
		if l.state.Pending() && l.enabled {
			g.addLRLocked(core, l) // self-refill, no message needed
		} else {
			g.yieldOwner(core, l)
		}
		l.mu.Unlock()
	}
}

// drainEvicted handles the evicted-entry counter: the guest completed
// interrupts whose slots were already reclaimed, so their active state is
// retired from the candidate set directly.
func (g *VGIC) drainEvicted(core hv.CoreID, count int) {
	c := g.cores[core]

	for count > 0 {
		l := c.active.highest(func(id uint32) *Line { return g.line(core, id) },
			func(l *Line) bool { return !l.inLR })
		if l == nil {
			break
		}

		l.mu.Lock()
		l.state &^= gic.LRActive
		g.updateMembership(core, l)
		if l.hwBacked {
			g.hw.SetPhysActive(l.physID, false)
		}
		if l.state == gic.LRInactive {
			// Still pending means it was re-raised while evicted; it
			// stays queued here instead of being yielded away.
			g.yieldOwner(core, l)
		}
		l.mu.Unlock()
		count--
	}
	g.hw.SetEOICount(core, count)
}

// refill fills spare slots from the candidate sets, highest priority first.
// Active entries go first only when the hardware reports no pending entries
// remain; otherwise pending candidates take the slots.
func (g *VGIC) refill(core hv.CoreID, noPending bool) {
	c := g.cores[core]
	resolve := func(id uint32) *Line { return g.line(core, id) }
	notResident := func(l *Line) bool { return !l.inLR }

	slotMask := uint64(1)<<uint(g.hw.NumListRegs()) - 1
	for {
		if g.hw.FreeMask(core)&slotMask == 0 {
			return
		}

		var l *Line
		if noPending {
			if l = c.active.highest(resolve, notResident); l == nil {
				l = c.pending.highest(resolve, notResident)
			}
		} else {
			if l = c.pending.highest(resolve, notResident); l == nil {
				l = c.active.highest(resolve, notResident)
			}
		}
		if l == nil {
			g.hw.SetNotifyOnEmpty(core, false)
			return
		}

		l.mu.Lock()
		if g.acquireOwner(core, l) && !l.inLR && l.state != gic.LRInactive && l.enabled {
			g.addLRLocked(core, l)
		} else {
			// Stale candidate; drop it so the scan terminates.
			g.dropMembership(core, l)
		}
		l.mu.Unlock()
	}
}
