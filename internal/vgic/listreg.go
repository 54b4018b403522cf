package vgic

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/tinyrange/vgic/internal/debug"
	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

// The list registers are a cache: far fewer hardware slots exist than a guest
// may have interrupts pending, so allocation evicts in priority order to
// approximate what real hardware would deliver next.

// updateMembership reconciles the core's pending/active candidate sets with
// the line's state. Caller holds l.mu and core owns l. Resident lines sit in
// neither set; a retired line lands in at most one of them (active wins over
// pending, matching the order the guest must drain them in).
func (g *VGIC) updateMembership(core hv.CoreID, l *Line) {
	c := g.cores[core]

	wantPending, wantActive := false, false
	if !l.inLR {
		if l.state.Active() {
			wantActive = true
		} else if l.state.Pending() {
			wantPending = true
		}
	}

	if l.inPendingSet != wantPending {
		if wantPending {
			c.pending.add(l.id)
		} else {
			c.pending.remove(l.id)
		}
		l.inPendingSet = wantPending
	}
	if l.inActiveSet != wantActive {
		if wantActive {
			c.active.add(l.id)
		} else {
			c.active.remove(l.id)
		}
		l.inActiveSet = wantActive
	}
}

// dropMembership removes the line from both candidate sets. Caller holds l.mu.
func (g *VGIC) dropMembership(core hv.CoreID, l *Line) {
	c := g.cores[core]
	if l.inPendingSet {
		c.pending.remove(l.id)
		l.inPendingSet = false
	}
	if l.inActiveSet {
		c.active.remove(l.id)
		l.inActiveSet = false
	}
}

// addLRLocked binds the line to a hardware slot on core, evicting a worse
// occupant if every slot is taken. Caller holds l.mu and core owns l. A
// failed allocation is not an error: the line stays queued and the hardware
// is asked to raise a maintenance interrupt when a slot frees up.
func (g *VGIC) addLRLocked(core hv.CoreID, l *Line) {
	if !l.enabled || l.inLR {
		return
	}

	slotMask := uint64(1)<<uint(g.hw.NumListRegs()) - 1
	slot := -1
	if free := g.hw.FreeMask(core) & slotMask; free != 0 {
		slot = bits.TrailingZeros64(free)
	} else {
		slot = g.evictForLocked(core, l)
	}

	if slot < 0 {
		debug.Writef("vgic lr defer", "core: %d, intid: %d, prio: %#x", core, l.id, l.priority)
		g.updateMembership(core, l)
		g.hw.SetNotifyOnEmpty(core, true)
		return
	}

	g.writeLRLocked(core, l, slot)
}

// evictForLocked picks and evicts the slot least worth keeping, returning its
// index, or -1 when no occupant is worse than the incoming line. Preference:
// evict Pending over Active, then the numerically largest priority value,
// then the generation's id tie-break.
func (g *VGIC) evictForLocked(core hv.CoreID, l *Line) int {
	c := g.cores[core]

	victimSlot := -1
	var victim gic.ListRegister
	for slot, id := range c.lrShadow {
		if id == gic.SpuriousID {
			continue
		}
		lr := g.hw.ReadLR(core, slot)
		if victimSlot < 0 || worseThan(lr, victim, g.hw.EvictPreferLowID()) {
			victimSlot, victim = slot, lr
		}
	}
	if victimSlot < 0 {
		return -1
	}

	// Evicting an entry the guest should see before the incoming one
	// would invert delivery order; defer instead.
	if l.priority >= victim.Priority {
		return -1
	}

	victimLine := g.line(core, victim.IntID)
	if victimLine == nil {
		panic(fmt.Sprintf("vgic: core %d slot %d holds unknown intid %d",
			core, victimSlot, victim.IntID))
	}

	// The victim is resident on this core, so this core owns it; taking
	// its lock under l.mu cannot cross another core's nesting. The victim
	// stays owned and queued in the candidate sets, so a later refill can
	// bring it back; yielding here would strand a pending interrupt.
	victimLine.mu.Lock()
	g.removeLRLocked(core, victimLine)
	victimLine.mu.Unlock()

	debug.Writef("vgic lr evict", "core: %d, slot: %d, evicted: %d, for: %d",
		core, victimSlot, victim.IntID, l.id)
	return victimSlot
}

// worseThan reports whether a is a better eviction victim than b.
func worseThan(a, b gic.ListRegister, preferLowID bool) bool {
	aActive, bActive := a.State.Active(), b.State.Active()
	if aActive != bActive {
		return !aActive // prefer evicting pending-only entries
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if preferLowID {
		return a.IntID < b.IntID
	}
	return a.IntID > b.IntID
}

// removeLRLocked retires the line from its hardware slot, folding the slot's
// current state (which the guest may have changed) back into the virtual
// line. Caller holds l.mu. Only the owning core may do this.
func (g *VGIC) removeLRLocked(core hv.CoreID, l *Line) bool {
	if l.Owner() != core || !l.inLR {
		slog.Warn("vgic: remove of non-resident or foreign line",
			"core", core, "intid", l.id, "owner", l.Owner(), "resident", l.inLR)
		return false
	}

	slot := l.lrIndex
	lr := g.hw.ReadLR(core, slot)
	if lr.IntID != l.id {
		panic(fmt.Sprintf("vgic: core %d slot %d holds intid %d, expected %d",
			core, slot, lr.IntID, l.id))
	}

	g.hw.ClearLR(core, slot)
	g.cores[core].lrShadow[slot] = gic.SpuriousID
	l.inLR = false
	l.lrIndex = -1

	l.state = lr.State
	if l.isSGI() && !lr.State.Pending() {
		// The guest consumed the copy raised by lr.Source; other
		// sources may still hold the SGI pending.
		l.sgiSources &^= 1 << lr.Source
		if l.sgiSources != 0 {
			l.state |= gic.LRPending
		}
	}

	g.updateMembership(core, l)

	if l.hwBacked {
		// Keep the physical line held active until the guest's EOI so
		// the physical controller does not re-deliver it meanwhile.
		g.hw.SetPhysActive(l.physID, lr.State != gic.LRInactive)
	}
	return true
}

// writeLRLocked composes and programs slot for the line, evicting any
// previous occupant first. Caller holds l.mu and core owns l.
func (g *VGIC) writeLRLocked(core hv.CoreID, l *Line, slot int) {
	c := g.cores[core]

	if prev := c.lrShadow[slot]; prev != gic.SpuriousID && prev != l.id {
		prevLine := g.line(core, prev)
		if prevLine == nil {
			panic(fmt.Sprintf("vgic: core %d slot %d shadow holds unknown intid %d",
				core, slot, prev))
		}
		prevLine.mu.Lock()
		g.removeLRLocked(core, prevLine)
		prevLine.mu.Unlock()
	}

	lr := gic.ListRegister{
		IntID:    l.id,
		Priority: l.priority,
		State:    l.state,
		Group1:   true,
		HW:       l.hwBacked,
		PhysID:   l.physID,
	}
	if l.isSGI() && l.sgiSources != 0 {
		lr.Source = uint8(bits.TrailingZeros8(l.sgiSources))
	}

	g.hw.WriteLR(core, slot, lr)
	c.lrShadow[slot] = l.id
	l.inLR = true
	l.lrIndex = slot
	g.updateMembership(core, l)

	debug.Writef("vgic lr write", "core: %d, slot: %d, intid: %d, state: %s, prio: %#x",
		core, slot, l.id, l.state.String(), l.priority)
}
