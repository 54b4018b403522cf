package vgic

import (
	"log/slog"

	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

// Guest-visible setters. Each one applies locally only when the requesting
// core owns the line (claiming it on first touch); otherwise the mutation is
// forwarded to the owning core, which applies it under its own lock and
// re-runs routing. Setters that change delivery state retire the line from
// its hardware slot first, so the slot's current state is read back before it
// is mutated.
//
// The *In variants address a specific core's private bank (redistributor
// frames are per-vcpu and may be touched by another core); the plain forms
// address the requester's own view.

// mutateIn runs apply under the line's lock if core can own the line, then
// re-routes. Otherwise it forwards (kind, value) to the owner. The line lock
// is never held across a message send.
func (g *VGIC) mutateIn(core, bank hv.CoreID, id uint32, kind EventKind, value uint8, apply func(l *Line)) {
	l := g.line(bank, id)
	if l == nil {
		slog.Warn("vgic: mutation of unknown interrupt", "core", core, "bank", bank, "intid", id)
		return
	}

	l.mu.Lock()
	if !g.acquireOwner(core, l) {
		owner := l.Owner()
		l.mu.Unlock()
		g.forward(owner, kind, id, value)
		return
	}

	if l.inLR {
		g.removeLRLocked(core, l)
	}
	apply(l)
	g.updateMembership(core, l)
	notify := g.routeLocked(core, l)
	l.mu.Unlock()

	g.sendRoute(id, notify)
}

func (g *VGIC) SetEnable(core hv.CoreID, id uint32, on bool) {
	g.setEnableIn(core, core, id, on)
}

func (g *VGIC) setEnableIn(core, bank hv.CoreID, id uint32, on bool) {
	g.mutateIn(core, bank, id, EventSetEnable, boolVal(on), func(l *Line) {
		l.enabled = on
		if l.hwBacked {
			g.hw.SetPhysEnable(l.physID, on)
		}
	})
}

func (g *VGIC) Enabled(core hv.CoreID, id uint32) bool {
	return g.enabledIn(core, id)
}

func (g *VGIC) enabledIn(bank hv.CoreID, id uint32) bool {
	l := g.line(bank, id)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// SetPending raises or clears the pending flag, with the requesting core as
// the SGI source.
func (g *VGIC) SetPending(core hv.CoreID, id uint32, on bool) {
	g.setPendingIn(core, core, id, on, core)
}

func (g *VGIC) setPendingFrom(core hv.CoreID, id uint32, on bool, source hv.CoreID) {
	g.setPendingIn(core, core, id, on, source)
}

func (g *VGIC) setPendingIn(core, bank hv.CoreID, id uint32, on bool, source hv.CoreID) {
	g.mutateIn(core, bank, id, EventSetPending, pendingVal(on, source), func(l *Line) {
		set := on
		if l.isSGI() {
			src := source
			if g.cfg.Version != 2 {
				// The modern slot encoding carries no source field;
				// its SGIs collapse to a single pending bit.
				src = 0
			}
			if on {
				l.sgiSources |= 1 << uint(src)
			} else {
				// An ordinary clear-pending drops every source.
				l.sgiSources = 0
			}
			set = l.sgiSources != 0
		}
		if set {
			l.state |= gic.LRPending
		} else {
			l.state &^= gic.LRPending
		}
		if l.hwBacked {
			g.hw.SetPhysPending(l.physID, set)
		}
	})
}

// setSGISource sets or clears one source core's pending bit of an SGI
// (the legacy per-source pending registers).
func (g *VGIC) setSGISource(core, bank hv.CoreID, id uint32, source hv.CoreID, on bool) {
	if id >= gic.NumSGIs {
		return
	}
	g.mutateIn(core, bank, id, EventSetPending, pendingVal(on, source), func(l *Line) {
		if on {
			l.sgiSources |= 1 << uint(source)
		} else {
			l.sgiSources &^= 1 << uint(source)
		}
		if l.sgiSources != 0 {
			l.state |= gic.LRPending
		} else {
			l.state &^= gic.LRPending
		}
	})
}

func (g *VGIC) Pending(core hv.CoreID, id uint32) bool {
	return g.pendingIn(core, core, id)
}

func (g *VGIC) pendingIn(core, bank hv.CoreID, id uint32) bool {
	l := g.line(bank, id)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inLR && l.Owner() == core {
		// Only the owning core may touch its hardware slots; remote
		// readers see the state captured at programming time.
		return g.hw.ReadLR(core, l.lrIndex).State.Pending()
	}
	return l.state.Pending()
}

// SGISources returns the per-source pending bitmask of an SGI (which cores
// raised it), distinct from the plain pending flag.
func (g *VGIC) SGISources(core hv.CoreID, id uint32) uint8 {
	return g.sgiSourcesIn(core, id)
}

func (g *VGIC) sgiSourcesIn(bank hv.CoreID, id uint32) uint8 {
	l := g.line(bank, id)
	if l == nil || !l.isSGI() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sgiSources
}

func (g *VGIC) SetActive(core hv.CoreID, id uint32, on bool) {
	g.setActiveIn(core, core, id, on)
}

func (g *VGIC) setActiveIn(core, bank hv.CoreID, id uint32, on bool) {
	g.mutateIn(core, bank, id, EventSetActive, boolVal(on), func(l *Line) {
		if on {
			l.state |= gic.LRActive
		} else {
			l.state &^= gic.LRActive
		}
		if l.hwBacked {
			g.hw.SetPhysActive(l.physID, on)
		}
	})
}

func (g *VGIC) Active(core hv.CoreID, id uint32) bool {
	return g.activeIn(core, core, id)
}

func (g *VGIC) activeIn(core, bank hv.CoreID, id uint32) bool {
	l := g.line(bank, id)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inLR && l.Owner() == core {
		return g.hw.ReadLR(core, l.lrIndex).State.Active()
	}
	return l.state.Active()
}

func (g *VGIC) SetPriority(core hv.CoreID, id uint32, priority uint8) {
	g.setPriorityIn(core, core, id, priority)
}

func (g *VGIC) setPriorityIn(core, bank hv.CoreID, id uint32, priority uint8) {
	g.mutateIn(core, bank, id, EventSetPriority, priority, func(l *Line) {
		l.priority = priority
		if l.hwBacked {
			g.hw.SetPhysPriority(l.physID, priority)
		}
	})
}

func (g *VGIC) Priority(core hv.CoreID, id uint32) uint8 {
	return g.priorityIn(core, id)
}

func (g *VGIC) priorityIn(bank hv.CoreID, id uint32) uint8 {
	l := g.line(bank, id)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.priority
}

// SetTargets sets the legacy core-bitmask route of a shared interrupt.
func (g *VGIC) SetTargets(core hv.CoreID, id uint32, mask uint8) {
	if id < gic.NumPrivate {
		return // private routes are fixed
	}
	g.mutateIn(core, core, id, EventSetTarget, mask, func(l *Line) {
		l.target = gic.Target{Legacy: true, Mask: mask}
		if l.hwBacked {
			if cores := l.target.Cores(len(g.cores)); len(cores) > 0 {
				g.hw.SetPhysRoute(l.physID, cores[0])
			}
		}
	})
}

// SetRoute sets the modern affinity route of a shared interrupt; broadcast
// marks it deliverable on any core.
func (g *VGIC) SetRoute(core hv.CoreID, id uint32, affinity hv.CoreID, broadcast bool) {
	if id < gic.NumPrivate {
		return
	}
	g.mutateIn(core, core, id, EventSetTarget, routeVal(affinity, broadcast), func(l *Line) {
		l.target = gic.Target{Affinity: affinity, Broadcast: broadcast}
		if l.hwBacked && !broadcast {
			g.hw.SetPhysRoute(l.physID, affinity)
		}
	})
}

func (g *VGIC) Targets(core hv.CoreID, id uint32) gic.Target {
	l := g.line(core, id)
	if l == nil {
		return gic.Target{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}

// SetConfig selects edge or level triggering.
func (g *VGIC) SetConfig(core hv.CoreID, id uint32, edge bool) {
	g.setConfigIn(core, core, id, edge)
}

func (g *VGIC) setConfigIn(core, bank hv.CoreID, id uint32, edge bool) {
	if id < gic.NumSGIs {
		return // SGIs are always edge
	}
	g.mutateIn(core, bank, id, EventSetConfig, boolVal(edge), func(l *Line) {
		l.edge = edge
		if l.hwBacked {
			g.hw.SetPhysConfig(l.physID, edge)
		}
	})
}

func (g *VGIC) EdgeTriggered(core hv.CoreID, id uint32) bool {
	return g.edgeIn(core, id)
}

func (g *VGIC) edgeIn(bank hv.CoreID, id uint32) bool {
	l := g.line(bank, id)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.edge || l.isSGI()
}

// Inject raises an interrupt to pending on behalf of device emulation or a
// cross-core inject message.
func (g *VGIC) Inject(core hv.CoreID, id uint32) {
	g.SetPending(core, id, true)
}

// SetGlobalEnable flips the distributor enable bit and re-arms every core's
// queued interrupts against the new gate.
func (g *VGIC) SetGlobalEnable(core hv.CoreID, on bool) {
	g.ctlr.Store(on)
	g.rearmCore(core)
	for _, c := range g.cores {
		if c.id != core {
			g.ipi.Send(c.id, Message{Kind: EventGlobalEnable, VM: g.vmID(), Value: boolVal(on)})
		}
	}
}

// MarkHardwareBacked ties a shared line to a physical interrupt during
// passthrough-device setup.
func (g *VGIC) MarkHardwareBacked(id uint32, physID uint32) bool {
	l := g.line(0, id)
	if l == nil || l.isPrivate() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hwBacked = true
	l.physID = physID
	return true
}
