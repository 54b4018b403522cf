package vgic

import (
	"log/slog"

	"github.com/tinyrange/vgic/internal/debug"
	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

// Ownership protocol: at most one physical core may hold write access to a
// line's hardware-visible effects at a time. Ownership is established lazily
// on first touch and handed off across cores only through route messages; the
// transfer is monotonic (only the owner gives it up, only a non-owner asks).

// acquireOwner claims the line for core. Caller holds l.mu. Idempotent when
// core already owns it; fails when another core does.
func (g *VGIC) acquireOwner(core hv.CoreID, l *Line) bool {
	switch owner := l.Owner(); owner {
	case hv.CoreNone:
		l.owner.Store(int32(core))
		return true
	case core:
		return true
	default:
		return false
	}
}

// yieldOwner releases the line if core owns it. Caller holds l.mu. A resident
// line, or one whose active state is still outstanding, never changes owner
// this way; only explicit list-register eviction may do that. Private lines
// keep their core forever.
func (g *VGIC) yieldOwner(core hv.CoreID, l *Line) bool {
	if l.Owner() != core || l.isPrivate() {
		return false
	}
	if l.inLR || l.state.Active() {
		return false
	}
	g.dropMembership(core, l)
	l.owner.Store(int32(hv.CoreNone))
	return true
}

// routeLocked decides where the line's hardware presence belongs. Caller
// holds l.mu. If the target set includes core, it tries a local list-register
// allocation. It returns the other targeted cores; the caller must send them
// route messages after releasing the lock (never while holding it).
func (g *VGIC) routeLocked(core hv.CoreID, l *Line) []hv.CoreID {
	if l.state == gic.LRInactive || !l.enabled || !g.ctlr.Load() {
		return nil
	}

	local := l.target.Matches(core)
	if local {
		if !g.acquireOwner(core, l) {
			// Another core owns the line and keeps it queued; routing
			// from here would only bounce messages between targets.
			return nil
		}
		g.addLRLocked(core, l)
	}
	if l.inLR {
		// Delivered locally; no other core needs to hear about it.
		return nil
	}

	var others []hv.CoreID
	for _, t := range l.target.Cores(len(g.cores)) {
		if t != core {
			others = append(others, t)
		}
	}
	if len(others) > 0 && !local {
		// The line no longer belongs here; let a targeted core pick
		// it up. Yield fails harmlessly if the active state is still
		// outstanding or we never owned it.
		g.yieldOwner(core, l)
	}
	return others
}

// route runs routeLocked and delivers the resulting messages.
func (g *VGIC) route(core hv.CoreID, l *Line) {
	l.mu.Lock()
	notify := g.routeLocked(core, l)
	id := l.id
	l.mu.Unlock()
	g.sendRoute(id, notify)
}

func (g *VGIC) sendRoute(id uint32, cores []hv.CoreID) {
	for _, c := range cores {
		g.ipi.Send(c, Message{Kind: EventRoute, VM: g.vmID(), IntID: id})
	}
}

// forward ships a mutation to the line's current owner instead of applying it
// locally. Called after releasing l.mu.
func (g *VGIC) forward(owner hv.CoreID, kind EventKind, id uint32, value uint8) {
	debug.Writef("vgic forward", "kind: %s, intid: %d, owner: %d, value: %#x",
		kind.String(), id, owner, value)
	g.ipi.Send(owner, Message{Kind: kind, VM: g.vmID(), IntID: id, Value: value})
}

// OnCrossCoreMessage is the IPI transport's receive path, running on the
// thread of control of core. Each kind re-runs the corresponding setter
// against the receiver's own copy, re-checking ownership there.
func (g *VGIC) OnCrossCoreMessage(core hv.CoreID, msg Message) {
	if msg.VM != g.vmID() {
		slog.Warn("vgic: message for wrong VM", "got", msg.VM, "want", g.vmID())
		return
	}

	switch msg.Kind {
	case EventSetEnable:
		g.SetEnable(core, msg.IntID, msg.Value&valOn != 0)
	case EventSetPending:
		g.setPendingFrom(core, msg.IntID, msg.Value&valOn != 0,
			hv.CoreID(msg.Value>>valSourceOff))
	case EventSetActive:
		g.SetActive(core, msg.IntID, msg.Value&valOn != 0)
	case EventSetPriority:
		g.SetPriority(core, msg.IntID, msg.Value)
	case EventSetTarget:
		if g.cfg.Version == 2 {
			g.SetTargets(core, msg.IntID, msg.Value)
		} else {
			g.SetRoute(core, msg.IntID,
				hv.CoreID(msg.Value&valRouteCore), msg.Value&valBroadcast != 0)
		}
	case EventSetConfig:
		g.SetConfig(core, msg.IntID, msg.Value&valOn != 0)
	case EventRoute:
		if l := g.line(core, msg.IntID); l != nil {
			g.route(core, l)
		}
	case EventGlobalEnable:
		g.rearmCore(core)
	case EventInject:
		g.Inject(core, msg.IntID)
	default:
		slog.Warn("vgic: unknown cross-core event", "kind", uint8(msg.Kind))
	}
}

// rearmCore re-routes everything queued on core after a global enable flip.
func (g *VGIC) rearmCore(core hv.CoreID) {
	c := g.cores[core]
	for _, set := range []*lineSet{&c.pending, &c.active} {
		for _, id := range append([]uint32(nil), set.ids...) {
			if l := g.line(core, id); l != nil {
				g.route(core, l)
			}
		}
	}
}
