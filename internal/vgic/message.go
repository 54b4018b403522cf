package vgic

import (
	"log/slog"

	"github.com/tinyrange/vgic/internal/hv"
)

// EventKind enumerates the cross-core mutation requests. Each kind is a thin
// adapter onto the corresponding distributor/private-bank setter, applied by
// the receiving core under its own exclusive lock.
type EventKind uint8

const (
	EventSetEnable EventKind = iota
	EventSetPending
	EventSetActive
	EventSetPriority
	EventSetTarget
	EventSetConfig
	EventRoute
	EventGlobalEnable
	EventInject
)

func (k EventKind) String() string {
	switch k {
	case EventSetEnable:
		return "set-enable"
	case EventSetPending:
		return "set-pending"
	case EventSetActive:
		return "set-active"
	case EventSetPriority:
		return "set-priority"
	case EventSetTarget:
		return "set-target"
	case EventSetConfig:
		return "set-config"
	case EventRoute:
		return "route"
	case EventGlobalEnable:
		return "global-enable"
	case EventInject:
		return "inject"
	default:
		return "unknown"
	}
}

// Message is the payload carried by the IPI transport: fire-and-forget, no
// reply. Correctness relies on the receiver re-running the relevant setter,
// not on the sender waiting.
type Message struct {
	Kind  EventKind
	VM    uint32
	IntID uint32
	Value uint8
}

// Value encodings per kind. Booleans travel in bit 0; SGI pending requests
// additionally carry the raising core in bits 7:1; modern route requests
// carry the affinity core in bits 5:0 and the any-core flag in bit 7.
const (
	valOn        = 1 << 0
	valSourceOff = 1
	valRouteCore = 0x3F
	valBroadcast = 1 << 7
)

func boolVal(on bool) uint8 {
	if on {
		return valOn
	}
	return 0
}

func pendingVal(on bool, source hv.CoreID) uint8 {
	return boolVal(on) | uint8(source)<<valSourceOff
}

func routeVal(aff hv.CoreID, broadcast bool) uint8 {
	v := uint8(aff) & valRouteCore
	if broadcast {
		v |= valBroadcast
	}
	return v
}

// Transport delivers messages to other physical cores. Send must not block:
// this subsystem never waits for a cross-core reply.
type Transport interface {
	Send(core hv.CoreID, msg Message)
}

// ChannelTransport is an in-process Transport backed by one buffered queue
// per core, drained by that core's interrupt-handler path. It is the loopback
// used by tests and the replay tool; a real deployment replaces it with the
// platform IPI doorbell.
type ChannelTransport struct {
	queues []chan Message
}

func NewChannelTransport(numCores, depth int) *ChannelTransport {
	t := &ChannelTransport{queues: make([]chan Message, numCores)}
	for i := range t.queues {
		t.queues[i] = make(chan Message, depth)
	}
	return t
}

func (t *ChannelTransport) Send(core hv.CoreID, msg Message) {
	if core < 0 || int(core) >= len(t.queues) {
		slog.Warn("vgic: dropping message to unknown core", "core", core, "kind", msg.Kind.String())
		return
	}
	select {
	case t.queues[core] <- msg:
	default:
		// A full inbox means the receiving core is already scheduled to
		// reconcile; the re-run on its side makes the drop safe only for
		// route kinds, so log everything else.
		if msg.Kind != EventRoute {
			slog.Warn("vgic: inbox full, message dropped",
				"core", core, "kind", msg.Kind.String(), "intid", msg.IntID)
		}
	}
}

// Drain delivers every queued message for core to fn, in arrival order, and
// returns the number delivered. It never blocks.
func (t *ChannelTransport) Drain(core hv.CoreID, fn func(Message)) int {
	n := 0
	for {
		select {
		case msg := <-t.queues[core]:
			fn(msg)
			n++
		default:
			return n
		}
	}
}
