package vgic

import (
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

// Line is one virtual interrupt line. All mutable fields are protected by mu;
// owner is additionally readable without the lock for assertions and for
// picking a forwarding destination.
//
// Lines are allocated once at VM construction and never reallocated. Private
// lines (id < 32) are banked per core and owned by that core for their whole
// lifetime; shared lines may migrate owners through the routing protocol.
type Line struct {
	mu sync.Mutex

	id uint32

	enabled  bool
	state    gic.LRState
	priority uint8
	edge     bool
	target   gic.Target

	// owner is the physical core currently allowed to mutate
	// hardware-visible state for this line (hv.CoreNone when unowned).
	owner atomicbitops.Int32

	inLR    bool
	lrIndex int

	inPendingSet bool
	inActiveSet  bool

	// sgiSources tracks which cores raised this software-generated
	// interrupt; several cores may independently signal the same SGI.
	sgiSources uint8

	hwBacked bool
	physID   uint32

	// privateTo pins a private line to its core; hv.CoreNone for shared.
	privateTo hv.CoreID
}

func (l *Line) init(id uint32, privateTo hv.CoreID, legacy bool) {
	l.id = id
	l.privateTo = privateTo
	l.owner.Store(int32(hv.CoreNone))
	l.lrIndex = -1
	l.target = gic.Target{Legacy: legacy}
	if privateTo != hv.CoreNone {
		// A private line's owner is fixed for its whole lifetime.
		l.owner.Store(int32(privateTo))
		if legacy {
			l.target.Mask = 1 << uint(privateTo)
		} else {
			l.target.Affinity = privateTo
		}
	}
}

func (l *Line) Owner() hv.CoreID { return hv.CoreID(l.owner.Load()) }

func (l *Line) isSGI() bool { return l.id < gic.NumSGIs }

func (l *Line) isPrivate() bool { return l.privateTo != hv.CoreNone }

// LineSnapshot is a consistent copy of a line's guest-visible state, used by
// the replay tool's state dump and by tests.
type LineSnapshot struct {
	ID       uint32
	Enabled  bool
	State    gic.LRState
	Priority uint8
	Edge     bool
	Target   gic.Target
	Owner    hv.CoreID
	InLR     bool
	LRIndex  int
	HWBacked bool
}

func (l *Line) snapshot() LineSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LineSnapshot{
		ID:       l.id,
		Enabled:  l.enabled,
		State:    l.state,
		Priority: l.priority,
		Edge:     l.edge,
		Target:   l.target,
		Owner:    l.Owner(),
		InLR:     l.inLR,
		LRIndex:  l.lrIndex,
		HWBacked: l.hwBacked,
	}
}
