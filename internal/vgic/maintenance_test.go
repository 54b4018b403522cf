package vgic

import (
	"testing"

	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

func TestMaintenanceRetiresCompleted(t *testing.T) {
	e := newTestEnv(t, 3, 1, 4, 64)
	e.g.SetGlobalEnable(0, true)

	e.raise(0, 42, 0x80)
	slot := e.mustResident(t, 0, 42)

	e.hw.GuestAck(0, slot)
	e.hw.GuestEOI(0, slot)
	e.g.OnMaintenanceInterrupt(0)

	snap, _ := e.g.Snapshot(0, 42)
	if snap.InLR || snap.State != gic.LRInactive {
		t.Fatalf("completed interrupt not retired: %+v", snap)
	}
	if snap.Owner != hv.CoreNone {
		t.Fatalf("idle line should have been yielded: %+v", snap)
	}
	if e.hw.Occupied(0) != 0 {
		t.Fatalf("slot not released")
	}
}

func TestMaintenanceRefillsQueued(t *testing.T) {
	e := newTestEnv(t, 3, 1, 2, 64)
	e.g.SetGlobalEnable(0, true)

	e.raise(0, 40, 0x10)
	e.raise(0, 41, 0x10)
	e.raise(0, 44, 0x50)
	e.raise(0, 45, 0x70)
	if !e.hw.NotifyOnEmpty(0) {
		t.Fatalf("overflow did not arm the empty-slot flag")
	}

	// The guest completes both resident interrupts; the freed slots must
	// go to the queued ones, best priority in the first free slot.
	for slot := 0; slot < 2; slot++ {
		e.hw.GuestAck(0, slot)
		e.hw.GuestEOI(0, slot)
	}
	e.g.OnMaintenanceInterrupt(0)

	if got := e.hw.ReadLR(0, 0).IntID; got != 44 {
		t.Fatalf("slot 0 holds intid %d, expected 44", got)
	}
	if got := e.hw.ReadLR(0, 1).IntID; got != 45 {
		t.Fatalf("slot 1 holds intid %d, expected 45", got)
	}
	if e.g.cores[0].pending.len() != 0 {
		t.Fatalf("queue not drained: %d left", e.g.cores[0].pending.len())
	}
}

func TestMaintenanceClearsFlagWhenQueueEmpty(t *testing.T) {
	e := newTestEnv(t, 3, 1, 2, 64)
	e.g.SetGlobalEnable(0, true)

	e.hw.SetNotifyOnEmpty(0, true)
	e.g.OnMaintenanceInterrupt(0)
	if e.hw.NotifyOnEmpty(0) {
		t.Fatalf("empty-slot flag left armed with nothing queued")
	}
}

func TestSGISelfRefillOnNextSource(t *testing.T) {
	e := newTestEnv(t, 2, 2, 2, 64)
	e.g.SetGlobalEnable(0, true)
	e.drainAll(t)

	// Two cores raise the same software-generated interrupt at core 0;
	// the slot carries one source at a time.
	e.g.SetEnable(0, 3, true)
	e.g.setPendingFrom(0, 3, true, 0)
	e.g.setPendingFrom(0, 3, true, 1)

	slot := e.mustResident(t, 0, 3)
	if lr := e.hw.ReadLR(0, slot); lr.Source != 0 {
		t.Fatalf("expected source 0 first, got %d", lr.Source)
	}
	if got := e.g.SGISources(0, 3); got != 0b11 {
		t.Fatalf("source mask %#b, expected both cores", got)
	}

	// Completing the first copy immediately re-delivers the second.
	e.hw.GuestAck(0, slot)
	e.hw.GuestEOI(0, slot)
	e.g.OnMaintenanceInterrupt(0)

	slot = e.mustResident(t, 0, 3)
	lr := e.hw.ReadLR(0, slot)
	if lr.State != gic.LRPending || lr.Source != 1 {
		t.Fatalf("second source not re-delivered: %+v", lr)
	}
	if got := e.g.SGISources(0, 3); got != 0b10 {
		t.Fatalf("consumed source still set: %#b", got)
	}

	// The last copy retires for good.
	e.hw.GuestAck(0, slot)
	e.hw.GuestEOI(0, slot)
	e.g.OnMaintenanceInterrupt(0)
	snap, _ := e.g.Snapshot(0, 3)
	if snap.InLR || snap.State != gic.LRInactive {
		t.Fatalf("drained SGI still live: %+v", snap)
	}
}

func TestModernSGICompletesFromAnySource(t *testing.T) {
	e := newTestEnv(t, 3, 2, 2, 64)
	e.g.SetGlobalEnable(0, true)
	e.drainAll(t)

	// The modern slot encoding carries no source field, so the source mask
	// collapses to a single bit and one delivery consumes the line even
	// when the raising core is not core 0.
	e.g.SetEnable(1, 5, true)
	e.g.setPendingFrom(1, 5, true, 1)
	if got := e.g.SGISources(1, 5); got != 1<<0 {
		t.Fatalf("source mask %#b, expected the collapsed bit", got)
	}
	slot := e.mustResident(t, 1, 5)

	e.hw.GuestAck(1, slot)
	e.hw.GuestEOI(1, slot)
	e.g.OnMaintenanceInterrupt(1)

	snap, _ := e.g.Snapshot(1, 5)
	if snap.InLR || snap.State != gic.LRInactive {
		t.Fatalf("completed SGI came back: %+v", snap)
	}
	if got := e.g.SGISources(1, 5); got != 0 {
		t.Fatalf("stale source bits %#b after completion", got)
	}
	if e.hw.Occupied(1) != 0 {
		t.Fatalf("slot not released")
	}
}

func TestMaintenanceDrainsEvictedActive(t *testing.T) {
	e := newTestEnv(t, 3, 1, 1, 64)
	e.g.SetGlobalEnable(0, true)

	e.raise(0, 60, 0x40)
	e.hw.GuestAck(0, 0)

	// A better interrupt evicts the active one; its active state parks in
	// the candidate set.
	e.raise(0, 61, 0x10)
	e.mustResident(t, 0, 61)
	snap, _ := e.g.Snapshot(0, 60)
	if snap.InLR || snap.State != gic.LRActive {
		t.Fatalf("evicted interrupt should be parked active: %+v", snap)
	}

	// The guest completes it while it has no slot; the hardware can only
	// count that, and the handler reconciles the count.
	e.hw.GuestEOINotPresent(0)
	e.g.OnMaintenanceInterrupt(0)

	snap, _ = e.g.Snapshot(0, 60)
	if snap.State != gic.LRInactive {
		t.Fatalf("evicted-completion not retired: %+v", snap)
	}
	if snap.Owner != hv.CoreNone {
		t.Fatalf("retired line should have been yielded: %+v", snap)
	}
	if st := e.hw.Maintenance(0); st.EOICount != 0 {
		t.Fatalf("completion count not consumed: %d", st.EOICount)
	}
}

func TestUnderflowPrefersActiveWhenNothingPending(t *testing.T) {
	e := newTestEnv(t, 3, 1, 1, 64)
	e.g.SetGlobalEnable(0, true)

	// Park an active interrupt off-slot, then free the slot entirely.
	e.raise(0, 60, 0x40)
	e.hw.GuestAck(0, 0)
	e.raise(0, 61, 0x10)
	l := e.g.line(0, 61)
	l.mu.Lock()
	e.g.removeLRLocked(0, l)
	e.g.yieldOwner(0, l)
	l.mu.Unlock()

	// With no pending candidates the active one gets the slot back so the
	// guest can complete it in order.
	e.g.OnMaintenanceInterrupt(0)
	slot := e.mustResident(t, 0, 60)
	if lr := e.hw.ReadLR(0, slot); lr.State != gic.LRActive {
		t.Fatalf("restored entry should be active: %+v", lr)
	}
}
