package vgic

import (
	"testing"

	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

type stubVM struct {
	id  uint32
	max uint32
}

func (v stubVM) ID() uint32 { return v.id }

func (v stubVM) InterruptConfigured(id uint32) bool { return id < v.max }

type testEnv struct {
	g   *VGIC
	hw  *gic.Soft
	ipi *ChannelTransport
}

func newTestEnv(t *testing.T, version, cores, lrs, spis int) *testEnv {
	t.Helper()
	hw, err := gic.NewSoft(version, cores, lrs)
	if err != nil {
		t.Fatalf("NewSoft: %v", err)
	}
	ipi := NewChannelTransport(cores, 64)
	vm := stubVM{id: 1, max: gic.NumPrivate + uint32(spis)}
	g, err := New(vm, hw, ipi, Config{Version: version, Cores: cores, SPIs: spis})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{g: g, hw: hw, ipi: ipi}
}

// drain runs core's inbox to completion, like its interrupt handler would.
func (e *testEnv) drain(core hv.CoreID) int {
	return e.ipi.Drain(core, func(m Message) { e.g.OnCrossCoreMessage(core, m) })
}

// drainAll keeps draining every core until the system goes quiet.
func (e *testEnv) drainAll(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		n := 0
		for c := range e.g.cores {
			n += e.drain(hv.CoreID(c))
		}
		if n == 0 {
			return
		}
	}
	t.Fatalf("message traffic did not settle")
}

// raise programs an interrupt the way a guest would: priority, enable, pend.
func (e *testEnv) raise(core hv.CoreID, id uint32, prio uint8) {
	e.g.SetPriority(core, id, prio)
	e.g.SetEnable(core, id, true)
	e.g.SetPending(core, id, true)
}

func (e *testEnv) mustResident(t *testing.T, core hv.CoreID, id uint32) int {
	t.Helper()
	snap, ok := e.g.Snapshot(core, id)
	if !ok {
		t.Fatalf("no line for intid %d", id)
	}
	if !snap.InLR || snap.Owner != core {
		t.Fatalf("intid %d not resident on core %d: %+v", id, core, snap)
	}
	lr := e.hw.ReadLR(core, snap.LRIndex)
	if lr.IntID != id {
		t.Fatalf("slot %d holds intid %d, expected %d", snap.LRIndex, lr.IntID, id)
	}
	return snap.LRIndex
}

func TestPendingSPITakesSlot(t *testing.T) {
	e := newTestEnv(t, 3, 1, 4, 64)
	e.g.SetGlobalEnable(0, true)

	e.raise(0, 42, 0x80)

	slot := e.mustResident(t, 0, 42)
	lr := e.hw.ReadLR(0, slot)
	if lr.State != gic.LRPending || lr.Priority != 0x80 || !lr.Group1 {
		t.Fatalf("unexpected slot contents: %+v", lr)
	}
}

func TestDisabledDistributorQueues(t *testing.T) {
	e := newTestEnv(t, 3, 1, 4, 64)

	e.raise(0, 42, 0x80)
	snap, _ := e.g.Snapshot(0, 42)
	if snap.InLR {
		t.Fatalf("line delivered while distributor disabled")
	}
	if e.g.cores[0].pending.len() != 1 {
		t.Fatalf("line not queued: %d pending", e.g.cores[0].pending.len())
	}

	e.g.SetGlobalEnable(0, true)
	e.mustResident(t, 0, 42)
}

func TestGlobalEnableRearmsOtherCores(t *testing.T) {
	e := newTestEnv(t, 3, 2, 4, 64)

	e.g.SetRoute(0, 40, 1, false)
	e.g.SetPriority(0, 40, 0x40)
	e.g.SetEnable(0, 40, true)
	e.g.SetPending(0, 40, true)
	e.drainAll(t)

	// Routed to core 1 but held back by the disabled distributor.
	if snap, _ := e.g.Snapshot(1, 40); snap.InLR {
		t.Fatalf("delivered while disabled: %+v", snap)
	}

	e.g.SetGlobalEnable(0, true)
	e.drainAll(t)
	e.mustResident(t, 1, 40)
}

func TestPrivateLineStaysOnItsCore(t *testing.T) {
	e := newTestEnv(t, 3, 2, 4, 64)
	e.g.SetGlobalEnable(0, true)
	e.drainAll(t)

	// PPI 29 on core 1's bank, raised by core 1 itself.
	e.g.SetPriority(1, 29, 0x20)
	e.g.SetEnable(1, 29, true)
	e.g.SetPending(1, 29, true)

	e.mustResident(t, 1, 29)
	if snap, _ := e.g.Snapshot(0, 29); snap.InLR {
		t.Fatalf("core 0's bank of the PPI should be untouched: %+v", snap)
	}
}

func TestDisableRetiresResidentLine(t *testing.T) {
	e := newTestEnv(t, 3, 1, 4, 64)
	e.g.SetGlobalEnable(0, true)

	e.raise(0, 42, 0x80)
	e.mustResident(t, 0, 42)

	e.g.SetEnable(0, 42, false)
	snap, _ := e.g.Snapshot(0, 42)
	if snap.InLR {
		t.Fatalf("disabled line still resident: %+v", snap)
	}
	if snap.State != gic.LRPending {
		t.Fatalf("pending state lost across disable: %+v", snap)
	}

	// Re-enable brings it straight back.
	e.g.SetEnable(0, 42, true)
	e.mustResident(t, 0, 42)
}

func TestNoSilentInterruptLoss(t *testing.T) {
	e := newTestEnv(t, 3, 1, 2, 64)
	e.g.SetGlobalEnable(0, true)

	ids := []uint32{40, 41, 42, 43, 44, 45}
	for i, id := range ids {
		e.raise(0, id, uint8(0x30+i*8))
	}

	// Every enabled pending interrupt must be resident or queued.
	for _, id := range ids {
		snap, _ := e.g.Snapshot(0, id)
		if snap.InLR {
			continue
		}
		queued := false
		for _, qid := range e.g.cores[0].pending.ids {
			if qid == id {
				queued = true
			}
		}
		if !queued {
			t.Fatalf("intid %d neither resident nor queued", id)
		}
	}
}

func TestHardwareBackedLineMirrorsPhysState(t *testing.T) {
	e := newTestEnv(t, 3, 1, 4, 64)
	e.g.SetGlobalEnable(0, true)

	if !e.g.MarkHardwareBacked(40, 72) {
		t.Fatalf("MarkHardwareBacked refused a shared line")
	}
	if e.g.MarkHardwareBacked(29, 29) {
		t.Fatalf("MarkHardwareBacked accepted a private line")
	}

	e.g.SetPriority(0, 40, 0x60)
	e.g.SetConfig(0, 40, true)
	e.g.SetEnable(0, 40, true)
	phys := e.hw.Phys(72)
	if !phys.Enabled || phys.Priority != 0x60 || !phys.Edge {
		t.Fatalf("physical mirror not maintained: %+v", phys)
	}

	e.g.SetPending(0, 40, true)
	slot := e.mustResident(t, 0, 40)
	lr := e.hw.ReadLR(0, slot)
	if !lr.HW || lr.PhysID != 72 {
		t.Fatalf("slot not linked to the physical line: %+v", lr)
	}

	// While retired mid-delivery the physical line is held active so the
	// controller cannot re-deliver it.
	e.hw.GuestAck(0, slot)
	e.g.SetPriority(0, 40, 0x50) // forces a retire/re-add cycle
	if !e.hw.Phys(72).Active {
		t.Fatalf("physical line not held active across retirement")
	}

	slot = e.mustResident(t, 0, 40)
	e.hw.GuestEOI(0, slot)
	e.g.OnMaintenanceInterrupt(0)
	if e.hw.Phys(72).Active {
		t.Fatalf("physical line still active after completion")
	}
}

func TestSnapshotUnknownID(t *testing.T) {
	e := newTestEnv(t, 3, 1, 4, 64)
	if _, ok := e.g.Snapshot(0, 5000); ok {
		t.Fatalf("snapshot of unknown intid succeeded")
	}
	if _, ok := e.g.Snapshot(7, 42); ok {
		t.Fatalf("snapshot on unknown core succeeded")
	}
}

func TestVersionMismatchRejected(t *testing.T) {
	hw, err := gic.NewSoft(2, 1, 4)
	if err != nil {
		t.Fatalf("NewSoft: %v", err)
	}
	_, err = New(stubVM{id: 1, max: 96}, hw, NewChannelTransport(1, 8), Config{Version: 3, Cores: 1, SPIs: 64})
	if err == nil {
		t.Fatalf("expected generation mismatch error")
	}
}
