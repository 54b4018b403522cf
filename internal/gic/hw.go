package gic

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vgic/internal/hv"
)

// ErrUnsupportedVersion reports a controller generation this package cannot
// drive; callers test for it with errors.Is.
var ErrUnsupportedVersion = errors.New("gic: unsupported controller generation")

// MaintenanceStatus mirrors the hardware maintenance-interrupt status bits
// relevant to list-register reconciliation.
type MaintenanceStatus struct {
	EOI       bool // one or more slots have signalled end-of-interrupt
	Underflow bool // zero or one valid slots remain
	NoPending bool // no slot holds a pending entry
	EOICount  int  // outstanding evicted-entry deactivations
}

// Hardware is the hypervisor-control view of one interrupt controller
// generation. The two implementing variants (legacy and modern) differ in
// list-register encoding, priority width, routing model and eviction
// tie-break; everything above this interface is generation-agnostic.
//
// List-register slots are a core-exclusive resource: callers must only touch
// slots of the core their own thread of control runs on.
type Hardware interface {
	Version() int
	NumListRegs() int
	PriorityBits() int

	ReadLR(core hv.CoreID, slot int) ListRegister
	WriteLR(core hv.CoreID, slot int, lr ListRegister)
	ClearLR(core hv.CoreID, slot int)

	// FreeMask returns a bitmask of empty slots (the hardware's empty
	// list-register status register).
	FreeMask(core hv.CoreID) uint64

	// EOIMask returns a bitmask of slots whose interrupt the guest has
	// completed; reading it acknowledges the bits.
	EOIMask(core hv.CoreID) uint64

	Maintenance(core hv.CoreID) MaintenanceStatus

	// SetNotifyOnEmpty arms or disarms the "raise a maintenance interrupt
	// when a slot becomes free" hardware flag.
	SetNotifyOnEmpty(core hv.CoreID, enable bool)
	NotifyOnEmpty(core hv.CoreID) bool

	// SetEOICount writes back the outstanding-eviction counter after the
	// handler has deactivated evicted entries.
	SetEOICount(core hv.CoreID, n int)

	// Physical distributor mirror for hardware-backed lines.
	SetPhysEnable(intid uint32, enabled bool)
	SetPhysPending(intid uint32, pending bool)
	SetPhysActive(intid uint32, active bool)
	SetPhysPriority(intid uint32, priority uint8)
	SetPhysRoute(intid uint32, core hv.CoreID)
	SetPhysConfig(intid uint32, edge bool)

	// EvictPreferLowID reports this generation's tie-break between
	// equal-priority eviction candidates: lowest interrupt id for the
	// modern generation, highest for the legacy one.
	EvictPreferLowID() bool
}

// Probe opens whichever controller generation the platform supports, trying
// the modern one first.
func Probe(open func(version int) (Hardware, error)) (Hardware, error) {
	hw, v3err := open(3)
	if v3err == nil {
		return hw, nil
	}
	hw, v2err := open(2)
	if v2err == nil {
		return hw, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedVersion, errors.Join(v3err, v2err))
}
