package gic

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/vgic/internal/hv"
)

// PhysState is the mirrored state of one physical interrupt line.
type PhysState struct {
	Enabled  bool
	Pending  bool
	Active   bool
	Priority uint8
	Route    hv.CoreID
	Edge     bool
}

type softCore struct {
	raw         []uint64 // encoded slot values, 0 = empty
	eoi         uint64   // EISR bits
	eoiCount    int
	notifyEmpty bool
}

// Soft is a software-backed register block implementing Hardware for either
// generation. It stands in for the real GICH/ICH register window in tests and
// in the replay tool; values round-trip through the generation's real
// list-register encoding.
type Soft struct {
	version int
	numLRs  int

	mu    sync.Mutex
	cores []softCore
	phys  map[uint32]PhysState
}

func NewSoft(version, numCores, numLRs int) (*Soft, error) {
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if numLRs <= 0 || numLRs > 64 {
		return nil, fmt.Errorf("gic: bad list-register count %d", numLRs)
	}
	s := &Soft{
		version: version,
		numLRs:  numLRs,
		cores:   make([]softCore, numCores),
		phys:    make(map[uint32]PhysState),
	}
	for i := range s.cores {
		s.cores[i].raw = make([]uint64, numLRs)
	}
	return s, nil
}

func (s *Soft) Version() int { return s.version }

func (s *Soft) NumListRegs() int { return s.numLRs }

func (s *Soft) PriorityBits() int {
	if s.version == 2 {
		return 5
	}
	return 8
}

func (s *Soft) EvictPreferLowID() bool { return s.version == 3 }

func (s *Soft) core(core hv.CoreID) *softCore {
	if core < 0 || int(core) >= len(s.cores) {
		panic(fmt.Sprintf("gic: core %d out of range", core))
	}
	return &s.cores[core]
}

func (s *Soft) checkSlot(slot int) {
	if slot < 0 || slot >= s.numLRs {
		panic(fmt.Sprintf("gic: list register %d out of range", slot))
	}
}

func (s *Soft) decode(raw uint64) ListRegister {
	if s.version == 2 {
		return DecodeV2(uint32(raw))
	}
	return DecodeV3(raw)
}

func (s *Soft) encode(lr ListRegister) uint64 {
	if s.version == 2 {
		return uint64(lr.EncodeV2())
	}
	return lr.EncodeV3()
}

func (s *Soft) ReadLR(core hv.CoreID, slot int) ListRegister {
	s.checkSlot(slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decode(s.core(core).raw[slot])
}

func (s *Soft) WriteLR(core hv.CoreID, slot int, lr ListRegister) {
	s.checkSlot(slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.core(core).raw[slot] = s.encode(lr)
}

func (s *Soft) ClearLR(core hv.CoreID, slot int) {
	s.checkSlot(slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(core)
	c.raw[slot] = 0
	c.eoi &^= 1 << uint(slot)
}

func (s *Soft) FreeMask(core hv.CoreID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(core)
	var mask uint64
	for i, raw := range c.raw {
		if raw == 0 {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func (s *Soft) EOIMask(core hv.CoreID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(core)
	mask := c.eoi
	c.eoi = 0
	return mask
}

func (s *Soft) Maintenance(core hv.CoreID) MaintenanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(core)

	valid, pending := 0, 0
	for _, raw := range c.raw {
		if raw == 0 {
			continue
		}
		valid++
		if s.decode(raw).State.Pending() {
			pending++
		}
	}
	return MaintenanceStatus{
		EOI:       c.eoi != 0,
		Underflow: valid <= 1,
		NoPending: pending == 0,
		EOICount:  c.eoiCount,
	}
}

func (s *Soft) SetNotifyOnEmpty(core hv.CoreID, enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.core(core).notifyEmpty = enable
}

func (s *Soft) NotifyOnEmpty(core hv.CoreID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core(core).notifyEmpty
}

func (s *Soft) SetEOICount(core hv.CoreID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.core(core).eoiCount = n
}

func (s *Soft) SetPhysEnable(intid uint32, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.phys[intid]
	p.Enabled = enabled
	s.phys[intid] = p
}

func (s *Soft) SetPhysPending(intid uint32, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.phys[intid]
	p.Pending = pending
	s.phys[intid] = p
}

func (s *Soft) SetPhysActive(intid uint32, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.phys[intid]
	p.Active = active
	s.phys[intid] = p
}

func (s *Soft) SetPhysPriority(intid uint32, priority uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.phys[intid]
	p.Priority = priority
	s.phys[intid] = p
}

func (s *Soft) SetPhysRoute(intid uint32, core hv.CoreID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.phys[intid]
	p.Route = core
	s.phys[intid] = p
}

func (s *Soft) SetPhysConfig(intid uint32, edge bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.phys[intid]
	p.Edge = edge
	s.phys[intid] = p
}

// Phys returns the mirrored physical state of intid.
func (s *Soft) Phys(intid uint32) PhysState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phys[intid]
}

// Occupied returns the number of non-empty slots on core.
func (s *Soft) Occupied(core hv.CoreID) int {
	return s.numLRs - bits.OnesCount64(s.FreeMask(core)&(1<<uint(s.numLRs)-1))
}

// GuestAck simulates the guest acknowledging the interrupt in slot: a pending
// entry becomes active.
func (s *Soft) GuestAck(core hv.CoreID, slot int) {
	s.checkSlot(slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(core)
	lr := s.decode(c.raw[slot])
	if !lr.State.Pending() {
		return
	}
	lr.State = lr.State&^LRPending | LRActive
	c.raw[slot] = s.encode(lr)
}

// GuestEOI simulates the guest completing the interrupt in slot: the active
// bit clears and, once the slot goes inactive, the EOI status bit raises.
func (s *Soft) GuestEOI(core hv.CoreID, slot int) {
	s.checkSlot(slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(core)
	lr := s.decode(c.raw[slot])
	lr.State &^= LRActive
	c.raw[slot] = s.encode(lr)
	if lr.State == LRInactive {
		c.eoi |= 1 << uint(slot)
	}
}

// GuestEOINotPresent simulates the guest completing an interrupt whose slot
// was already evicted; the hardware counts these for the maintenance handler.
func (s *Soft) GuestEOINotPresent(core hv.CoreID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.core(core).eoiCount++
}

var _ Hardware = (*Soft)(nil)
