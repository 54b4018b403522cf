package gic

// LRState is the 2-bit state field of a hardware list register. Pending and
// Active are independent bits; both set means pending-and-active.
type LRState uint8

const (
	LRInactive      LRState = 0
	LRPending       LRState = 1
	LRActive        LRState = 2
	LRPendingActive LRState = 3
)

func (s LRState) Pending() bool { return s&LRPending != 0 }
func (s LRState) Active() bool  { return s&LRActive != 0 }

func (s LRState) String() string {
	switch s {
	case LRInactive:
		return "inactive"
	case LRPending:
		return "pending"
	case LRActive:
		return "active"
	default:
		return "pending+active"
	}
}

// ListRegister is the decoded form of one hardware list-register slot.
type ListRegister struct {
	IntID    uint32
	Priority uint8
	State    LRState
	Group1   bool

	// HW links the slot to a physical interrupt so that guest EOI
	// deactivates the physical line directly.
	HW     bool
	PhysID uint32

	// Source is the requesting core for legacy software-generated
	// interrupts (only meaningful when !HW and IntID < NumSGIs).
	Source uint8
}

// EncodeV2 packs the slot into the legacy 32-bit GICH_LR layout:
// VirtualID [9:0], PhysicalID [19:10] or CPUID [12:10], Priority [27:23],
// State [29:28], Grp1 [30], HW [31].
func (lr ListRegister) EncodeV2() uint32 {
	v := lr.IntID & 0x3FF
	if lr.HW {
		v |= (lr.PhysID & 0x3FF) << 10
	} else {
		v |= uint32(lr.Source&0x7) << 10
	}
	v |= uint32(lr.Priority>>3) << 23
	v |= uint32(lr.State&0x3) << 28
	if lr.Group1 {
		v |= 1 << 30
	}
	if lr.HW {
		v |= 1 << 31
	}
	return v
}

// DecodeV2 unpacks a legacy 32-bit GICH_LR value.
func DecodeV2(v uint32) ListRegister {
	lr := ListRegister{
		IntID:    v & 0x3FF,
		Priority: uint8(v>>23&0x1F) << 3,
		State:    LRState(v >> 28 & 0x3),
		Group1:   v&(1<<30) != 0,
		HW:       v&(1<<31) != 0,
	}
	if lr.HW {
		lr.PhysID = v >> 10 & 0x3FF
	} else {
		lr.Source = uint8(v >> 10 & 0x7)
	}
	return lr
}

// EncodeV3 packs the slot into the modern 64-bit ICH_LR_EL2 layout:
// vINTID [31:0], pINTID [41:32], Priority [55:48], Group [60], HW [61],
// State [63:62].
func (lr ListRegister) EncodeV3() uint64 {
	v := uint64(lr.IntID)
	if lr.HW {
		v |= uint64(lr.PhysID&0x3FF) << 32
		v |= 1 << 61
	}
	v |= uint64(lr.Priority) << 48
	if lr.Group1 {
		v |= 1 << 60
	}
	v |= uint64(lr.State&0x3) << 62
	return v
}

// DecodeV3 unpacks a modern 64-bit ICH_LR_EL2 value.
func DecodeV3(v uint64) ListRegister {
	lr := ListRegister{
		IntID:    uint32(v),
		Priority: uint8(v >> 48),
		State:    LRState(v >> 62 & 0x3),
		Group1:   v&(1<<60) != 0,
		HW:       v&(1<<61) != 0,
	}
	if lr.HW {
		lr.PhysID = uint32(v >> 32 & 0x3FF)
	}
	return lr
}
