package gic

import (
	"errors"
	"testing"
)

func TestListRegisterV3RoundTrip(t *testing.T) {
	cases := []ListRegister{
		{IntID: 42, Priority: 0x80, State: LRPending, Group1: true},
		{IntID: 27, Priority: 0xFF, State: LRActive, Group1: true},
		{IntID: 1019, Priority: 0, State: LRPendingActive},
		{IntID: 64, Priority: 0x10, State: LRPending, Group1: true, HW: true, PhysID: 72},
	}
	for _, want := range cases {
		got := DecodeV3(want.EncodeV3())
		if got != want {
			t.Fatalf("v3 round trip of %+v gave %+v", want, got)
		}
	}
}

func TestListRegisterV2RoundTrip(t *testing.T) {
	cases := []ListRegister{
		// Legacy priorities only carry the top 5 bits, so stick to
		// multiples of 8 here.
		{IntID: 42, Priority: 0x80, State: LRPending, Group1: true},
		{IntID: 3, Priority: 0xA0, State: LRPending, Source: 5},
		{IntID: 200, Priority: 0xF8, State: LRActive, Group1: true},
		{IntID: 50, Priority: 0x08, State: LRPendingActive, HW: true, PhysID: 50},
	}
	for _, want := range cases {
		got := DecodeV2(want.EncodeV2())
		if got != want {
			t.Fatalf("v2 round trip of %+v gave %+v", want, got)
		}
	}
}

func TestListRegisterV2PriorityQuantized(t *testing.T) {
	lr := ListRegister{IntID: 40, Priority: 0x83, State: LRPending}
	got := DecodeV2(lr.EncodeV2())
	if got.Priority != 0x80 {
		t.Fatalf("expected priority 0x83 to quantize to 0x80, got %#x", got.Priority)
	}
}

func TestSoftGuestFlow(t *testing.T) {
	s, err := NewSoft(3, 1, 4)
	if err != nil {
		t.Fatalf("NewSoft: %v", err)
	}
	if s.PriorityBits() != 8 {
		t.Fatalf("modern generation carries %d priority bits", s.PriorityBits())
	}

	s.WriteLR(0, 1, ListRegister{IntID: 42, Priority: 0x80, State: LRPending, Group1: true})
	if s.Occupied(0) != 1 {
		t.Fatalf("expected 1 occupied slot, got %d", s.Occupied(0))
	}
	if free := s.FreeMask(0); free&(1<<1) != 0 {
		t.Fatalf("slot 1 still reported free: %#x", free)
	}

	s.GuestAck(0, 1)
	if got := s.ReadLR(0, 1).State; got != LRActive {
		t.Fatalf("expected active after ack, got %s", got.String())
	}

	s.GuestEOI(0, 1)
	if got := s.ReadLR(0, 1).State; got != LRInactive {
		t.Fatalf("expected inactive after eoi, got %s", got.String())
	}

	st := s.Maintenance(0)
	if !st.EOI {
		t.Fatalf("expected eoi status after completion: %+v", st)
	}
	if mask := s.EOIMask(0); mask != 1<<1 {
		t.Fatalf("expected eoi mask for slot 1, got %#x", mask)
	}
	// Reading the mask acknowledges it.
	if mask := s.EOIMask(0); mask != 0 {
		t.Fatalf("eoi mask did not clear on read: %#x", mask)
	}
}

func TestSoftMaintenanceCounters(t *testing.T) {
	s, err := NewSoft(2, 2, 4)
	if err != nil {
		t.Fatalf("NewSoft: %v", err)
	}
	if s.PriorityBits() != 5 {
		t.Fatalf("legacy generation carries %d priority bits", s.PriorityBits())
	}

	st := s.Maintenance(1)
	if !st.Underflow || !st.NoPending {
		t.Fatalf("empty core should report underflow and no-pending: %+v", st)
	}

	s.GuestEOINotPresent(1)
	s.GuestEOINotPresent(1)
	if st := s.Maintenance(1); st.EOICount != 2 {
		t.Fatalf("expected eoi count 2, got %d", st.EOICount)
	}
	s.SetEOICount(1, 0)
	if st := s.Maintenance(1); st.EOICount != 0 {
		t.Fatalf("eoi count did not reset: %d", st.EOICount)
	}
}

func TestProbePrefersModern(t *testing.T) {
	hw, err := Probe(func(version int) (Hardware, error) {
		return NewSoft(version, 1, 4)
	})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if hw.Version() != 3 {
		t.Fatalf("expected the modern generation first, got %d", hw.Version())
	}

	hw, err = Probe(func(version int) (Hardware, error) {
		if version == 3 {
			return nil, errors.New("not present")
		}
		return NewSoft(version, 1, 4)
	})
	if err != nil {
		t.Fatalf("Probe fallback: %v", err)
	}
	if hw.Version() != 2 {
		t.Fatalf("expected the legacy fallback, got %d", hw.Version())
	}

	_, err = Probe(func(version int) (Hardware, error) {
		return nil, errors.New("not present")
	})
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestTargetMatching(t *testing.T) {
	legacy := Target{Legacy: true, Mask: 0b0101}
	if !legacy.Matches(0) || legacy.Matches(1) || !legacy.Matches(2) {
		t.Fatalf("legacy mask matching broken: %+v", legacy)
	}
	if got := legacy.Cores(4); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("legacy core expansion gave %v", got)
	}

	aff := Target{Affinity: 1}
	if aff.Matches(0) || !aff.Matches(1) {
		t.Fatalf("affinity matching broken: %+v", aff)
	}

	bcast := Target{Broadcast: true}
	if got := bcast.Cores(3); len(got) != 3 {
		t.Fatalf("broadcast should match every core, got %v", got)
	}
}
