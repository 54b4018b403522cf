//go:build linux && arm64

package gic

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vgic/internal/hv"
)

// Legacy GICH register offsets within the per-core hypervisor control frame.
const (
	gichHCR   = 0x000
	gichVTR   = 0x004
	gichMISR  = 0x010
	gichEISR0 = 0x020
	gichELRSR = 0x030
	gichLR0   = 0x100
)

// GICH_HCR bits.
const (
	gichHCRUIE      = 1 << 1  // underflow maintenance enable
	gichHCRNPIE     = 1 << 3  // no-pending maintenance enable
	gichHCREOICount = 27      // EOICount field shift
)

// GICH_MISR bits.
const (
	gichMISREOI   = 1 << 0
	gichMISRU     = 1 << 1
	gichMISRLRENP = 1 << 2
	gichMISRNP    = 1 << 3
)

// MMap is the legacy-generation Hardware variant backed by real, memory
// mapped GICH hypervisor-control frames (one per core) and the physical
// distributor frame. Only the core a slot belongs to may touch that slot, so
// the only lock here guards the shared distributor frame.
type MMap struct {
	f      *os.File
	gich   [][]byte // per-core hypervisor control frame
	gicd   []byte   // shared physical distributor frame
	numLRs int

	distMu sync.Mutex
}

// OpenMMap maps the physical register frames from devmem (usually /dev/mem).
// gichBase is the base of core 0's hypervisor control frame; frames for
// further cores follow at gichStride intervals.
func OpenMMap(devmem string, gicdBase, gichBase, gichStride uint64, numCores int) (*MMap, error) {
	f, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("gic: open %s: %w", devmem, err)
	}

	m := &MMap{f: f}

	m.gicd, err = unix.Mmap(int(f.Fd()), int64(gicdBase), 0x1000,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gic: map distributor frame: %w", err)
	}

	for i := 0; i < numCores; i++ {
		frame, err := unix.Mmap(int(f.Fd()), int64(gichBase+uint64(i)*gichStride), 0x1000,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("gic: map GICH frame for core %d: %w", i, err)
		}
		m.gich = append(m.gich, frame)
	}

	// GICH_VTR.ListRegs is (count - 1).
	m.numLRs = int(m.read32(m.gich[0], gichVTR)&0x3F) + 1
	return m, nil
}

func (m *MMap) Close() error {
	for _, frame := range m.gich {
		unix.Munmap(frame)
	}
	if m.gicd != nil {
		unix.Munmap(m.gicd)
	}
	return m.f.Close()
}

func (m *MMap) read32(frame []byte, off uint64) uint32 {
	return *(*uint32)(unsafe.Pointer(&frame[off]))
}

func (m *MMap) write32(frame []byte, off uint64, v uint32) {
	*(*uint32)(unsafe.Pointer(&frame[off])) = v
}

func (m *MMap) Version() int { return 2 }

func (m *MMap) NumListRegs() int { return m.numLRs }

func (m *MMap) PriorityBits() int { return 5 }

func (m *MMap) EvictPreferLowID() bool { return false }

func (m *MMap) lrOff(slot int) uint64 { return gichLR0 + uint64(slot)*4 }

func (m *MMap) ReadLR(core hv.CoreID, slot int) ListRegister {
	return DecodeV2(m.read32(m.gich[core], m.lrOff(slot)))
}

func (m *MMap) WriteLR(core hv.CoreID, slot int, lr ListRegister) {
	m.write32(m.gich[core], m.lrOff(slot), lr.EncodeV2())
}

func (m *MMap) ClearLR(core hv.CoreID, slot int) {
	m.write32(m.gich[core], m.lrOff(slot), 0)
}

func (m *MMap) FreeMask(core hv.CoreID) uint64 {
	return uint64(m.read32(m.gich[core], gichELRSR))
}

func (m *MMap) EOIMask(core hv.CoreID) uint64 {
	return uint64(m.read32(m.gich[core], gichEISR0))
}

func (m *MMap) Maintenance(core hv.CoreID) MaintenanceStatus {
	frame := m.gich[core]
	misr := m.read32(frame, gichMISR)
	st := MaintenanceStatus{
		EOI:       misr&gichMISREOI != 0,
		Underflow: misr&gichMISRU != 0,
		NoPending: misr&gichMISRNP != 0,
	}
	// EOICount is only meaningful while MISR.LRENP flags completions of
	// entries no longer present in a list register.
	if misr&gichMISRLRENP != 0 {
		st.EOICount = int(m.read32(frame, gichHCR) >> gichHCREOICount & 0x1F)
	}
	return st
}

func (m *MMap) SetNotifyOnEmpty(core hv.CoreID, enable bool) {
	frame := m.gich[core]
	hcr := m.read32(frame, gichHCR)
	if enable {
		hcr |= gichHCRNPIE | gichHCRUIE
	} else {
		hcr &^= gichHCRNPIE | gichHCRUIE
	}
	m.write32(frame, gichHCR, hcr)
}

func (m *MMap) NotifyOnEmpty(core hv.CoreID) bool {
	return m.read32(m.gich[core], gichHCR)&(gichHCRNPIE|gichHCRUIE) != 0
}

func (m *MMap) SetEOICount(core hv.CoreID, n int) {
	frame := m.gich[core]
	hcr := m.read32(frame, gichHCR)
	hcr = hcr&^(0x1F<<gichHCREOICount) | uint32(n&0x1F)<<gichHCREOICount
	m.write32(frame, gichHCR, hcr)
}

func (m *MMap) distRMW(off uint64, set, clear uint32) {
	m.distMu.Lock()
	defer m.distMu.Unlock()
	v := m.read32(m.gicd, off)
	m.write32(m.gicd, off, v&^clear|set)
}

func (m *MMap) SetPhysEnable(intid uint32, enabled bool) {
	reg := GICDIsenabler
	if !enabled {
		reg = GICDIcenabler
	}
	m.write32(m.gicd, uint64(reg)+uint64(intid/32)*4, 1<<(intid%32))
}

func (m *MMap) SetPhysPending(intid uint32, pending bool) {
	reg := GICDIspendr
	if !pending {
		reg = GICDIcpendr
	}
	m.write32(m.gicd, uint64(reg)+uint64(intid/32)*4, 1<<(intid%32))
}

func (m *MMap) SetPhysActive(intid uint32, active bool) {
	reg := GICDIsactiver
	if !active {
		reg = GICDIcactiver
	}
	m.write32(m.gicd, uint64(reg)+uint64(intid/32)*4, 1<<(intid%32))
}

func (m *MMap) SetPhysPriority(intid uint32, priority uint8) {
	shift := intid % 4 * 8
	m.distRMW(uint64(GICDIpriorityr)+uint64(intid/4)*4,
		uint32(priority)<<shift, 0xFF<<shift)
}

func (m *MMap) SetPhysRoute(intid uint32, core hv.CoreID) {
	shift := intid % 4 * 8
	m.distRMW(uint64(GICDItargetsr)+uint64(intid/4)*4,
		uint32(1)<<(uint(core)+uint(shift)), 0xFF<<shift)
}

func (m *MMap) SetPhysConfig(intid uint32, edge bool) {
	shift := intid % 16 * 2
	var set uint32
	if edge {
		set = 2 << shift
	}
	m.distRMW(uint64(GICDIcfgr)+uint64(intid/16)*4, set, 3<<shift)
}

var _ Hardware = (*MMap)(nil)
