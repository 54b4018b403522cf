package vgic

import (
	"log/slog"

	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
)

// MMIO trap decoder: fans a trapped guest access out, bit by bit or byte by
// byte, onto the distributor/private-bank operations, and aggregates the
// results into one register value on reads.
//
// Width rules per register class: bulk bitmap registers take 4-byte aligned
// 32-bit accesses only; the priority/target byte arrays take 1/2/4-byte
// accesses at matching alignment; the modern routing array takes 8-byte
// accesses. Anything else, and any offset matching no architectural register,
// is an access fault (returns false, no side effect). Architecturally defined
// registers this model does not implement read as zero and ignore writes.

// HandleTrappedAccess emulates one guest access to the virtual distributor or
// redistributor window. It reports whether the access was valid; reads leave
// their result in acc.Value.
func (g *VGIC) HandleTrappedAccess(acc *hv.MMIOAccess) bool {
	switch acc.Size {
	case 1, 2, 4, 8:
	default:
		return g.fault(acc, "bad width")
	}
	if acc.Addr%uint64(acc.Size) != 0 {
		return g.fault(acc, "misaligned")
	}
	if g.Core(acc.Core) == nil {
		return g.fault(acc, "unknown core")
	}

	if acc.Addr >= g.cfg.DistBase && acc.Addr < g.cfg.DistBase+g.cfg.DistSize {
		return g.distAccess(acc, acc.Addr-g.cfg.DistBase)
	}

	if g.cfg.Version == 3 {
		end := g.cfg.RedistBase + g.cfg.RedistSize*uint64(len(g.cores))
		if acc.Addr >= g.cfg.RedistBase && acc.Addr < end {
			off := acc.Addr - g.cfg.RedistBase
			bank := hv.CoreID(off / g.cfg.RedistSize)
			return g.redistAccess(acc, bank, off%g.cfg.RedistSize)
		}
	}
	return g.fault(acc, "outside windows")
}

func (g *VGIC) fault(acc *hv.MMIOAccess, why string) bool {
	slog.Warn("vgic: invalid guest access", "reason", why,
		"core", acc.Core, "addr", acc.Addr, "size", acc.Size, "write", acc.Write)
	return false
}

func (g *VGIC) numIDs() uint32 { return gic.NumPrivate + uint32(len(g.dist.lines)) }

func (g *VGIC) distAccess(acc *hv.MMIOAccess, off uint64) bool {
	core := acc.Core

	switch {
	case off == gic.GICDCtlr:
		if acc.Size != 4 {
			return g.fault(acc, "bad width")
		}
		if acc.Write {
			g.SetGlobalEnable(core, acc.Value&1 != 0)
		} else {
			acc.Value = 0
			if g.ctlr.Load() {
				acc.Value = 1
			}
		}
		return true

	case off == gic.GICDTyper:
		return g.read32(acc, g.dist.typer)

	case off == gic.GICDIidr:
		return g.read32(acc, g.dist.iidr)

	case off == gic.GICDTyper2 && g.cfg.Version == 3:
		return g.read32(acc, 0)

	case off == gic.GICDPidr2 && g.cfg.Version == 3:
		return g.read32(acc, gic.ArchRevGICv3)

	case off >= gic.GICDIgroupr && off < gic.GICDIgroupr+0x80:
		// Group assignment is not modelled.
		return g.bitmap(acc, off-gic.GICDIgroupr, nil, nil)

	case off >= gic.GICDIsenabler && off < gic.GICDIsenabler+0x80:
		return g.bitmap(acc, off-gic.GICDIsenabler,
			func(bank hv.CoreID, id uint32) { g.setEnableIn(core, bank, id, true) },
			g.enabledIn)

	case off >= gic.GICDIcenabler && off < gic.GICDIcenabler+0x80:
		return g.bitmap(acc, off-gic.GICDIcenabler,
			func(bank hv.CoreID, id uint32) { g.setEnableIn(core, bank, id, false) },
			g.enabledIn)

	case off >= gic.GICDIspendr && off < gic.GICDIspendr+0x80:
		return g.bitmap(acc, off-gic.GICDIspendr,
			func(bank hv.CoreID, id uint32) { g.setPendingIn(core, bank, id, true, core) },
			func(bank hv.CoreID, id uint32) bool { return g.pendingIn(core, bank, id) })

	case off >= gic.GICDIcpendr && off < gic.GICDIcpendr+0x80:
		return g.bitmap(acc, off-gic.GICDIcpendr,
			func(bank hv.CoreID, id uint32) { g.setPendingIn(core, bank, id, false, core) },
			func(bank hv.CoreID, id uint32) bool { return g.pendingIn(core, bank, id) })

	case off >= gic.GICDIsactiver && off < gic.GICDIsactiver+0x80:
		return g.bitmap(acc, off-gic.GICDIsactiver,
			func(bank hv.CoreID, id uint32) { g.setActiveIn(core, bank, id, true) },
			func(bank hv.CoreID, id uint32) bool { return g.activeIn(core, bank, id) })

	case off >= gic.GICDIcactiver && off < gic.GICDIcactiver+0x80:
		return g.bitmap(acc, off-gic.GICDIcactiver,
			func(bank hv.CoreID, id uint32) { g.setActiveIn(core, bank, id, false) },
			func(bank hv.CoreID, id uint32) bool { return g.activeIn(core, bank, id) })

	case off >= gic.GICDIpriorityr && off < gic.GICDIpriorityr+1024:
		return g.byteArray(acc, off-gic.GICDIpriorityr,
			func(bank hv.CoreID, id uint32, v uint8) { g.setPriorityIn(core, bank, id, v) },
			g.priorityIn)

	case off >= gic.GICDItargetsr && off < gic.GICDItargetsr+1024:
		if g.cfg.Version != 2 {
			return g.rawZero(acc) // affinity routing supersedes target bytes
		}
		return g.byteArray(acc, off-gic.GICDItargetsr,
			func(bank hv.CoreID, id uint32, v uint8) {
				if id >= gic.NumPrivate {
					g.SetTargets(core, id, v)
				}
			},
			func(bank hv.CoreID, id uint32) uint8 {
				if id < gic.NumPrivate {
					return 1 << uint(core)
				}
				return g.Targets(core, id).Mask
			})

	case off >= gic.GICDIcfgr && off < gic.GICDIcfgr+256:
		return g.cfgAccess(acc, acc.Core, off-gic.GICDIcfgr, false)

	case off == gic.GICDSgir && g.cfg.Version == 2:
		if acc.Size != 4 || !acc.Write {
			return g.fault(acc, "bad SGIR access")
		}
		g.sgir(core, uint32(acc.Value))
		return true

	case off >= gic.GICDCpendsgir && off < gic.GICDCpendsgir+16 && g.cfg.Version == 2:
		return g.sgiSourceArray(acc, off-gic.GICDCpendsgir, false)

	case off >= gic.GICDSpendsgir && off < gic.GICDSpendsgir+16 && g.cfg.Version == 2:
		return g.sgiSourceArray(acc, off-gic.GICDSpendsgir, true)

	case g.cfg.Version == 3 && off >= gic.GICDIrouter && off < gic.GICDIrouter+8*1024:
		return g.router(acc, off-gic.GICDIrouter)
	}

	return g.fault(acc, "unknown distributor register")
}

func (g *VGIC) read32(acc *hv.MMIOAccess, v uint32) bool {
	if acc.Size != 4 {
		return g.fault(acc, "bad width")
	}
	if !acc.Write {
		acc.Value = uint64(v)
	}
	return true // writes to read-only identification registers are ignored
}

func (g *VGIC) rawZero(acc *hv.MMIOAccess) bool {
	if !acc.Write {
		acc.Value = 0
	}
	return true
}

// bitmap handles one bulk bitmap register: 32 ids per 32-bit word, write-one
// semantics. A nil op/get pair makes the register read-as-zero/write-ignored.
// Ids the VM is not configured with are skipped; ids below 16 are always
// permitted. In the modern generation the distributor bitmaps cover shared
// interrupts only (private ids live in the redistributor frames).
func (g *VGIC) bitmap(acc *hv.MMIOAccess, rel uint64,
	op func(bank hv.CoreID, id uint32), get func(bank hv.CoreID, id uint32) bool) bool {

	if acc.Size != 4 {
		return g.fault(acc, "bitmap register needs 32-bit access")
	}
	first := uint32(rel/4) * gic.IDsPerEnReg
	if first >= g.numIDs() {
		return g.fault(acc, "bitmap register beyond configured interrupts")
	}
	if op == nil || get == nil {
		return g.rawZero(acc)
	}

	var mask uint64
	for i := uint32(0); i < gic.IDsPerEnReg; i++ {
		id := first + i
		if g.cfg.Version == 3 && id < gic.NumPrivate {
			continue
		}
		if !g.configured(id) {
			continue
		}
		if acc.Write {
			if acc.Value&(1<<i) != 0 {
				op(acc.Core, id)
			}
		} else if get(acc.Core, id) {
			mask |= 1 << i
		}
	}
	if !acc.Write {
		acc.Value = mask
	}
	return true
}

// byteArray handles one id-per-byte register file (priorities, legacy
// targets) at 1/2/4-byte widths.
func (g *VGIC) byteArray(acc *hv.MMIOAccess, rel uint64,
	set func(bank hv.CoreID, id uint32, v uint8), get func(bank hv.CoreID, id uint32) uint8) bool {

	if acc.Size > 4 {
		return g.fault(acc, "bad width")
	}
	first := uint32(rel)
	if first >= g.numIDs() {
		return g.fault(acc, "register beyond configured interrupts")
	}

	var out uint64
	for i := 0; i < acc.Size; i++ {
		id := first + uint32(i)
		if g.cfg.Version == 3 && id < gic.NumPrivate {
			continue
		}
		if !g.configured(id) {
			continue
		}
		if acc.Write {
			set(acc.Core, id, uint8(acc.Value>>(8*i)))
		} else {
			out |= uint64(get(acc.Core, id)) << (8 * i)
		}
	}
	if !acc.Write {
		acc.Value = out
	}
	return true
}

// cfgAccess handles the 2-bits-per-id trigger configuration registers for the
// bank's lines. SGI configuration is fixed. Under affinity routing private
// trigger config lives only in the redistributor frames, so the modern
// distributor fan-out skips private ids the way the sibling handlers do.
func (g *VGIC) cfgAccess(acc *hv.MMIOAccess, bank hv.CoreID, rel uint64, redist bool) bool {
	if acc.Size != 4 {
		return g.fault(acc, "config register needs 32-bit access")
	}
	first := uint32(rel/4) * 16
	if first >= g.numIDs() {
		return g.fault(acc, "config register beyond configured interrupts")
	}

	var out uint64
	for i := uint32(0); i < 16; i++ {
		id := first + i
		if g.cfg.Version == 3 && id < gic.NumPrivate && !redist {
			continue
		}
		if !g.configured(id) {
			continue
		}
		if acc.Write {
			g.setConfigIn(acc.Core, bank, id, acc.Value&(1<<(2*i+1)) != 0)
		} else if g.edgeIn(bank, id) {
			out |= 1 << (2*i + 1)
		}
	}
	if !acc.Write {
		acc.Value = out
	}
	return true
}

// sgiSourceArray handles the legacy per-source SGI pending registers: one
// byte per SGI, one bit per raising core.
func (g *VGIC) sgiSourceArray(acc *hv.MMIOAccess, rel uint64, set bool) bool {
	if acc.Size > 4 {
		return g.fault(acc, "bad width")
	}
	var out uint64
	for i := 0; i < acc.Size; i++ {
		id := uint32(rel) + uint32(i)
		if id >= gic.NumSGIs {
			break
		}
		if acc.Write {
			b := uint8(acc.Value >> (8 * i))
			for s := hv.CoreID(0); s < 8; s++ {
				if b&(1<<uint(s)) != 0 {
					g.setSGISource(acc.Core, acc.Core, id, s, set)
				}
			}
		} else {
			out |= uint64(g.sgiSourcesIn(acc.Core, id)) << (8 * i)
		}
	}
	if !acc.Write {
		acc.Value = out
	}
	return true
}

// sgir decodes a legacy software-generated interrupt request and raises the
// SGI in each targeted core's private bank, recording the requester as the
// source.
func (g *VGIC) sgir(core hv.CoreID, v uint32) {
	id := v & 0xF
	filter := v >> 24 & 0x3
	list := uint8(v >> 16)

	var targets []hv.CoreID
	switch filter {
	case gic.SgirTargetList:
		for c := hv.CoreID(0); int(c) < len(g.cores); c++ {
			if list&(1<<uint(c)) != 0 {
				targets = append(targets, c)
			}
		}
	case gic.SgirAllButSelf:
		for c := hv.CoreID(0); int(c) < len(g.cores); c++ {
			if c != core {
				targets = append(targets, c)
			}
		}
	case gic.SgirSelf:
		targets = []hv.CoreID{core}
	default:
		slog.Warn("vgic: reserved SGIR filter", "core", core, "value", v)
		return
	}

	for _, t := range targets {
		g.setPendingIn(core, t, id, true, core)
	}
}

// router handles the modern per-interrupt affinity routing array (64-bit
// registers, shared interrupts only). Bit 31 is the any-core broadcast flag.
func (g *VGIC) router(acc *hv.MMIOAccess, rel uint64) bool {
	if acc.Size != 8 {
		return g.fault(acc, "routing register needs 64-bit access")
	}
	id := uint32(rel / 8)
	if id < gic.NumPrivate || !g.configured(id) {
		return g.fault(acc, "routing register for invalid interrupt")
	}

	if acc.Write {
		g.SetRoute(acc.Core, id, hv.CoreID(acc.Value&0xFF), acc.Value&(1<<31) != 0)
		return true
	}
	t := g.Targets(acc.Core, id)
	acc.Value = uint64(uint8(t.Affinity))
	if t.Broadcast {
		acc.Value |= 1 << 31
	}
	return true
}

func (g *VGIC) redistAccess(acc *hv.MMIOAccess, bank hv.CoreID, off uint64) bool {
	if g.Core(bank) == nil {
		return g.fault(acc, "redistributor frame beyond core count")
	}
	core := acc.Core

	switch {
	case off == gic.GICRCtlr:
		return g.read32(acc, 0)

	case off == gic.GICRIidr:
		return g.read32(acc, gic.ImplementerARM)

	case off == gic.GICRTyper:
		// Processor number in [23:8]; Last flags the final frame.
		v := uint32(bank) << 8
		if int(bank) == len(g.cores)-1 {
			v |= 1 << 4
		}
		if acc.Size == 8 {
			if !acc.Write {
				acc.Value = uint64(v) | uint64(uint32(bank)<<8)<<32
			}
			return true
		}
		return g.read32(acc, v)

	case off == gic.GICRTyper+4:
		return g.read32(acc, uint32(bank)<<8) // affinity

	case off == gic.GICRWaker:
		return g.waker(acc, bank)

	case off == gic.GICRPidr2RDBase || off == gic.GICRPidr2SGIBase:
		return g.read32(acc, gic.ArchRevGICv3)

	case off == gic.GICRIsenabler0:
		return g.privBitmap(acc, bank,
			func(id uint32) { g.setEnableIn(core, bank, id, true) },
			func(id uint32) bool { return g.enabledIn(bank, id) })

	case off == gic.GICRIcenabler0:
		return g.privBitmap(acc, bank,
			func(id uint32) { g.setEnableIn(core, bank, id, false) },
			func(id uint32) bool { return g.enabledIn(bank, id) })

	case off == gic.GICRIspendr0:
		return g.privBitmap(acc, bank,
			func(id uint32) { g.setPendingIn(core, bank, id, true, core) },
			func(id uint32) bool { return g.pendingIn(core, bank, id) })

	case off == gic.GICRIcpendr0:
		return g.privBitmap(acc, bank,
			func(id uint32) { g.setPendingIn(core, bank, id, false, core) },
			func(id uint32) bool { return g.pendingIn(core, bank, id) })

	case off == gic.GICRIsactiver0:
		return g.privBitmap(acc, bank,
			func(id uint32) { g.setActiveIn(core, bank, id, true) },
			func(id uint32) bool { return g.activeIn(core, bank, id) })

	case off == gic.GICRIcactiver0:
		return g.privBitmap(acc, bank,
			func(id uint32) { g.setActiveIn(core, bank, id, false) },
			func(id uint32) bool { return g.activeIn(core, bank, id) })

	case off >= gic.GICRIpriorityr && off < gic.GICRIpriorityr+gic.NumPrivate:
		if acc.Size > 4 {
			return g.fault(acc, "bad width")
		}
		first := uint32(off - gic.GICRIpriorityr)
		var out uint64
		for i := 0; i < acc.Size; i++ {
			id := first + uint32(i)
			if id >= gic.NumPrivate {
				break
			}
			if acc.Write {
				g.setPriorityIn(core, bank, id, uint8(acc.Value>>(8*i)))
			} else {
				out |= uint64(g.priorityIn(bank, id)) << (8 * i)
			}
		}
		if !acc.Write {
			acc.Value = out
		}
		return true

	case off == gic.GICRIcfgr0 || off == gic.GICRIcfgr1:
		return g.cfgAccess(acc, bank, off-gic.GICRIcfgr0, true)
	}

	return g.fault(acc, "unknown redistributor register")
}

// privBitmap is the redistributor form of bitmap: one 32-bit register
// covering the bank's private ids 0..31.
func (g *VGIC) privBitmap(acc *hv.MMIOAccess, bank hv.CoreID,
	op func(id uint32), get func(id uint32) bool) bool {

	if acc.Size != 4 {
		return g.fault(acc, "bitmap register needs 32-bit access")
	}
	var mask uint64
	for id := uint32(0); id < gic.NumPrivate; id++ {
		if !g.configured(id) {
			continue
		}
		if acc.Write {
			if acc.Value&(1<<id) != 0 {
				op(id)
			}
		} else if get(id) {
			mask |= 1 << id
		}
	}
	if !acc.Write {
		acc.Value = mask
	}
	return true
}

// waker implements the redistributor sleep handshake: ChildrenAsleep is
// read-only and tracks ProcessorSleep.
func (g *VGIC) waker(acc *hv.MMIOAccess, bank hv.CoreID) bool {
	if acc.Size != 4 {
		return g.fault(acc, "bad width")
	}
	c := g.cores[bank]
	if !acc.Write {
		acc.Value = uint64(c.redistWaker)
		return true
	}
	if acc.Value&0x2 == 0 {
		c.redistWaker = 0
	} else {
		c.redistWaker = uint32(acc.Value) & 0x6
	}
	return true
}
