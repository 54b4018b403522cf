package gic

import "github.com/tinyrange/vgic/internal/hv"

// Interrupt id ranges. SGIs and PPIs are banked per core; SPIs are VM-wide.
const (
	NumSGIs     = 16
	NumPrivate  = 32 // SGIs + PPIs
	SPIBase     = 32
	MaxIntID    = 1020
	SpuriousID  = 1023
	IDsPerEnReg = 32 // ids covered by one bulk bitmap register
)

// Distributor register offsets, shared between the two generations where the
// layout overlaps.
const (
	GICDCtlr       = 0x0000 // Distributor Control Register
	GICDTyper      = 0x0004 // Interrupt Controller Type Register
	GICDIidr       = 0x0008 // Distributor Implementer Identification Register
	GICDTyper2     = 0x000C // Interrupt Controller Type Register 2
	GICDIgroupr    = 0x0080 // Interrupt Group Registers
	GICDIsenabler  = 0x0100 // Interrupt Set-Enable Registers
	GICDIcenabler  = 0x0180 // Interrupt Clear-Enable Registers
	GICDIspendr    = 0x0200 // Interrupt Set-Pending Registers
	GICDIcpendr    = 0x0280 // Interrupt Clear-Pending Registers
	GICDIsactiver  = 0x0300 // Interrupt Set-Active Registers
	GICDIcactiver  = 0x0380 // Interrupt Clear-Active Registers
	GICDIpriorityr = 0x0400 // Interrupt Priority Registers
	GICDItargetsr  = 0x0800 // Interrupt Processor Targets Registers (legacy)
	GICDIcfgr      = 0x0C00 // Interrupt Configuration Registers
	GICDSgir       = 0x0F00 // Software Generated Interrupt Register (legacy)
	GICDCpendsgir  = 0x0F10 // SGI Clear-Pending Registers (legacy, per source)
	GICDSpendsgir  = 0x0F20 // SGI Set-Pending Registers (legacy, per source)
	GICDIrouter    = 0x6000 // Interrupt Routing Registers (modern)
	GICDPidr2      = 0xFFE8 // Peripheral ID 2
)

// Redistributor register offsets (modern generation; per-CPU region).
const (
	GICRCtlr  = 0x0000
	GICRIidr  = 0x0004
	GICRTyper = 0x0008
	GICRWaker = 0x0014

	// SGI_base (second 64KB frame of each redistributor).
	GICRSGIOffset  = 0x10000
	GICRIsenabler0 = GICRSGIOffset + 0x0100
	GICRIcenabler0 = GICRSGIOffset + 0x0180
	GICRIspendr0   = GICRSGIOffset + 0x0200
	GICRIcpendr0   = GICRSGIOffset + 0x0280
	GICRIsactiver0 = GICRSGIOffset + 0x0300
	GICRIcactiver0 = GICRSGIOffset + 0x0380
	GICRIpriorityr = GICRSGIOffset + 0x0400
	GICRIcfgr0     = GICRSGIOffset + 0x0C00
	GICRIcfgr1     = GICRSGIOffset + 0x0C04

	GICRPidr2RDBase  = 0xFFE8
	GICRPidr2SGIBase = GICRSGIOffset + 0xFFE8
)

// Architecture revision encodings in PIDR2.
const (
	ArchRevGICv2 = 0x20
	ArchRevGICv3 = 0x30
)

// ARM implementer id reported in IIDR registers.
const ImplementerARM = 0x0200043B

// GICD_SGIR target list filter values (legacy generation).
const (
	SgirTargetList = 0 // deliver to the cores in the target list
	SgirAllButSelf = 1
	SgirSelf       = 2
)

// Target is a virtual interrupt's routing description. The legacy generation
// routes by core bitmask; the modern generation routes by affinity with an
// optional any-core broadcast bit.
type Target struct {
	Legacy    bool
	Mask      uint8     // legacy core bitmask
	Affinity  hv.CoreID // modern affinity route
	Broadcast bool      // modern any-core flag
}

// Matches reports whether core is in the target set.
func (t Target) Matches(core hv.CoreID) bool {
	if t.Legacy {
		return core >= 0 && core < 8 && t.Mask&(1<<uint(core)) != 0
	}
	return t.Broadcast || t.Affinity == core
}

// Cores returns every core in the target set, given the machine's core count.
func (t Target) Cores(n int) []hv.CoreID {
	var out []hv.CoreID
	for c := hv.CoreID(0); int(c) < n; c++ {
		if t.Matches(c) {
			out = append(out, c)
		}
	}
	return out
}
