package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vgic/internal/debug"
	"github.com/tinyrange/vgic/internal/gic"
	"github.com/tinyrange/vgic/internal/hv"
	"github.com/tinyrange/vgic/internal/vgic"
)

// Trace is a replayable sequence of guest and hardware events, driven against
// a software-backed register block.
type Trace struct {
	Config   vgic.Config `yaml:"config"`
	ListRegs int         `yaml:"listRegs"`
	Steps    []Step      `yaml:"steps"`
}

type Step struct {
	Op    string `yaml:"op"`
	Core  int    `yaml:"core"`
	Addr  uint64 `yaml:"addr"`
	Size  int    `yaml:"size"`
	Value uint64 `yaml:"value"`
	IntID uint32 `yaml:"intid"`
	Slot  int    `yaml:"slot"`
}

type traceVM struct {
	maxID uint32
}

func (v *traceVM) ID() uint32 { return 1 }
func (v *traceVM) InterruptConfigured(intid uint32) bool {
	return intid < v.maxID
}

type replayer struct {
	g     *vgic.VGIC
	hw    *gic.Soft
	ipi   *vgic.ChannelTransport
	cores int
	color bool
}

func (r *replayer) step(i int, s Step) error {
	core := hv.CoreID(s.Core)
	switch s.Op {
	case "mmio-write", "mmio-read":
		size := s.Size
		if size == 0 {
			size = 4
		}
		acc := hv.MMIOAccess{Core: core, Addr: s.Addr, Size: size, Write: s.Op == "mmio-write", Value: s.Value}
		if ok := r.g.HandleTrappedAccess(&acc); !ok {
			fmt.Printf("step %d: %s %#x rejected\n", i, s.Op, s.Addr)
		} else if !acc.Write {
			fmt.Printf("step %d: read %#x = %#x\n", i, s.Addr, acc.Value)
		}
	case "inject":
		r.g.Inject(core, s.IntID)
	case "hw-ack":
		r.hw.GuestAck(core, s.Slot)
	case "hw-eoi":
		r.hw.GuestEOI(core, s.Slot)
	case "maintenance":
		r.g.OnMaintenanceInterrupt(core)
	case "drain":
		r.ipi.Drain(core, func(m vgic.Message) { r.g.OnCrossCoreMessage(core, m) })
	case "dump":
		r.dump()
	default:
		return fmt.Errorf("step %d: unknown op %q", i, s.Op)
	}
	return nil
}

func (r *replayer) colored(code, s string) string {
	if !r.color {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func (r *replayer) dump() {
	for c := 0; c < r.cores; c++ {
		fmt.Printf("core %d:\n", c)
		for slot := 0; slot < r.hw.NumListRegs(); slot++ {
			lr := r.hw.ReadLR(hv.CoreID(c), slot)
			if lr == (gic.ListRegister{}) {
				continue
			}
			state := lr.State.String()
			switch {
			case lr.State.Active():
				state = r.colored("31", state)
			case lr.State.Pending():
				state = r.colored("33", state)
			}
			fmt.Printf("  lr[%d] intid=%d prio=%#02x state=%s\n", slot, lr.IntID, lr.Priority, state)
		}
	}
	cfg := r.g.Config()
	for id := uint32(0); id < gic.NumPrivate+uint32(cfg.SPIs); id++ {
		snap, ok := r.g.Snapshot(0, id)
		if !ok || (snap.State == gic.LRInactive && !snap.Enabled) {
			continue
		}
		fmt.Printf("  intid %d: enabled=%t state=%s prio=%#02x owner=%d resident=%t\n",
			snap.ID, snap.Enabled, snap.State.String(), snap.Priority, snap.Owner, snap.InLR)
	}
}

func run() error {
	tracefile := flag.String("trace", "", "YAML trace to replay")
	debuglog := flag.String("debuglog", "", "write the binary trace log to this file")
	flag.Parse()

	if *tracefile == "" {
		flag.Usage()
		return fmt.Errorf("no trace given")
	}

	if *debuglog != "" {
		if err := debug.OpenFile(*debuglog); err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
		defer debug.Close()
	}

	data, err := os.ReadFile(*tracefile)
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}
	var trace Trace
	if err := yaml.Unmarshal(data, &trace); err != nil {
		return fmt.Errorf("parse trace: %w", err)
	}
	if trace.ListRegs == 0 {
		trace.ListRegs = 4
	}

	cfg := trace.Config
	if cfg.Version == 0 {
		cfg.Version = 3
	}
	if cfg.Cores == 0 {
		cfg.Cores = 1
	}
	if cfg.SPIs == 0 {
		cfg.SPIs = 224
	}
	hw, err := gic.NewSoft(cfg.Version, cfg.Cores, trace.ListRegs)
	if err != nil {
		return err
	}

	ipi := vgic.NewChannelTransport(cfg.Cores, 64)
	vm := &traceVM{maxID: gic.NumPrivate + uint32(cfg.SPIs)}
	g, err := vgic.New(vm, hw, ipi, cfg)
	if err != nil {
		return err
	}

	r := &replayer{
		g:     g,
		hw:    hw,
		ipi:   ipi,
		cores: g.Config().Cores,
		color: term.IsTerminal(int(os.Stdout.Fd())),
	}

	var bar *progressbar.ProgressBar
	if len(trace.Steps) > 100 {
		bar = progressbar.Default(int64(len(trace.Steps)), "replaying")
	}
	for i, s := range trace.Steps {
		if err := r.step(i, s); err != nil {
			return err
		}
		if bar != nil {
			bar.Add(1)
		}
	}

	r.dump()
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vgic-replay: %v\n", err)
		os.Exit(1)
	}
}
