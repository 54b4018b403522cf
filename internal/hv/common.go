package hv

// CoreID identifies a physical core. Each core runs exactly one hypervisor
// thread of control and exactly one active vcpu at a time.
type CoreID int32

// CoreNone marks state that is not bound to any core.
const CoreNone CoreID = -1

type VirtualCPU interface {
	// ID is the vcpu index within its VM.
	ID() int

	// PhysicalCore is the physical core this vcpu is currently bound to.
	PhysicalCore() CoreID

	VM() VirtualMachine
}

type VirtualMachine interface {
	ID() uint32

	// InterruptConfigured reports whether the given interrupt id was
	// configured for this VM at construction time.
	InterruptConfigured(intid uint32) bool
}

// MMIOAccess describes one trapped guest access to an emulated register
// window, already decoded by the generic trap framework into an
// (address, width, direction) tuple. For reads the handler fills Value;
// for writes Value carries the guest's data.
type MMIOAccess struct {
	Core  CoreID
	Addr  uint64
	Size  int
	Write bool
	Value uint64
}
