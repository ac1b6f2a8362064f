// Package cudriver defines the narrow capability set any compute-unit
// backend (HLS, PLRAM, ACC, or a future model) must implement. It is the
// abstract boundary the pipeline worker drives; register-level encoding,
// bus interrupt wiring, and bitstream loading all live below this
// interface and are never visible above it.
package cudriver

import "fmt"

// Protocol identifies how start/check are realized by a CU backend. All
// protocols present the same Driver contract.
type Protocol int

const (
	CtrlHS Protocol = iota
	CtrlChain
	CtrlNone
	CtrlME
	CtrlACC
)

func (p Protocol) String() string {
	switch p {
	case CtrlHS:
		return "CTRL_HS"
	case CtrlChain:
		return "CTRL_CHAIN"
	case CtrlNone:
		return "CTRL_NONE"
	case CtrlME:
		return "CTRL_ME"
	case CtrlACC:
		return "CTRL_ACC"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// Model identifies the CU hardware family.
type Model int

const (
	ModelHLS Model = iota
	ModelACC
	ModelPLRAM
)

func (m Model) String() string {
	switch m {
	case ModelHLS:
		return "HLS"
	case ModelACC:
		return "ACC"
	case ModelPLRAM:
		return "PLRAM"
	default:
		return fmt.Sprintf("Model(%d)", int(m))
	}
}

// ConfigMode selects how a command's argument payload is interpreted by
// Configure.
type ConfigMode int

const (
	// Consecutive means the payload is a contiguous register image written
	// starting at the CU's base address.
	Consecutive ConfigMode = iota
	// Pairs means the payload is a sequence of (offset, value) pairs
	// written individually.
	Pairs
)

// Arg describes one CU kernel argument in its register map.
type Arg struct {
	Name   string
	Offset uint32
	Size   uint32
	Dir    ArgDir
}

// ArgDir is the direction of a CU argument.
type ArgDir int

const (
	DirNone ArgDir = iota
	DirInput
	DirOutput
)

// Descriptor is the immutable-after-init identity of a CU, owned by the
// scheduler and referenced (not mutated) by the CU's pipeline.
type Descriptor struct {
	Model       Model
	Index       int // logical CU index, 0..MaxCUs-1
	InstanceIdx int
	BaseAddr    uint64
	Protocol    Protocol
	IntrID      uint32
	IntrEnable  bool
	Args        []Arg
	Name        string
	KernelName  string
}

// IntrMask identifies which CU status bits an interrupt covers.
type IntrMask uint32

const (
	IntrDone  IntrMask = 1 << 0
	IntrReady IntrMask = 1 << 1
)

// Status is the delta-since-last-check read from a CU's status registers.
type Status struct {
	NumDone  uint32
	NumReady uint32
}

// Driver is the capability set every CU backend must implement. All
// operations are non-blocking and MUST NOT allocate on the worker's hot
// path: implementations should pre-size any buffers in their constructor.
type Driver interface {
	// AllocCredit attempts to reserve one credit and returns the new
	// available count (<= 0 if none was free).
	AllocCredit() int
	// FreeCredit returns n credits.
	FreeCredit(n int)
	// PeekCredit reports the available credit count without side effects.
	PeekCredit() int

	// Configure writes an argument image to the CU's registers.
	Configure(payload []byte, mode ConfigMode) error
	// Start asserts the CU's start control.
	Start() error
	// Check reads CU status registers and returns deltas since the
	// previous call.
	Check() (Status, error)

	// Reset issues the CU's reset sequence.
	Reset() error
	// ResetDone reports whether a prior Reset has completed.
	ResetDone() bool

	// EnableIntr/DisableIntr toggle delivery of the given interrupt bits.
	EnableIntr(mask IntrMask)
	DisableIntr(mask IntrMask)
	// ClearIntr clears and returns the mask of interrupts that had fired.
	ClearIntr() IntrMask
}
