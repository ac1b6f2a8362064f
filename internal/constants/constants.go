package constants

import "time"

// Limits and defaults shared across the scheduler core.
const (
	// MaxCUs is the largest number of compute units a single dispatch table
	// may index (mirrors xrt_cu.h's MAX_CUS).
	MaxCUs = 128

	// DefaultQueueDepth is the default pending-queue capacity hint used by
	// callers sizing their own submission buffers; the pipeline queues
	// themselves grow dynamically.
	DefaultQueueDepth = 128

	// DefaultCredits is the credit count assumed for a CU backend that does
	// not advertise one (single in-flight command, CTRL_HS-style).
	DefaultCredits = 1

	// VirtualCU is the sentinel CU index a client may hold a context on to
	// keep the bitstream locked without reserving a real compute unit.
	VirtualCU = -1
)

// Timing constants for pipeline and health-controller behavior.
const (
	// DefaultRunTimeout bounds how long a command may sit at the head of a
	// CU's submitted queue before the pipeline latches bad-state. Zero
	// disables the timeout; callers may override per pipeline.
	DefaultRunTimeout = 5 * time.Second

	// DefaultPollInterval is the self-wake period a worker falls back to
	// when its CU driver does not support interrupts.
	DefaultPollInterval = 500 * time.Microsecond

	// ResetPollInterval is how often Reset polls a CU driver's reset_done
	// while waiting for hardware to acknowledge a reset.
	ResetPollInterval = time.Millisecond

	// ResetTimeout bounds how long Reset waits for reset_done before giving
	// up and leaving bad-state latched.
	ResetTimeout = 2 * time.Second
)
