// Package simcu provides a simulated compute unit implementing
// cudriver.Driver, for tests and the demo CLI that do not have real FPGA
// hardware to drive. It models a kernel's run latency with a timer rather
// than touching any register, so behavior is deterministic under test
// while still exercising the full Driver contract, with call counters on
// the side for test assertions.
package simcu

import (
	"sync"
	"time"

	"github.com/kds-sched/kds/internal/cudriver"
	"github.com/kds-sched/kds/internal/wake"
)

// CU simulates one compute unit with a configurable run latency and
// credit depth.
type CU struct {
	model      cudriver.Model
	maxCredits int
	runLatency time.Duration

	mu           sync.Mutex
	credits      int
	inFlight     []time.Time // start time of each launch, FIFO
	resetPending bool
	resetDone    bool
	stallResets  bool

	// Call tracking for test assertions.
	ConfigureCalls int
	StartCalls     int
	CheckCalls     int
	ResetCalls     int

	intrMu  sync.Mutex
	intrSrc *wake.Source
	intrOn  bool
}

// New creates a simulated CU. runLatency is how long after Start a launch
// appears in Check's num_done; zero means instantly done on the next
// Check call.
func New(model cudriver.Model, maxCredits int, runLatency time.Duration) *CU {
	if maxCredits <= 0 {
		maxCredits = 1
	}
	return &CU{
		model:      model,
		maxCredits: maxCredits,
		runLatency: runLatency,
		credits:    maxCredits,
	}
}

func (c *CU) AllocCredit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credits--
	return c.credits
}

func (c *CU) FreeCredit(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credits += n
	if c.credits > c.maxCredits {
		c.credits = c.maxCredits
	}
}

func (c *CU) PeekCredit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credits
}

func (c *CU) Configure(payload []byte, mode cudriver.ConfigMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConfigureCalls++
	return nil
}

func (c *CU) Start() error {
	c.mu.Lock()
	c.StartCalls++
	c.inFlight = append(c.inFlight, time.Now())
	c.mu.Unlock()

	c.intrMu.Lock()
	src, on := c.intrSrc, c.intrOn
	c.intrMu.Unlock()
	if on && src != nil {
		// Fire the wake source once this launch's simulated run latency
		// elapses, the software stand-in for the CU's hardware interrupt
		// line asserting on completion.
		time.AfterFunc(c.runLatency, func() { src.Fire() })
	}
	return nil
}

// SetWakeSource attaches the eventfd-backed wake source this CU fires
// when a started command's simulated run completes, implementing the
// pipeline package's wakeSourceSetter interface.
func (c *CU) SetWakeSource(src *wake.Source) {
	c.intrMu.Lock()
	c.intrSrc = src
	c.intrMu.Unlock()
}

func (c *CU) Check() (cudriver.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CheckCalls++

	if len(c.inFlight) == 0 {
		return cudriver.Status{}, nil
	}

	now := time.Now()
	done := uint32(0)
	i := 0
	for ; i < len(c.inFlight); i++ {
		if now.Sub(c.inFlight[i]) < c.runLatency {
			break
		}
		done++
	}
	c.inFlight = c.inFlight[i:]
	return cudriver.Status{NumDone: done, NumReady: done}, nil
}

func (c *CU) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResetCalls++
	c.resetPending = true
	c.inFlight = nil
	c.credits = c.maxCredits
	// Simulated reset completes immediately unless a test has called
	// StallReset to hold it open for exercising the reset-timeout path.
	c.resetDone = !c.stallResets
	return nil
}

func (c *CU) ResetDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.resetPending || c.resetDone
}

// StallReset causes future Reset calls to leave ResetDone false until
// FinishReset is called, for tests exercising the reset-timeout path.
func (c *CU) StallReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stallResets = true
}

// FinishReset acknowledges a stalled reset and lets subsequent Reset
// calls complete immediately again.
func (c *CU) FinishReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stallResets = false
	c.resetDone = true
}

func (c *CU) EnableIntr(cudriver.IntrMask) {
	c.intrMu.Lock()
	c.intrOn = true
	c.intrMu.Unlock()
}

func (c *CU) DisableIntr(cudriver.IntrMask) {
	c.intrMu.Lock()
	c.intrOn = false
	c.intrMu.Unlock()
}

func (c *CU) ClearIntr() cudriver.IntrMask { return 0 }

var _ cudriver.Driver = (*CU)(nil)
