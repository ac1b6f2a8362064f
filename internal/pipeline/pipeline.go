// Package pipeline implements the per-compute-unit command pipeline: the
// pending/running/submitted/completed queue chain and the single worker
// goroutine that drives a cudriver.Driver through it, mirroring the
// xrt_cu worker thread of xocl_kds.c/xrt_cu.h.
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kds-sched/kds/internal/command"
	"github.com/kds-sched/kds/internal/cudriver"
	"github.com/kds-sched/kds/internal/health"
	"github.com/kds-sched/kds/internal/logging"
	"github.com/kds-sched/kds/internal/wake"
)

// paddedCounter isolates a hot atomic counter on its own cache line so the
// worker goroutine updating it doesn't false-share with producer-side
// fields (the pending queue's mutex and slice header), mirroring the
// padding[16] gap xrt_cu.h leaves between its producer and consumer
// fields.
type paddedCounter struct {
	v atomic.Int64
	_ [56]byte
}

func (c *paddedCounter) add(n int64) int64 { return c.v.Add(n) }
func (c *paddedCounter) load() int64       { return c.v.Load() }

// Config parameterizes a Pipeline: per-CU settings handed to the pipeline
// at construction time and not changed afterwards.
type Config struct {
	CUIndex      int
	Driver       cudriver.Driver
	RunTimeout   time.Duration // 0 disables the timeout
	PollInterval time.Duration
	Callbacks    *command.CallbackPool
	Logger       *logging.Logger

	// IntrEnable mirrors cudriver.Descriptor.IntrEnable: when true and the
	// driver implements wakeSourceSetter, the worker multiplexes an
	// eventfd-backed wake.Source alongside its poll ticker instead of
	// relying on polling alone.
	IntrEnable bool

	// CPUAffinity, if non-empty, pins the worker goroutine's OS thread to
	// one of the listed CPUs, round-robin by CUIndex, mirroring
	// queue.Runner.CPUAffinity's SchedSetaffinity pinning.
	CPUAffinity []int
}

// Pipeline owns one CU's four command queues and the worker goroutine that
// drains them. Submit, Abort, Wake, Reset and the read-only accessors may
// be called from other goroutines; running/submitted/completed are
// single-owner state touched exclusively by the worker.
type Pipeline struct {
	cfg Config

	pendingMu sync.Mutex
	pending   []*command.Command

	running   []*command.Command
	submitted []submittedCmd
	completed []*command.Command

	creditsInUse paddedCounter
	doneCount    paddedCounter
	readyCount   paddedCounter

	badState health.Latch
	wake     chan struct{}

	abortMu      sync.Mutex
	abortReqs    []*abortRequest
	activeAborts []*activeAbort

	intrSrc *wake.Source
	intrMux wake.Multiplexer

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type submittedCmd struct {
	cmd         *command.Command
	submittedAt time.Time
}

// abortRequest is one queued Abort call: the match predicate plus the
// event the caller polls for resolution.
type abortRequest struct {
	event *health.AbortEvent
	match func(command.ClientHandle) bool
}

// activeAbort tracks an abortRequest whose match found commands already
// submitted to the driver, which cannot be cooperatively cancelled and
// must be watched until pollCheck or enforceTimeout resolves their true
// outcome, mirroring xrt_cu_abort_done's wait for hardware acknowledgment.
type activeAbort struct {
	req     *abortRequest
	pending map[uint64]struct{} // SeqIDs still outstanding
}

// wakeSourceSetter is implemented by drivers that can signal a completed
// run through an eventfd-style interrupt instead of (or in addition to)
// being polled, letting their pipeline multiplex via internal/wake.
type wakeSourceSetter interface {
	SetWakeSource(*wake.Source)
}

// New creates a Pipeline for one CU. The caller must call Start to begin
// the worker goroutine.
func New(cfg Config) *Pipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Pipeline{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
}

// BadState reports whether this CU's health latch has tripped.
func (p *Pipeline) BadState() bool {
	return p.badState.IsBad()
}

// CreditsInUse returns the number of commands currently submitted to the
// driver (invariant: equals len(submitted)).
func (p *Pipeline) CreditsInUse() int64 {
	return p.creditsInUse.load()
}

// Start launches the worker goroutine, wiring an interrupt-driven wake
// source alongside the poll ticker when the driver and config both
// support it.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.setupIntrWake(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

// setupIntrWake registers an eventfd-backed wake.Source with a
// single-purpose wake.Multiplexer and hands the source to the driver, so
// a simulated or real interrupt firing wakes the worker directly instead
// of waiting for the next poll tick.
func (p *Pipeline) setupIntrWake(ctx context.Context) {
	if !p.cfg.IntrEnable {
		return
	}
	setter, ok := p.cfg.Driver.(wakeSourceSetter)
	if !ok {
		return
	}

	src, err := wake.NewSource()
	if err != nil {
		p.cfg.Logger.Warnf("cu %d: wake source unavailable, falling back to poll-only: %v", p.cfg.CUIndex, err)
		return
	}
	mux, err := wake.NewMultiplexer(1)
	if err != nil {
		p.cfg.Logger.Warnf("cu %d: wake multiplexer unavailable, falling back to poll-only: %v", p.cfg.CUIndex, err)
		src.Close()
		return
	}
	if err := mux.Add(src.FD(), func() {
		src.Drain()
		p.Wake()
	}); err != nil {
		p.cfg.Logger.Warnf("cu %d: wake multiplexer add failed: %v", p.cfg.CUIndex, err)
		mux.Close()
		src.Close()
		return
	}

	setter.SetWakeSource(src)
	p.cfg.Driver.EnableIntr(cudriver.IntrDone | cudriver.IntrReady)
	p.intrSrc = src
	p.intrMux = mux

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := mux.Run(ctx); err != nil {
			p.cfg.Logger.Warnf("cu %d: wake multiplexer run exited: %v", p.cfg.CUIndex, err)
		}
	}()
}

// Stop cancels the worker goroutine and waits for it to exit.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.intrMux != nil {
		p.cfg.Driver.DisableIntr(cudriver.IntrDone | cudriver.IntrReady)
		p.intrMux.Close()
	}
	if p.intrSrc != nil {
		p.intrSrc.Close()
	}
}

// Submit enqueues cmd onto the pending queue and wakes the worker. It
// returns an error only if the pipeline's bad-state latch is tripped;
// callers are expected to have already checked Dispatch-level bad-state
// and context validity before reaching a specific CU's pipeline.
func (p *Pipeline) Submit(cmd *command.Command) error {
	if p.badState.IsBad() {
		return errBadState
	}
	cmd.SetState(command.StateQueued)
	cmd.SetLocation(command.LocationPending)

	p.pendingMu.Lock()
	p.pending = append(p.pending, cmd)
	p.pendingMu.Unlock()

	p.Wake()
	return nil
}

// Wake signals the worker that new work may be available. It is safe to
// call from any goroutine, including interrupt-handler-equivalent
// callbacks; the send is non-blocking so a worker that is already awake
// (channel full) is not redundantly signaled twice.
func (p *Pipeline) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Abort requests that every command owned by a client for which match
// returns true be aborted and notified, wherever it currently sits
// (pending or running). Commands already submitted to the driver cannot
// be cooperatively cancelled and are left to resolve naturally; the
// returned AbortEvent stays pending until every matched command (queued
// or already in flight) has reached a terminal state, mirroring
// xrt_cu_abort/xrt_cu_abort_done. Processing happens on the worker
// goroutine on its next wake cycle, so Abort does not block.
func (p *Pipeline) Abort(client command.ClientHandle, match func(command.ClientHandle) bool) *health.AbortEvent {
	ev := health.NewAbortEvent(client)
	p.abortMu.Lock()
	p.abortReqs = append(p.abortReqs, &abortRequest{event: ev, match: match})
	p.abortMu.Unlock()
	p.Wake()
	return ev
}

// processAborts applies any queued Abort requests: matches in pending and
// running are cancelled immediately, while matches already submitted to
// the driver are registered in activeAborts for resolveAborts to settle
// later. It runs on the worker goroutine only, so running/activeAborts
// can be touched without a lock.
func (p *Pipeline) processAborts() {
	p.abortMu.Lock()
	if len(p.abortReqs) == 0 {
		p.abortMu.Unlock()
		return
	}
	reqs := p.abortReqs
	p.abortReqs = nil
	p.abortMu.Unlock()

	for _, req := range reqs {
		var immediate []*command.Command

		p.pendingMu.Lock()
		kept := p.pending[:0]
		for _, c := range p.pending {
			if req.match(c.Client) {
				immediate = append(immediate, c)
			} else {
				kept = append(kept, c)
			}
		}
		p.pending = kept
		p.pendingMu.Unlock()

		keptRunning := p.running[:0]
		for _, c := range p.running {
			if req.match(c.Client) {
				immediate = append(immediate, c)
			} else {
				keptRunning = append(keptRunning, c)
			}
		}
		p.running = keptRunning

		for _, c := range immediate {
			c.NotifyHost(command.StateAbort, p.cfg.Callbacks)
		}

		pending := make(map[uint64]struct{})
		for _, sc := range p.submitted {
			if req.match(sc.cmd.Client) {
				pending[sc.cmd.SeqID] = struct{}{}
			}
		}
		if len(pending) == 0 {
			req.event.Resolve(health.AbortDone)
			continue
		}
		p.activeAborts = append(p.activeAborts, &activeAbort{req: req, pending: pending})
	}
}

// resolveAborts notifies any activeAbort tracking seqID that it has
// resolved, clean or not. A single uncleanly-resolved command settles its
// event as AbortBad immediately rather than waiting on the rest, so a
// caller polling AbortEvent.Done is not blocked forever by hardware that
// is genuinely stuck.
func (p *Pipeline) resolveAborts(seqID uint64, clean bool) {
	if len(p.activeAborts) == 0 {
		return
	}
	kept := p.activeAborts[:0]
	for _, aa := range p.activeAborts {
		if _, ok := aa.pending[seqID]; !ok {
			kept = append(kept, aa)
			continue
		}
		delete(aa.pending, seqID)
		if !clean {
			aa.req.event.Resolve(health.AbortBad)
			continue
		}
		if len(aa.pending) == 0 {
			aa.req.event.Resolve(health.AbortDone)
			continue
		}
		kept = append(kept, aa)
	}
	p.activeAborts = kept
}

var errBadState = &badStateError{}

type badStateError struct{}

func (*badStateError) Error() string { return "pipeline: bad state latched" }

// Reset issues the CU driver's reset sequence and waits for ResetDone,
// polling at the given interval up to timeout. On success it clears the
// bad-state latch. On failure the latch remains set.
func (p *Pipeline) Reset(ctx context.Context, pollInterval, timeout time.Duration) error {
	if err := p.cfg.Driver.Reset(); err != nil {
		p.setBadState()
		return err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if p.cfg.Driver.ResetDone() {
			p.badState.Clear()
			return nil
		}
		if time.Now().After(deadline) {
			p.setBadState()
			return errResetTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var errResetTimeout = &resetTimeoutError{}

type resetTimeoutError struct{}

func (*resetTimeoutError) Error() string { return "pipeline: reset did not complete in time" }

func (p *Pipeline) setBadState() {
	p.badState.Set()
}

// run is the ordered seven-step wake cycle: splice, process-aborts,
// drain-bad-state, launch, poll-check, drain-completed, enforce-timeout.
// It optionally pins its OS thread to a configured CPU before entering
// the loop, mirroring queue.Runner.ioLoop's affinity setup.
func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.pinCPU()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}

		p.splicePending()
		p.processAborts()
		p.drainBadState()
		p.launch()
		p.pollCheck()
		p.drainCompleted()
		p.enforceTimeout()
	}
}

// pinCPU sets the worker's scheduling affinity to one CPU from
// cfg.CPUAffinity, chosen round-robin by CUIndex. A failure to pin is
// logged and otherwise ignored; it never prevents the worker from
// running.
func (p *Pipeline) pinCPU() {
	if len(p.cfg.CPUAffinity) == 0 {
		return
	}
	cpu := p.cfg.CPUAffinity[p.cfg.CUIndex%len(p.cfg.CPUAffinity)]
	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		p.cfg.Logger.Warnf("cu %d: failed to set CPU affinity to cpu %d: %v", p.cfg.CUIndex, cpu, err)
		return
	}
	p.cfg.Logger.Debugf("cu %d: pinned worker to cpu %d", p.cfg.CUIndex, cpu)
}

func (p *Pipeline) splicePending() {
	p.pendingMu.Lock()
	if len(p.pending) == 0 {
		p.pendingMu.Unlock()
		return
	}
	moved := p.pending
	p.pending = nil
	p.pendingMu.Unlock()

	for _, c := range moved {
		c.SetLocation(command.LocationRunning)
	}
	p.running = append(p.running, moved...)
}

// drainBadState force-completes every command still sitting in running,
// submitted, or pending once the bad-state latch has tripped, notifying
// each with StateError. Without this step a CU that goes bad with more
// than one command in flight would leave the rest stuck forever, since
// launch refuses to make further progress while badState is set.
func (p *Pipeline) drainBadState() {
	if !p.badState.IsBad() {
		return
	}

	for _, c := range p.running {
		c.NotifyHost(command.StateError, p.cfg.Callbacks)
	}
	p.running = p.running[:0]

	if len(p.submitted) > 0 {
		for _, sc := range p.submitted {
			p.resolveAborts(sc.cmd.SeqID, false)
			sc.cmd.NotifyHost(command.StateError, p.cfg.Callbacks)
		}
		p.cfg.Driver.FreeCredit(len(p.submitted))
		p.creditsInUse.add(-int64(len(p.submitted)))
		p.submitted = p.submitted[:0]
	}

	p.pendingMu.Lock()
	pending := p.pending
	p.pending = nil
	p.pendingMu.Unlock()
	for _, c := range pending {
		c.NotifyHost(command.StateError, p.cfg.Callbacks)
	}
}

func (p *Pipeline) launch() {
	if p.badState.IsBad() {
		return
	}
	for len(p.running) > 0 {
		if p.cfg.Driver.PeekCredit() <= 0 {
			break
		}
		if p.cfg.Driver.AllocCredit() < 0 {
			// Lost a race with another allocator of the same driver;
			// undo the decrement and stop launching this cycle.
			p.cfg.Driver.FreeCredit(1)
			break
		}

		c := p.running[0]
		p.running = p.running[1:]

		if err := p.cfg.Driver.Configure(c.Payload, cudriver.ConfigMode(c.Mode)); err != nil {
			p.cfg.Driver.FreeCredit(1)
			p.resolveAborts(c.SeqID, false)
			c.NotifyHost(command.StateError, p.cfg.Callbacks)
			continue
		}

		if c.Opcode == command.OpConfigure {
			// Configure-only commands (context broadcast setup) complete
			// as soon as the register write lands: there is no CU start
			// to await, so they never occupy the submitted/in-flight
			// queue.
			p.cfg.Driver.FreeCredit(1)
			c.SetLocation(command.LocationCompleted)
			p.completed = append(p.completed, c)
			continue
		}

		if err := p.cfg.Driver.Start(); err != nil {
			p.cfg.Driver.FreeCredit(1)
			p.resolveAborts(c.SeqID, false)
			c.NotifyHost(command.StateError, p.cfg.Callbacks)
			continue
		}

		c.SetState(command.StateSubmitted)
		c.SetLocation(command.LocationSubmitted)
		p.submitted = append(p.submitted, submittedCmd{cmd: c, submittedAt: time.Now()})
		p.creditsInUse.add(1)
	}
}

func (p *Pipeline) pollCheck() {
	if len(p.submitted) == 0 {
		return
	}
	status, err := p.cfg.Driver.Check()
	if err != nil {
		p.cfg.Logger.Warnf("cu %d: check failed: %v", p.cfg.CUIndex, err)
		return
	}
	p.readyCount.add(int64(status.NumReady))

	done := int(status.NumDone)
	if done > len(p.submitted) {
		// A driver that claims more completions than commands in flight
		// violates xrt_cu's invariant; clamp and keep running rather than
		// index out of range.
		p.cfg.Logger.Warnf("cu %d: driver reported %d done but only %d in flight, clamping", p.cfg.CUIndex, done, len(p.submitted))
		done = len(p.submitted)
	}
	if done == 0 {
		return
	}

	for i := 0; i < done; i++ {
		sc := p.submitted[i]
		sc.cmd.SetLocation(command.LocationCompleted)
		p.completed = append(p.completed, sc.cmd)
		p.cfg.Driver.FreeCredit(1)
		p.creditsInUse.add(-1)
		p.resolveAborts(sc.cmd.SeqID, true)
	}
	p.submitted = p.submitted[done:]
	p.doneCount.add(int64(done))
}

func (p *Pipeline) drainCompleted() {
	if len(p.completed) == 0 {
		return
	}
	for _, c := range p.completed {
		c.NotifyHost(command.StateCompleted, p.cfg.Callbacks)
	}
	p.completed = p.completed[:0]
}

func (p *Pipeline) enforceTimeout() {
	if p.cfg.RunTimeout <= 0 || len(p.submitted) == 0 {
		return
	}
	head := p.submitted[0]
	if time.Since(head.submittedAt) < p.cfg.RunTimeout {
		return
	}

	p.submitted = p.submitted[1:]
	p.cfg.Driver.FreeCredit(1)
	p.creditsInUse.add(-1)
	p.setBadState()
	p.resolveAborts(head.cmd.SeqID, false)
	p.cfg.Logger.Errorf("cu %d: command timed out after %s, latching bad state", p.cfg.CUIndex, p.cfg.RunTimeout)
	head.cmd.NotifyHost(command.StateTimeout, p.cfg.Callbacks)
}
