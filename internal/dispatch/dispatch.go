// Package dispatch implements the scheduler's routing layer: the
// fixed-size table of per-CU pipelines, the global bad-state flag, and
// add_command/reset/live_clients, grounded on xocl_kds.c's
// xocl_command_ioctl/kds_reset/kds_live_clients.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kds-sched/kds/internal/command"
	"github.com/kds-sched/kds/internal/constants"
	"github.com/kds-sched/kds/internal/health"
	"github.com/kds-sched/kds/internal/pipeline"
	"github.com/kds-sched/kds/internal/registry"
)

// ErrKind enumerates the synchronous admission failures add_command can
// return, distinct from the asynchronous terminal states (timeout/abort/
// error) a command can later reach after being accepted.
type ErrKind int

const (
	ErrInvalid ErrKind = iota
	ErrDeadlock
	ErrNoEnt
	ErrNoMem
)

func (k ErrKind) String() string {
	switch k {
	case ErrInvalid:
		return "invalid"
	case ErrDeadlock:
		return "deadlock"
	case ErrNoEnt:
		return "no such cu"
	case ErrNoMem:
		return "no memory"
	default:
		return "unknown"
	}
}

// Error is a synchronous admission failure from AddCommand or Reset.
type Error struct {
	Op   string
	Kind ErrKind
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: %s: %s", e.Op, e.Kind)
}

// ERTSink is the optional secondary dispatch path for commands routed to
// an embedded scheduler rather than directly to a CU pipeline
// (KDS_ERT in xocl_kds.c's command-type switch).
type ERTSink interface {
	Submit(cmd *command.Command) error
}

// Config parameterizes a Dispatch table with values fixed at
// construction: the CU table size, the default run timeout and poll
// interval, and the shared callback pool.
type Config struct {
	MaxCUs            int
	DefaultRunTimeout  time.Duration
	PollInterval       time.Duration
	Callbacks          *command.CallbackPool
}

// Dispatch holds the fixed-size array of CU pipelines and the registry of
// admitted clients/contexts that gate which CUs a command may target.
type Dispatch struct {
	cfg      Config
	pipes    []*pipeline.Pipeline
	ert      ERTSink
	registry *registry.Registry

	badState health.Latch

	mu      sync.Mutex
	started bool

	nextSeq atomic.Uint64
}

// New creates a Dispatch with one pipeline slot per CU, 0..cfg.MaxCUs-1.
// Pipelines are populated via RegisterCU before Start.
func New(cfg Config, reg *registry.Registry, ert ERTSink) (*Dispatch, error) {
	if cfg.MaxCUs <= 0 || cfg.MaxCUs > constants.MaxCUs {
		return nil, &Error{Op: "new", Kind: ErrInvalid}
	}
	return &Dispatch{
		cfg:      cfg,
		pipes:    make([]*pipeline.Pipeline, cfg.MaxCUs),
		ert:      ert,
		registry: reg,
	}, nil
}

// RegisterCU installs p as the pipeline serving the given CU index. It
// must be called before Start.
func (d *Dispatch) RegisterCU(index int, p *pipeline.Pipeline) error {
	if index < 0 || index >= len(d.pipes) {
		return &Error{Op: "register_cu", Kind: ErrInvalid}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return &Error{Op: "register_cu", Kind: ErrInvalid}
	}
	d.pipes[index] = p
	return nil
}

// Start launches every registered CU's worker goroutine.
func (d *Dispatch) Start(ctx context.Context) {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	for _, p := range d.pipes {
		if p != nil {
			p.Start(ctx)
		}
	}
}

// Stop halts every CU's worker goroutine.
func (d *Dispatch) Stop() {
	for _, p := range d.pipes {
		if p != nil {
			p.Stop()
		}
	}
}

// AddCommand validates global bad-state and the client's context before
// routing cmd to its target CU's pipeline (or the ERT sink), mirroring
// xocl_command_ioctl's pre-EXECBUF checks.
func (d *Dispatch) AddCommand(client *registry.Client, cmd *command.Command, cuIndex int, useERT bool) error {
	if d.badState.IsBad() {
		return &Error{Op: "add_command", Kind: ErrDeadlock}
	}

	if useERT {
		if d.ert == nil {
			return &Error{Op: "add_command", Kind: ErrInvalid}
		}
		if !client.HasContext(constants.VirtualCU) && client.ContextCount() == 0 {
			return &Error{Op: "add_command", Kind: ErrInvalid}
		}
		cmd.SeqID = d.nextSeq.Add(1)
		if err := d.ert.Submit(cmd); err != nil {
			return err
		}
		return nil
	}

	if cuIndex < 0 || cuIndex >= len(d.pipes) {
		return &Error{Op: "add_command", Kind: ErrNoEnt}
	}
	if !client.HasContext(cuIndex) {
		return &Error{Op: "add_command", Kind: ErrInvalid}
	}
	p := d.pipes[cuIndex]
	if p == nil {
		return &Error{Op: "add_command", Kind: ErrNoEnt}
	}

	cmd.SeqID = d.nextSeq.Add(1)
	cmd.CUMask = 1 << uint(cuIndex)
	if err := p.Submit(cmd); err != nil {
		if p.BadState() {
			return &Error{Op: "add_command", Kind: ErrDeadlock}
		}
		return &Error{Op: "add_command", Kind: ErrNoMem}
	}
	return nil
}

// Reset broadcasts a reset to every CU pipeline and clears the global
// bad-state flag only if every pipeline's reset_done succeeds, mirroring
// kds_reset.
func (d *Dispatch) Reset(ctx context.Context) error {
	var failed atomic.Bool
	var wg sync.WaitGroup
	for _, p := range d.pipes {
		if p == nil {
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Reset(ctx, d.resetPollInterval(), constants.ResetTimeout); err != nil {
				failed.Store(true)
			}
		}()
	}
	wg.Wait()

	if failed.Load() {
		return &Error{Op: "reset", Kind: ErrDeadlock}
	}
	d.badState.Clear()
	return nil
}

func (d *Dispatch) resetPollInterval() time.Duration {
	if d.cfg.PollInterval > 0 {
		return d.cfg.PollInterval
	}
	return constants.ResetPollInterval
}

// SetBadState latches the scheduler-wide bad-state flag, causing every
// subsequent AddCommand to fail with ErrDeadlock until a successful
// Reset.
func (d *Dispatch) SetBadState() {
	d.badState.Set()
}

// BadState reports the global bad-state flag.
func (d *Dispatch) BadState() bool {
	return d.badState.IsBad()
}

// LiveClients delegates to the registry, mirroring kds_live_clients.
func (d *Dispatch) LiveClients() []int {
	return d.registry.LiveClients()
}

// Pipeline returns the pipeline registered at cuIndex, or nil.
func (d *Dispatch) Pipeline(cuIndex int) *pipeline.Pipeline {
	if cuIndex < 0 || cuIndex >= len(d.pipes) {
		return nil
	}
	return d.pipes[cuIndex]
}
