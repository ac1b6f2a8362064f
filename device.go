// Package kds implements a kernel-driven scheduler core for FPGA
// accelerator compute units: per-CU command pipelines, a CU driver
// capability boundary, client/context admission, dispatch routing, and a
// health/abort controller.
package kds

import (
	"context"
	"fmt"
	"time"

	"github.com/kds-sched/kds/internal/command"
	"github.com/kds-sched/kds/internal/constants"
	"github.com/kds-sched/kds/internal/cudriver"
	"github.com/kds-sched/kds/internal/dispatch"
	"github.com/kds-sched/kds/internal/health"
	"github.com/kds-sched/kds/internal/logging"
	"github.com/kds-sched/kds/internal/pipeline"
	"github.com/kds-sched/kds/internal/registry"
)

// CommandState is the public alias for a command's terminal/non-terminal
// state, re-exported so callers never need to import internal/command.
type CommandState = command.State

const (
	StateNew       = command.StateNew
	StateQueued    = command.StateQueued
	StateSubmitted = command.StateSubmitted
	StateCompleted = command.StateCompleted
	StateError     = command.StateError
	StateTimeout   = command.StateTimeout
	StateAbort     = command.StateAbort
)

// Client is the public alias for an admitted client handle.
type Client = registry.Client

// AccessMode is the public alias for a context's shared/exclusive mode.
type AccessMode = registry.AccessMode

const (
	ModeShared    = registry.ModeShared
	ModeExclusive = registry.ModeExclusive
)

// VirtualCU is the sentinel CU index for a bitstream-only context hold.
const VirtualCU = constants.VirtualCU

// BitstreamLocker is the public alias for the registry's bitstream lock
// collaborator interface.
type BitstreamLocker = registry.BitstreamLocker

// AbortEvent tracks one Abort request until every command it matched,
// queued or already in flight, has resolved. See Scheduler.Abort/AbortAll.
type AbortEvent = health.AbortEvent

// AbortOutcome is an AbortEvent's eventual resolution.
type AbortOutcome = health.AbortOutcome

const (
	AbortPending = health.AbortPending
	AbortDone    = health.AbortDone
	AbortBad     = health.AbortBad
)

// CUConfig describes one compute unit to attach to the scheduler.
type CUConfig struct {
	Descriptor cudriver.Descriptor
	Driver     cudriver.Driver // nil uses an Echo backend if KDSEcho is set, else is an error
	RunTimeout time.Duration   // 0 uses Config.DefaultRunTimeout
}

// Config parameterizes a Scheduler, replacing xocl_kds.c's mutable
// kds_mode/kds_echo module parameters with an immutable record supplied
// at construction.
type Config struct {
	CUs []CUConfig

	// KDSMode selects whether commands are routed directly to CU
	// pipelines (true) or handed to the secondary embedded-scheduler path
	// (false); see ERTSink. With KDSMode false and no ERT sink configured,
	// commands still go to the CU pipelines.
	KDSMode bool

	// KDSEcho, when true, backs any CU with a nil Driver with an instant-
	// complete cudriver.Echo rather than erroring, for measuring
	// scheduler overhead in isolation from real hardware.
	KDSEcho bool

	DefaultRunTimeout time.Duration
	PollInterval      time.Duration

	// CPUAffinity, if non-empty, pins each CU's worker goroutine to one of
	// the listed CPUs, round-robin by CU index, mirroring
	// queue.Runner.CPUAffinity's SchedSetaffinity pinning.
	CPUAffinity []int

	BitstreamLocker BitstreamLocker // nil uses a permissive in-process locker
	Logger          *logging.Logger
	Observer        Observer
	ERT             dispatch.ERTSink

	CallbackWorkers   int
	CallbackQueueSize int
}

// Scheduler wires a Dispatch table, a client Registry, and scheduler-wide
// metrics/observer into one handle, the top-level object xocl_kds.c's
// per-device kds_sched struct corresponds to.
type Scheduler struct {
	cfg         Config
	dispatch    *dispatch.Dispatch
	registry    *registry.Registry
	descriptors []cudriver.Descriptor
	metrics     *Metrics
	observer    Observer
	callbacks   *command.CallbackPool

	ctx    context.Context
	cancel context.CancelFunc
}

type permissiveLocker struct{}

func (permissiveLocker) LockBitstream(string) error   { return nil }
func (permissiveLocker) UnlockBitstream(string) error { return nil }

// New builds a Scheduler with one pipeline per configured CU and starts
// every CU's worker goroutine.
func New(ctx context.Context, cfg Config) (*Scheduler, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(cfg.CUs) == 0 {
		return nil, NewError("new", ErrCodeInvalid, "at least one CU must be configured")
	}
	if cfg.DefaultRunTimeout <= 0 {
		cfg.DefaultRunTimeout = constants.DefaultRunTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.BitstreamLocker == nil {
		cfg.BitstreamLocker = permissiveLocker{}
	}

	metrics := NewMetrics()
	observer := cfg.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	callbacks := command.NewCallbackPool(cfg.CallbackWorkers, cfg.CallbackQueueSize)

	reg := registry.New(cfg.BitstreamLocker)
	descriptors := make([]cudriver.Descriptor, len(cfg.CUs))

	d, err := dispatch.New(dispatch.Config{
		MaxCUs:            len(cfg.CUs),
		DefaultRunTimeout: cfg.DefaultRunTimeout,
		PollInterval:      cfg.PollInterval,
		Callbacks:         callbacks,
	}, reg, cfg.ERT)
	if err != nil {
		return nil, WrapError("new", err)
	}

	for i, cu := range cfg.CUs {
		driver := cu.Driver
		if driver == nil {
			if !cfg.KDSEcho {
				return nil, NewCUError("new", i, ErrCodeInvalid, "cu has no driver and kds_echo is disabled")
			}
			driver = cudriver.NewEcho(constants.DefaultCredits)
		}
		runTimeout := cu.RunTimeout
		if runTimeout <= 0 {
			runTimeout = cfg.DefaultRunTimeout
		}
		descriptors[i] = cu.Descriptor
		descriptors[i].Index = i
		p := pipeline.New(pipeline.Config{
			CUIndex:      i,
			Driver:       driver,
			RunTimeout:   runTimeout,
			PollInterval: cfg.PollInterval,
			Callbacks:    callbacks,
			Logger:       cfg.Logger.WithCU(i),
			IntrEnable:   cu.Descriptor.IntrEnable,
			CPUAffinity:  cfg.CPUAffinity,
		})
		if err := d.RegisterCU(i, p); err != nil {
			return nil, WrapError("new", err)
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		cfg:         cfg,
		dispatch:    d,
		registry:    reg,
		descriptors: descriptors,
		metrics:     metrics,
		observer:    observer,
		callbacks:   callbacks,
		ctx:         sctx,
		cancel:      cancel,
	}

	d.Start(sctx)
	return s, nil
}

// Stop halts every CU's worker goroutine and the callback pool.
func (s *Scheduler) Stop() {
	s.cancel()
	s.dispatch.Stop()
	s.metrics.Stop()
	s.callbacks.Close()
}

// CreateClient registers a new client, mirroring xocl_create_client.
func (s *Scheduler) CreateClient(pid int, xclbinID string) *Client {
	return s.registry.CreateClient(pid, xclbinID)
}

// DestroyClient closes all of a client's open contexts and removes it,
// mirroring xocl_destroy_client.
func (s *Scheduler) DestroyClient(client *Client) {
	s.registry.DestroyClient(client)
}

// OpenContext grants client a context on cuIndex (or VirtualCU) in the
// given mode.
func (s *Scheduler) OpenContext(client *Client, xclbinID string, cuIndex int, mode AccessMode) error {
	if err := s.registry.OpenContext(client, xclbinID, cuIndex, mode); err != nil {
		return NewClientError("open_context", client.PID, codeFor(err), err.Error())
	}
	return nil
}

// CloseContext releases client's hold on cuIndex.
func (s *Scheduler) CloseContext(client *Client, cuIndex int) error {
	if err := s.registry.CloseContext(client, cuIndex); err != nil {
		return NewClientError("close_context", client.PID, codeFor(err), err.Error())
	}
	return nil
}

func codeFor(err error) ErrorCode {
	switch err {
	case registry.ErrBusy:
		return ErrCodeBusy
	case registry.ErrNoEnt:
		return ErrCodeNoEnt
	default:
		return ErrCodeError
	}
}

// SubmitCommand builds and admits a command targeting cuIndex with the
// given argument payload, mirroring xocl_command_ioctl's EXECBUF path. The
// returned Command's State() transitions to a terminal state
// asynchronously; poll it or wait on client.Poll. SubmitCommand attaches
// no completion callback, so completion is reported only by the state
// change and the client wake; there is no EXECBUF_CB-style submit.
func (s *Scheduler) SubmitCommand(client *Client, cuIndex int, payload []byte, mode cudriver.ConfigMode) (*CommandHandle, error) {
	submittedAt := time.Now()
	cmd := &command.Command{
		Client:  client,
		Opcode:  command.OpStartCU,
		Payload: payload,
		Mode:    int(mode),
	}
	cmd.OnTerminal = func(state command.State) {
		s.observer.ObserveTerminal(state, uint64(time.Since(submittedAt)))
	}

	useERT := !s.cfg.KDSMode && s.cfg.ERT != nil

	s.observer.ObserveSubmit()
	if err := s.dispatch.AddCommand(client, cmd, cuIndex, useERT); err != nil {
		return nil, wrapDispatchErr(err)
	}
	return &CommandHandle{cmd: cmd}, nil
}

// ConfigureBroadcast submits an OpConfigure command to every CU the
// client currently holds a context on, distinct from a single-CU start: a
// configure command writes its argument image to each target CU's
// registers but never asserts start, and completes as soon as that write
// lands rather than waiting on any CU's run-to-completion cycle.
func (s *Scheduler) ConfigureBroadcast(client *Client, payload []byte, mode cudriver.ConfigMode) ([]*CommandHandle, error) {
	cus := client.ContextCUs()
	if len(cus) == 0 {
		return nil, NewClientError("configure_broadcast", client.PID, ErrCodeInvalid, "client holds no CU contexts")
	}

	handles := make([]*CommandHandle, 0, len(cus))
	for _, cuIndex := range cus {
		submittedAt := time.Now()
		cmd := &command.Command{
			Client:  client,
			Opcode:  command.OpConfigure,
			Payload: payload,
			Mode:    int(mode),
		}
		cmd.OnTerminal = func(state command.State) {
			s.observer.ObserveTerminal(state, uint64(time.Since(submittedAt)))
		}

		s.observer.ObserveSubmit()
		if err := s.dispatch.AddCommand(client, cmd, cuIndex, false); err != nil {
			return handles, wrapDispatchErr(err)
		}
		handles = append(handles, &CommandHandle{cmd: cmd})
	}
	return handles, nil
}

func wrapDispatchErr(err error) error {
	de, ok := err.(*dispatch.Error)
	if !ok {
		return WrapError("add_command", err)
	}
	var code ErrorCode
	switch de.Kind {
	case dispatch.ErrInvalid:
		code = ErrCodeInvalid
	case dispatch.ErrDeadlock:
		code = ErrCodeDeadlock
	case dispatch.ErrNoEnt:
		code = ErrCodeNoEnt
	case dispatch.ErrNoMem:
		code = ErrCodeNoMem
	default:
		code = ErrCodeError
	}
	return NewError(de.Op, code, de.Error())
}

// CommandHandle is the caller-facing view of a submitted command: its
// terminal state, once reached, is stable and safe to read concurrently.
type CommandHandle struct {
	cmd *command.Command
}

// State returns the command's current state.
func (h *CommandHandle) State() CommandState {
	return h.cmd.State()
}

// Abort requests cancellation of every command owned by client on
// cuIndex's pipeline, wherever it currently sits. The returned AbortEvent
// resolves once every matched command, queued or already in flight, has
// reached a terminal state; poll AbortEvent.Done (or use AllAbortsDone for
// an aggregate across CUs) before tearing the client down, mirroring
// xrt_cu_abort/xrt_cu_abort_done.
func (s *Scheduler) Abort(client *Client, cuIndex int) (*AbortEvent, error) {
	p := s.dispatch.Pipeline(cuIndex)
	if p == nil {
		return nil, NewCUError("abort", cuIndex, ErrCodeNoEnt, "no such cu")
	}
	ev := p.Abort(client, func(ch command.ClientHandle) bool { return ch == command.ClientHandle(client) })
	return ev, nil
}

// AbortAll requests cancellation of every command owned by client across
// every CU it holds a context on, returning one AbortEvent per CU. Poll
// the results with AllAbortsDone before tearing the client down.
func (s *Scheduler) AbortAll(client *Client) ([]*AbortEvent, error) {
	cus := client.ContextCUs()
	events := make([]*AbortEvent, 0, len(cus))
	for _, cuIndex := range cus {
		ev, err := s.Abort(client, cuIndex)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// AllAbortsDone reports whether every event in events has resolved,
// cleanly or not, permitting client teardown to proceed once true.
func AllAbortsDone(events []*AbortEvent) bool {
	for _, ev := range events {
		if !ev.Done() {
			return false
		}
	}
	return true
}

// Reset broadcasts a reset to every CU and clears global bad-state on
// success, mirroring kds_reset.
func (s *Scheduler) Reset(ctx context.Context) error {
	if err := s.dispatch.Reset(ctx); err != nil {
		s.dispatch.SetBadState()
		return WrapError("reset", err)
	}
	return nil
}

// LiveClients mirrors kds_live_clients's diagnostic enumeration.
func (s *Scheduler) LiveClients() []int {
	return s.dispatch.LiveClients()
}

// BadState reports the scheduler-wide bad-state flag.
func (s *Scheduler) BadState() bool {
	return s.dispatch.BadState()
}

// Metrics returns the scheduler's built-in metrics collector.
func (s *Scheduler) Metrics() *Metrics {
	return s.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of scheduler metrics.
func (s *Scheduler) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// Info is a sysfs-equivalent readiness probe: the global bad-state flag
// and, per CU, its descriptor, credits in use and bad-state. It does not
// report queue depths or done/ready totals.
type Info struct {
	NumCUs   int
	BadState bool
	CUs      []CUInfo
}

// CUInfo reports one CU pipeline's diagnostic counters alongside the
// static descriptor it was registered with.
type CUInfo struct {
	Index        int
	Name         string
	Model        cudriver.Model
	Protocol     cudriver.Protocol
	CreditsInUse int64
	BadState     bool
}

// Info returns a snapshot of every CU's diagnostic state.
func (s *Scheduler) Info() Info {
	info := Info{NumCUs: len(s.cfg.CUs), BadState: s.dispatch.BadState()}
	for i := range s.cfg.CUs {
		p := s.dispatch.Pipeline(i)
		if p == nil {
			continue
		}
		info.CUs = append(info.CUs, CUInfo{
			Index:        i,
			Name:         s.descriptors[i].Name,
			Model:        s.descriptors[i].Model,
			Protocol:     s.descriptors[i].Protocol,
			CreditsInUse: p.CreditsInUse(),
			BadState:     p.BadState(),
		})
	}
	return info
}

// StatsText renders a human-readable diagnostic dump, the Go analogue of
// xocl_kds.c's show_cu_stat/show_cu_info sysfs handlers.
func (s *Scheduler) StatsText() string {
	info := s.Info()
	out := fmt.Sprintf("bad_state=%t cus=%d\n", info.BadState, info.NumCUs)
	for _, cu := range info.CUs {
		out += fmt.Sprintf("  cu[%d] %s (%s/%s): credits_in_use=%d bad_state=%t\n",
			cu.Index, cu.Name, cu.Model, cu.Protocol, cu.CreditsInUse, cu.BadState)
	}
	return out
}
