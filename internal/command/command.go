// Package command defines the command object carried through a CU
// pipeline and the completion-notify path that delivers its terminal
// state back to the owning client.
package command

import (
	"sync"
	"sync/atomic"

	"github.com/kds-sched/kds/internal/wire"
)

// State is a command's position in its state machine:
// new -> queued(pending) -> queued(running) -> in_flight(submitted) ->
// {completed | error | timeout | abort}. Queued collapses the two
// pending/running sub-states; Location reports which queue currently
// holds the command for diagnostics.
type State int32

const (
	StateNew State = iota
	StateQueued
	StateSubmitted
	StateCompleted
	StateError
	StateTimeout
	StateAbort
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateQueued:
		return "queued"
	case StateSubmitted:
		return "submitted"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateTimeout:
		return "timeout"
	case StateAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is an absorbing state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateTimeout, StateAbort:
		return true
	default:
		return false
	}
}

// Opcode identifies what a command asks the target CU(s) to do.
type Opcode int

const (
	OpStartCU Opcode = iota
	OpConfigure
)

// Location reports which pipeline queue currently owns a command, for
// diagnostics only — it carries no list linkage, it is just bookkeeping
// the pipeline stamps as it moves the command between its owned queues.
type Location int32

const (
	LocationNone Location = iota
	LocationPending
	LocationRunning
	LocationSubmitted
	LocationCompleted
)

// ClientHandle identifies the submitting client without requiring this
// package to import the registry package: commands carry no list linkage
// and reference their originating client by handle alone.
type ClientHandle interface {
	// NotifyReadable bumps the client's event counter and wakes its poll
	// wait primitive.
	NotifyReadable()
}

// Command carries payload, routing, and completion plumbing for one
// submission. It is created by the dispatch layer and mutated only by its
// owning pipeline until it reaches a terminal state.
type Command struct {
	SeqID    uint64
	Client   ClientHandle
	Opcode   Opcode
	CUMask   uint64 // bit i set => targets CU i; exactly one bit for START_CU
	Payload  []byte
	Mode     int // cudriver.ConfigMode value, stored as int

	// CallbackFunc/CallbackData implement the optional in-kernel
	// completion hook (EXECBUF_CB); nil means "wake the client instead".
	CallbackFunc func(userData uintptr, status State)
	CallbackData uintptr

	// StatusWord is the external command-buffer state word, a
	// wire.StateWordSize-byte buffer NotifyHost encodes into via
	// wire.MarshalStateWord rather than writing a raw integer directly.
	StatusWord []byte

	// Release returns the payload buffer handle to the caller once the
	// command reaches a terminal state.
	Release func()

	// OnTerminal, if set, is invoked synchronously inside NotifyHost right
	// after the terminal state is applied, before any client-facing
	// callback or wake. It exists for instrumentation that must observe
	// every command, not just ones with an attached EXECBUF_CB.
	OnTerminal func(State)

	state      atomic.Int32
	location   atomic.Int32
	enqueuedAt int64 // monotonic nanoseconds
	submittedAt int64
	mu         sync.Mutex
	notified   bool
}

// State returns the command's current terminal/non-terminal state.
func (c *Command) State() State {
	return State(c.state.Load())
}

// SetState transitions the command to s. Callers (the owning pipeline)
// are responsible for only calling this in the declared order.
func (c *Command) SetState(s State) {
	c.state.Store(int32(s))
}

// SetLocation stamps which queue currently owns the command.
func (c *Command) SetLocation(l Location) {
	c.location.Store(int32(l))
}

// Location reports which queue currently owns the command.
func (c *Command) Location() Location {
	return Location(c.location.Load())
}

// Pool hands out reusable Command objects backed by a sync.Pool.
type Pool struct {
	pool sync.Pool
}

// NewPool creates an empty command pool.
func NewPool() *Pool {
	return &Pool{pool: sync.Pool{New: func() any { return &Command{} }}}
}

// Get returns a zeroed Command ready for reuse.
func (p *Pool) Get() *Command {
	cmd := p.pool.Get().(*Command)
	*cmd = Command{}
	return cmd
}

// Put returns a terminal command's memory to the pool. The caller must not
// use cmd afterward.
func (p *Pool) Put(cmd *Command) {
	p.pool.Put(cmd)
}

// NotifyHost performs the terminal completion sequence: write the
// terminal state into the external status word, release the
// payload handle, then either schedule the attached in-kernel callback or
// wake the client's poll() primitive. It is safe to call at most once
// per command; subsequent calls are no-ops so a drained-twice bug fails
// silently rather than double-notifying a client.
func (c *Command) NotifyHost(terminal State, cb *CallbackPool) {
	c.mu.Lock()
	if c.notified {
		c.mu.Unlock()
		return
	}
	c.notified = true
	c.mu.Unlock()

	c.SetState(terminal)
	c.SetLocation(LocationNone)

	if c.StatusWord != nil {
		copy(c.StatusWord, wire.MarshalStateWord(uint32(terminal)))
	}

	if c.Release != nil {
		c.Release()
	}

	if c.OnTerminal != nil {
		c.OnTerminal(terminal)
	}

	if c.CallbackFunc != nil {
		fn, data := c.CallbackFunc, c.CallbackData
		if cb != nil {
			cb.Schedule(func() { fn(data, terminal) })
		} else {
			fn(data, terminal)
		}
		return
	}

	if c.Client != nil {
		c.Client.NotifyReadable()
	}
}
