// Package health implements the one-way bad-state latch and per-CU abort
// acknowledgment bookkeeping shared by internal/pipeline and
// internal/dispatch, grounded on xrt_cu_set_bad_state and
// xrt_cu_abort/xrt_cu_abort_done in xrt_cu.h.
package health

import (
	"sync"
	"sync/atomic"

	"github.com/kds-sched/kds/internal/command"
)

// Latch is a one-way bad-state flag: once Set, it stays true until Clear
// is called by a verified-successful reset, mirroring
// xrt_cu_set_bad_state/xrt_cu_clear_bad_state. Both internal/pipeline
// (per-CU) and internal/dispatch (global) hold one.
type Latch struct {
	bad atomic.Bool
}

// Set latches the bad state. Idempotent.
func (l *Latch) Set() { l.bad.Store(true) }

// Clear releases the latch. Callers must only do this after confirming
// the condition that tripped it no longer holds.
func (l *Latch) Clear() { l.bad.Store(false) }

// IsBad reports whether the latch is currently tripped.
func (l *Latch) IsBad() bool { return l.bad.Load() }

// AbortOutcome is the eventual resolution of an AbortEvent, mirroring
// xrt_cu_abort_done's tri-state result.
type AbortOutcome int

const (
	// AbortPending means the request is queued or has matching commands
	// still in flight on hardware.
	AbortPending AbortOutcome = iota
	// AbortDone means every matching command reached a clean terminal
	// state (completed or abort) after the request was issued.
	AbortDone
	// AbortBad means at least one matching in-flight command could not
	// be cleanly cancelled — it timed out or errored instead, i.e. the
	// hardware was stuck.
	AbortBad
)

func (o AbortOutcome) String() string {
	switch o {
	case AbortPending:
		return "pending"
	case AbortDone:
		return "done"
	case AbortBad:
		return "bad"
	default:
		return "unknown"
	}
}

// AbortEvent tracks one client's abort request against one CU from the
// moment it is queued until every command it matched has resolved,
// mirroring the xrt_cu_abort/xrt_cu_abort_done handshake: a caller polls
// Done() before proceeding with client teardown.
type AbortEvent struct {
	client command.ClientHandle

	mu      sync.Mutex
	outcome AbortOutcome
}

// NewAbortEvent creates a pending abort event for client.
func NewAbortEvent(client command.ClientHandle) *AbortEvent {
	return &AbortEvent{client: client, outcome: AbortPending}
}

// Client returns the client this event was issued for.
func (e *AbortEvent) Client() command.ClientHandle {
	return e.client
}

// Resolve sets the event's final outcome. Only the first call after
// creation has any effect on external observers since pipeline bookkeeping
// calls it at most once per event, but it is not itself guarded against
// repeated calls beyond taking the last write.
func (e *AbortEvent) Resolve(outcome AbortOutcome) {
	e.mu.Lock()
	e.outcome = outcome
	e.mu.Unlock()
}

// Outcome returns the event's current outcome.
func (e *AbortEvent) Outcome() AbortOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome
}

// Done reports whether the event has resolved, cleanly or not.
func (e *AbortEvent) Done() bool {
	o := e.Outcome()
	return o == AbortDone || o == AbortBad
}
