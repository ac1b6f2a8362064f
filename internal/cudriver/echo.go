package cudriver

import "sync/atomic"

// Echo is the kds_echo backend: it short-circuits every launch to an
// instant completion, for measuring the scheduler's own throughput in
// isolation from real CU hardware. Start and Check do not touch credits
// themselves; the pipeline still acquires a credit before each Start and
// frees it after the Check that reports the command done, so its credit
// bookkeeping is exercised identically to a real backend.
type Echo struct {
	maxCredits int32
	credits    atomic.Int32
	pending    atomic.Uint32
}

// NewEcho creates an instant-complete driver with the given credit depth.
func NewEcho(maxCredits int) *Echo {
	if maxCredits <= 0 {
		maxCredits = 1
	}
	e := &Echo{maxCredits: int32(maxCredits)}
	e.credits.Store(int32(maxCredits))
	return e
}

func (e *Echo) AllocCredit() int {
	return int(e.credits.Add(-1))
}

func (e *Echo) FreeCredit(n int) {
	e.credits.Add(int32(n))
}

func (e *Echo) PeekCredit() int {
	return int(e.credits.Load())
}

func (e *Echo) Configure([]byte, ConfigMode) error { return nil }

func (e *Echo) Start() error {
	e.pending.Add(1)
	return nil
}

func (e *Echo) Check() (Status, error) {
	done := e.pending.Swap(0)
	return Status{NumDone: done, NumReady: done}, nil
}

func (e *Echo) Reset() error { return nil }

func (e *Echo) ResetDone() bool { return true }

// Echo never raises interrupts: its completions are observed purely
// through Check, so interrupt toggling is a no-op.
func (e *Echo) EnableIntr(IntrMask)  {}
func (e *Echo) DisableIntr(IntrMask) {}
func (e *Echo) ClearIntr() IntrMask  { return 0 }

var _ Driver = (*Echo)(nil)
