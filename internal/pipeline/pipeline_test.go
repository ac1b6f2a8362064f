package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kds-sched/kds/internal/command"
	"github.com/kds-sched/kds/internal/cudriver"
	"github.com/kds-sched/kds/internal/health"
)

type fakeClient struct {
	notified atomic.Int32
}

func (f *fakeClient) NotifyReadable() { f.notified.Add(1) }

// stallingDriver wraps an Echo driver but lets tests hold commands
// in-flight indefinitely (for timeout tests) by never reporting them done.
type stallingDriver struct {
	*cudriver.Echo
	stall atomic.Bool
}

func newStallingDriver(maxCredits int) *stallingDriver {
	return &stallingDriver{Echo: cudriver.NewEcho(maxCredits)}
}

func (s *stallingDriver) Check() (cudriver.Status, error) {
	if s.stall.Load() {
		return cudriver.Status{}, nil
	}
	return s.Echo.Check()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPipeline_SingleCommandCompletes(t *testing.T) {
	driver := cudriver.NewEcho(1)
	p := New(Config{CUIndex: 0, Driver: driver, PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	client := &fakeClient{}
	cmd := &command.Command{Client: client}
	if err := p.Submit(cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, time.Second, func() bool { return cmd.State() == command.StateCompleted })
	if client.notified.Load() != 1 {
		t.Errorf("client notified %d times, want 1", client.notified.Load())
	}
}

func TestPipeline_FillsToMaxCreditsThenDrains(t *testing.T) {
	const maxCredits = 4
	driver := cudriver.NewEcho(maxCredits)
	p := New(Config{CUIndex: 0, Driver: driver, PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	const total = 10
	cmds := make([]*command.Command, total)
	for i := range cmds {
		cmds[i] = &command.Command{Client: &fakeClient{}}
		if err := p.Submit(cmds[i]); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, c := range cmds {
			if c.State() != command.StateCompleted {
				return false
			}
		}
		return true
	})

	if got := p.CreditsInUse(); got != 0 {
		t.Errorf("CreditsInUse() = %d after drain, want 0", got)
	}
	if got := driver.PeekCredit(); got != maxCredits {
		t.Errorf("driver PeekCredit() = %d, want %d (all credits returned)", got, maxCredits)
	}
}

func TestPipeline_TimeoutLatchesBadState(t *testing.T) {
	driver := newStallingDriver(1)
	driver.stall.Store(true)
	p := New(Config{
		CUIndex:      0,
		Driver:       driver,
		RunTimeout:   20 * time.Millisecond,
		PollInterval: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	cmd := &command.Command{Client: &fakeClient{}}
	if err := p.Submit(cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, time.Second, func() bool { return cmd.State() == command.StateTimeout })
	if !p.BadState() {
		t.Error("expected BadState() to be true after a timeout")
	}

	// Further submissions are rejected while bad-state is latched.
	if err := p.Submit(&command.Command{Client: &fakeClient{}}); err == nil {
		t.Error("expected Submit to fail while bad-state is latched")
	}
}

func TestPipeline_ResetClearsBadState(t *testing.T) {
	driver := newStallingDriver(1)
	driver.stall.Store(true)
	p := New(Config{
		CUIndex:      0,
		Driver:       driver,
		RunTimeout:   10 * time.Millisecond,
		PollInterval: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	cmd := &command.Command{Client: &fakeClient{}}
	_ = p.Submit(cmd)
	waitFor(t, time.Second, func() bool { return p.BadState() })

	if err := p.Reset(ctx, time.Millisecond, time.Second); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if p.BadState() {
		t.Error("expected BadState() to clear after a successful Reset")
	}
}

func TestPipeline_AbortRemovesPendingCommand(t *testing.T) {
	driver := cudriver.NewEcho(1)
	// Keep the single credit occupied so the aborted command stays pending.
	driver.AllocCredit()

	p := New(Config{CUIndex: 0, Driver: driver, PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	target := &fakeClient{}
	cmd := &command.Command{Client: target}
	_ = p.Submit(cmd)

	time.Sleep(20 * time.Millisecond) // let it splice into running, still blocked on credit

	p.Abort(target, func(c command.ClientHandle) bool { return c == command.ClientHandle(target) })

	waitFor(t, time.Second, func() bool { return cmd.State() == command.StateAbort })
}

// A CU that goes bad with more than one command in flight must drain every
// one of them to StateError, not just the command whose timeout tripped
// the latch.
func TestPipeline_TimeoutDrainsAllInFlightCommands(t *testing.T) {
	driver := newStallingDriver(3)
	driver.stall.Store(true)
	p := New(Config{
		CUIndex:      0,
		Driver:       driver,
		RunTimeout:   20 * time.Millisecond,
		PollInterval: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	cmds := make([]*command.Command, 3)
	for i := range cmds {
		cmds[i] = &command.Command{Client: &fakeClient{}}
		if err := p.Submit(cmds[i]); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool { return p.BadState() })

	for i, c := range cmds {
		idx := i
		waitFor(t, time.Second, func() bool { return cmds[idx].State().Terminal() })
		if s := c.State(); s != command.StateTimeout && s != command.StateError {
			t.Errorf("command %d = %s, want timeout or error", i, s)
		}
	}
}

// Abort's returned event must resolve once an in-flight command it could
// not cooperatively cancel completes naturally.
func TestPipeline_AbortEventResolvesWhenInFlightCompletes(t *testing.T) {
	// Hold the command in flight until the abort has been registered
	// against it, then let it complete.
	driver := newStallingDriver(1)
	driver.stall.Store(true)
	p := New(Config{CUIndex: 0, Driver: driver, PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	target := &fakeClient{}
	cmd := &command.Command{Client: target}
	_ = p.Submit(cmd)
	waitFor(t, time.Second, func() bool { return cmd.Location() == command.LocationSubmitted })

	ev := p.Abort(target, func(c command.ClientHandle) bool { return c == command.ClientHandle(target) })
	time.Sleep(20 * time.Millisecond)
	driver.stall.Store(false)

	waitFor(t, time.Second, func() bool { return ev.Done() })
	if ev.Outcome() != health.AbortDone {
		t.Errorf("Outcome() = %v, want %v", ev.Outcome(), health.AbortDone)
	}
}
