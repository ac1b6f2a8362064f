package command

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kds-sched/kds/internal/wire"
)

type fakeClient struct {
	woken atomic.Int32
}

func (f *fakeClient) NotifyReadable() {
	f.woken.Add(1)
}

func TestNotifyHost_WakesClientWhenNoCallback(t *testing.T) {
	client := &fakeClient{}
	status := make([]byte, wire.StateWordSize)
	released := false
	cmd := &Command{
		Client:     client,
		StatusWord: status,
		Release:    func() { released = true },
	}

	cmd.NotifyHost(StateCompleted, nil)

	if cmd.State() != StateCompleted {
		t.Errorf("State() = %v, want %v", cmd.State(), StateCompleted)
	}
	if !released {
		t.Error("Release was not called")
	}
	got, err := wire.UnmarshalStateWord(status)
	if err != nil {
		t.Fatalf("UnmarshalStateWord: %v", err)
	}
	if got != uint32(StateCompleted) {
		t.Errorf("status word = %d, want %d", got, StateCompleted)
	}
	if client.woken.Load() != 1 {
		t.Errorf("client woken %d times, want 1", client.woken.Load())
	}
}

func TestNotifyHost_PrefersCallbackOverWake(t *testing.T) {
	client := &fakeClient{}
	var gotStatus State
	var gotData uintptr
	cmd := &Command{
		Client:       client,
		CallbackData: 42,
		CallbackFunc: func(userData uintptr, status State) {
			gotData = userData
			gotStatus = status
		},
	}

	cmd.NotifyHost(StateError, nil)

	if gotData != 42 || gotStatus != StateError {
		t.Errorf("callback got (%d, %v), want (42, %v)", gotData, gotStatus, StateError)
	}
	if client.woken.Load() != 0 {
		t.Error("client should not be woken when a callback is attached")
	}
}

func TestNotifyHost_ExactlyOnce(t *testing.T) {
	client := &fakeClient{}
	cmd := &Command{Client: client}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd.NotifyHost(StateCompleted, nil)
		}()
	}
	wg.Wait()

	if client.woken.Load() != 1 {
		t.Errorf("client woken %d times concurrently, want exactly 1", client.woken.Load())
	}
}

func TestNotifyHost_SchedulesOnCallbackPool(t *testing.T) {
	pool := NewCallbackPool(2, 4)
	defer pool.Close()

	done := make(chan State, 1)
	cmd := &Command{
		CallbackFunc: func(uintptr, State) {},
	}
	cmd.CallbackFunc = func(userData uintptr, status State) {
		done <- status
	}

	cmd.NotifyHost(StateTimeout, pool)

	select {
	case s := <-done:
		if s != StateTimeout {
			t.Errorf("callback state = %v, want %v", s, StateTimeout)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

func TestPool_GetReturnsZeroedCommand(t *testing.T) {
	p := NewPool()
	cmd := p.Get()
	cmd.SeqID = 7
	cmd.SetState(StateCompleted)
	p.Put(cmd)

	cmd2 := p.Get()
	if cmd2.SeqID != 0 || cmd2.State() != StateNew {
		t.Errorf("pooled command not reset: seq=%d state=%v", cmd2.SeqID, cmd2.State())
	}
}

func TestState_Terminal(t *testing.T) {
	terminal := []State{StateCompleted, StateError, StateTimeout, StateAbort}
	nonTerminal := []State{StateNew, StateQueued, StateSubmitted}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false, want true", s)
		}
	}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true, want false", s)
		}
	}
}

func TestCallbackPool_FallsBackToSyncWhenFull(t *testing.T) {
	pool := NewCallbackPool(1, 1)
	defer pool.Close()

	block := make(chan struct{})
	var ran atomic.Int32

	// Occupy the single worker so the queue backs up.
	pool.Schedule(func() { <-block })
	// Fill the depth-1 queue.
	pool.Schedule(func() { ran.Add(1) })
	// This one should run synchronously since both slots are busy.
	pool.Schedule(func() { ran.Add(1) })

	close(block)
	time.Sleep(50 * time.Millisecond)

	if ran.Load() < 1 {
		t.Error("expected at least the synchronous fallback callback to run")
	}
}
