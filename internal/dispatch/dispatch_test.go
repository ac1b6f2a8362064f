package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/kds-sched/kds/internal/command"
	"github.com/kds-sched/kds/internal/cudriver"
	"github.com/kds-sched/kds/internal/pipeline"
	"github.com/kds-sched/kds/internal/registry"
)

type noopLocker struct{}

func (noopLocker) LockBitstream(string) error   { return nil }
func (noopLocker) UnlockBitstream(string) error { return nil }

type fakeClient struct{}

func (fakeClient) NotifyReadable() {}

func newTestDispatch(t *testing.T, cus int) (*Dispatch, *registry.Registry, func()) {
	t.Helper()
	reg := registry.New(noopLocker{})
	d, err := New(Config{MaxCUs: cus, PollInterval: time.Millisecond}, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < cus; i++ {
		p := pipeline.New(pipeline.Config{CUIndex: i, Driver: cudriver.NewEcho(2), PollInterval: time.Millisecond})
		if err := d.RegisterCU(i, p); err != nil {
			t.Fatalf("RegisterCU(%d): %v", i, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	return d, reg, func() { cancel(); d.Stop() }
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

func TestAddCommand_RejectsWithoutContext(t *testing.T) {
	d, reg, stop := newTestDispatch(t, 2)
	defer stop()
	client := reg.CreateClient(1, "xclbin-a")

	err := d.AddCommand(client, &command.Command{Client: &fakeClient{}}, 0, false)
	if err == nil {
		t.Fatal("expected an error for a client with no context")
	}
	if e, ok := err.(*Error); !ok || e.Kind != ErrInvalid {
		t.Errorf("err = %v (%T), want ErrInvalid", err, err)
	}
}

func TestAddCommand_DeadlockWhenGlobalBadState(t *testing.T) {
	d, reg, stop := newTestDispatch(t, 1)
	defer stop()
	client := reg.CreateClient(1, "xclbin-a")
	_ = reg.OpenContext(client, "xclbin-a", 0, registry.ModeShared)

	d.SetBadState()
	err := d.AddCommand(client, &command.Command{Client: &fakeClient{}}, 0, false)
	e, ok := err.(*Error)
	if !ok || e.Kind != ErrDeadlock {
		t.Errorf("err = %v, want ErrDeadlock", err)
	}
}

func TestAddCommand_NoEntForUnknownCU(t *testing.T) {
	d, reg, stop := newTestDispatch(t, 1)
	defer stop()
	client := reg.CreateClient(1, "xclbin-a")

	err := d.AddCommand(client, &command.Command{Client: &fakeClient{}}, 5, false)
	e, ok := err.(*Error)
	if !ok || e.Kind != ErrNoEnt {
		t.Errorf("err = %v, want ErrNoEnt", err)
	}
}

func TestAddCommand_CrossCUIndependence(t *testing.T) {
	d, reg, stop := newTestDispatch(t, 2)
	defer stop()
	client := reg.CreateClient(1, "xclbin-a")
	_ = reg.OpenContext(client, "xclbin-a", 0, registry.ModeShared)
	_ = reg.OpenContext(client, "xclbin-a", 1, registry.ModeShared)

	// One command to each CU; both complete on their own pipelines.
	cmd0 := &command.Command{Client: &fakeClient{}}
	if err := d.AddCommand(client, cmd0, 0, false); err != nil {
		t.Fatalf("AddCommand cu0: %v", err)
	}
	cmd1 := &command.Command{Client: &fakeClient{}}
	if err := d.AddCommand(client, cmd1, 1, false); err != nil {
		t.Fatalf("AddCommand cu1: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return cmd0.State() == command.StateCompleted && cmd1.State() == command.StateCompleted
	})
}

func TestLiveClients_ReflectsRegistry(t *testing.T) {
	d, reg, stop := newTestDispatch(t, 1)
	defer stop()
	reg.CreateClient(7, "xclbin-a")

	found := false
	for _, pid := range d.LiveClients() {
		if pid == 7 {
			found = true
		}
	}
	if !found {
		t.Error("expected pid 7 in LiveClients()")
	}
}
