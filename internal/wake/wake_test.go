package wake

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSource_FireWakesMultiplexer(t *testing.T) {
	src, err := NewSource()
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer src.Close()

	mux, err := NewEpollMultiplexer()
	if err != nil {
		t.Fatalf("NewEpollMultiplexer: %v", err)
	}
	defer mux.Close()

	var fired atomic.Int32
	if err := mux.Add(src.FD(), func() {
		fired.Add(1)
		_ = src.Drain()
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Run(ctx) }()

	if err := src.Fire(); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if fired.Load() == 0 {
		t.Error("multiplexer never observed the fired source")
	}
}

func TestMultiplexer_RemoveStopsDelivery(t *testing.T) {
	src, err := NewSource()
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer src.Close()

	mux, err := NewEpollMultiplexer()
	if err != nil {
		t.Fatalf("NewEpollMultiplexer: %v", err)
	}
	defer mux.Close()

	var fired atomic.Int32
	_ = mux.Add(src.FD(), func() { fired.Add(1) })
	if err := mux.Remove(src.FD()); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Run(ctx) }()

	_ = src.Fire()
	<-done

	if fired.Load() != 0 {
		t.Error("callback fired after Remove")
	}
}
