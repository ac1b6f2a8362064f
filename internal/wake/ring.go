//go:build giouring
// +build giouring

// Package wake's ring.go implements a io_uring-backed Multiplexer using
// IORING_OP_POLL_ADD, batching the interrupt-wait across every registered
// CU fd into a single io_uring_enter per cycle instead of one epoll_wait
// plus N re-arms. Worthwhile once the CU count is large enough that
// syscall batching outweighs io_uring's setup cost; see
// NewRingMultiplexer's threshold guidance.
package wake

import (
	"context"
	"fmt"
	"sync"

	"github.com/pawelgaczynski/giouring"
)

// RingMultiplexer batches interrupt polling for many CUs through one
// io_uring instance, re-arming each fd's IORING_OP_POLL_ADD as soon as its
// completion is reaped.
type RingMultiplexer struct {
	ring *giouring.Ring

	mu        sync.Mutex
	callbacks map[int]func()
}

// NewRingMultiplexer creates a ring sized for up to entries outstanding
// polls. Callers with fewer than ~16 CUs should prefer
// NewEpollMultiplexer; the ring's advantage only shows up once fan-in is
// wide enough to amortize its setup.
func NewRingMultiplexer(entries uint32) (*RingMultiplexer, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("wake: io_uring_setup: %w", err)
	}
	return &RingMultiplexer{ring: ring, callbacks: make(map[int]func())}, nil
}

func (m *RingMultiplexer) Add(fd int, onFire func()) error {
	m.mu.Lock()
	m.callbacks[fd] = onFire
	m.mu.Unlock()
	return m.armPoll(fd)
}

func (m *RingMultiplexer) armPoll(fd int) error {
	sqe := m.ring.GetSQE()
	if sqe == nil {
		if _, err := m.ring.Submit(); err != nil {
			return fmt.Errorf("wake: submit while arming: %w", err)
		}
		sqe = m.ring.GetSQE()
		if sqe == nil {
			return fmt.Errorf("wake: no sqe available for fd %d", fd)
		}
	}
	sqe.PrepPollAdd(uint32(fd), giouring.POLLIN)
	sqe.UserData = uint64(fd)
	return nil
}

func (m *RingMultiplexer) Remove(fd int) error {
	m.mu.Lock()
	delete(m.callbacks, fd)
	m.mu.Unlock()
	return nil
}

func (m *RingMultiplexer) Run(ctx context.Context) error {
	var cqes [64]*giouring.CompletionQueueEvent
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := m.ring.SubmitAndWaitTimeout(1, nil); err != nil {
			continue
		}
		n := m.ring.PeekBatchCQE(cqes[:])
		for i := uint32(0); i < n; i++ {
			cqe := cqes[i]
			fd := int(cqe.UserData)
			m.mu.Lock()
			cb := m.callbacks[fd]
			m.mu.Unlock()
			if cb != nil {
				cb()
			}
			_ = m.armPoll(fd)
		}
		m.ring.CQAdvance(n)
	}
}

func (m *RingMultiplexer) Close() error {
	m.ring.QueueExit()
	return nil
}
