package wake

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// EpollMultiplexer is the default Multiplexer backend: a single epoll
// instance watching every registered interrupt source. It scales to the
// spec's MaxCUs=128 fds comfortably with one epoll_wait call per batch.
type EpollMultiplexer struct {
	epfd int

	mu        sync.Mutex
	callbacks map[int]func()
}

// NewEpollMultiplexer creates an epoll-backed multiplexer.
func NewEpollMultiplexer() (*EpollMultiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("wake: epoll_create1: %w", err)
	}
	return &EpollMultiplexer{epfd: epfd, callbacks: make(map[int]func())}, nil
}

func (m *EpollMultiplexer) Add(fd int, onFire func()) error {
	m.mu.Lock()
	m.callbacks[fd] = onFire
	m.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("wake: epoll_ctl add: %w", err)
	}
	return nil
}

func (m *EpollMultiplexer) Remove(fd int) error {
	m.mu.Lock()
	delete(m.callbacks, fd)
	m.mu.Unlock()

	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("wake: epoll_ctl del: %w", err)
	}
	return nil
}

func (m *EpollMultiplexer) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 32)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.EpollWait(m.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("wake: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			m.mu.Lock()
			cb := m.callbacks[fd]
			m.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}
}

func (m *EpollMultiplexer) Close() error {
	return unix.Close(m.epfd)
}
