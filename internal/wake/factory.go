package wake

import "fmt"

// RingFanoutThreshold is the CU count at or above which NewMultiplexer prefers
// the io_uring-backed batched backend over plain epoll, per
// RingMultiplexer's setup-cost tradeoff.
const RingFanoutThreshold = 16

// NewMultiplexer picks a Multiplexer backend for the given expected CU
// fan-out: epoll below RingFanoutThreshold, the io_uring-backed batched
// backend at or above it when the binary was built with -tags giouring.
// Without that tag it always falls back to epoll.
func NewMultiplexer(expectedCUs int) (Multiplexer, error) {
	if expectedCUs >= RingFanoutThreshold {
		if m, err := NewRingMultiplexer(uint32(expectedCUs) * 2); err == nil {
			return m, nil
		}
	}
	m, err := NewEpollMultiplexer()
	if err != nil {
		return nil, fmt.Errorf("wake: no usable multiplexer backend: %w", err)
	}
	return m, nil
}
