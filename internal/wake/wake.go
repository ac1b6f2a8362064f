// Package wake implements the interrupt-wake fan-in for CU drivers that
// back onto real hardware: one eventfd-backed Source per CU interrupt
// line, and a Multiplexer that waits across many such fds and invokes a
// per-CU callback (ordinarily pipeline.Pipeline.Wake) when one fires.
//
// An interrupt handler issues a single wake and returns: the
// hardware-facing half of that rule (turning a real interrupt into a
// wake) lives here, while the pipeline-facing half (the capacity-1
// channel semaphore) lives in package pipeline.
package wake

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Source is one CU's interrupt line, represented as a non-blocking
// eventfd the CU driver's real hardware ISR-equivalent writes to.
type Source struct {
	fd int
}

// NewSource creates an eventfd-backed wake source.
func NewSource() (*Source, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("wake: eventfd: %w", err)
	}
	return &Source{fd: fd}, nil
}

// FD returns the underlying eventfd, for registration with a Multiplexer.
func (s *Source) FD() int {
	return s.fd
}

// Fire signals the eventfd once, the software-simulated equivalent of a
// hardware interrupt asserting.
func (s *Source) Fire() error {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(s.fd, buf[:])
	return err
}

// Drain clears a pending eventfd counter after it has fired, the
// equivalent of a driver's clear_intr.
func (s *Source) Drain() error {
	var buf [8]byte
	_, err := unix.Read(s.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Close releases the eventfd.
func (s *Source) Close() error {
	return unix.Close(s.fd)
}

// Multiplexer waits across many interrupt sources and invokes a
// registered callback when one fires.
type Multiplexer interface {
	// Add registers fd; onFire is invoked (on the Multiplexer's own
	// goroutine) whenever it becomes readable. Implementations must not
	// block inside onFire for long, since it delays delivery to every
	// other registered fd.
	Add(fd int, onFire func()) error
	// Remove unregisters fd.
	Remove(fd int) error
	// Run blocks, dispatching fired sources to their callbacks, until ctx
	// is done or an unrecoverable error occurs.
	Run(ctx context.Context) error
	// Close releases the multiplexer's own resources (epoll fd, ring,
	// etc). Run must have returned first.
	Close() error
}
