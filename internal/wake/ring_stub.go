//go:build !giouring
// +build !giouring

package wake

import (
	"context"
	"fmt"
)

// NewRingMultiplexer is available when built with -tags giouring.
func NewRingMultiplexer(entries uint32) (*RingMultiplexer, error) {
	return nil, fmt.Errorf("giouring not enabled; build with -tags giouring")
}

// RingMultiplexer's real fields only exist in the giouring build; the
// stub type lets callers reference *RingMultiplexer in non-tagged code
// (e.g. a factory switch) without a build-tag-specific signature.
type RingMultiplexer struct{}

func (*RingMultiplexer) Add(int, func()) error        { return errNotBuilt }
func (*RingMultiplexer) Remove(int) error              { return errNotBuilt }
func (*RingMultiplexer) Run(context.Context) error     { return errNotBuilt }
func (*RingMultiplexer) Close() error                  { return errNotBuilt }

var errNotBuilt = fmt.Errorf("giouring not enabled; build with -tags giouring")
