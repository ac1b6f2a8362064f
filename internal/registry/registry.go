// Package registry implements the client/context admission layer: opening
// and closing per-client, per-CU contexts, the shared/exclusive/virtual
// access-mode rules, and the bitstream lock lifecycle those contexts gate,
// grounded on xocl_kds.c's xocl_add_context/xocl_del_context.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/kds-sched/kds/internal/constants"
)

// AccessMode mirrors the XOCL_CTX_* flags: a context either shares a CU
// with other clients, reserves it exclusively, or (VirtualCU) only holds
// the bitstream lock without reserving a real CU.
type AccessMode int

const (
	ModeShared AccessMode = iota
	ModeExclusive
)

// BitstreamLocker is the external collaborator that owns the actual
// bitstream-programming lock (icap in XRT terms). Registry only manages
// its acquire/release lifecycle relative to client context counts.
type BitstreamLocker interface {
	LockBitstream(xclbinID string) error
	UnlockBitstream(xclbinID string) error
}

// ContextInfo records one client's hold on a CU (or, for the virtual CU
// index, a bitstream-only hold).
type ContextInfo struct {
	CUIndex int
	Mode    AccessMode
}

// Client is one open file-descriptor-equivalent handle: a pid, its set of
// open contexts, the xclbin it is bound to, and its poll/event-counter
// wait primitive.
type Client struct {
	PID      int
	XclbinID string

	mu       sync.Mutex
	contexts map[int]ContextInfo

	eventCount atomic.Uint32
	cond       *sync.Cond
	condMu     sync.Mutex
}

func newClient(pid int, xclbinID string) *Client {
	c := &Client{PID: pid, XclbinID: xclbinID, contexts: make(map[int]ContextInfo)}
	c.cond = sync.NewCond(&c.condMu)
	return c
}

// NotifyReadable implements command.ClientHandle: it bumps the event
// counter xocl_poll_client decrements and wakes anyone blocked in Poll.
func (c *Client) NotifyReadable() {
	c.eventCount.Add(1)
	c.condMu.Lock()
	c.cond.Broadcast()
	c.condMu.Unlock()
}

// Poll blocks until at least one event is pending, then atomically
// consumes one and returns true, mirroring xocl_poll_client's
// atomic_dec_if_positive. It returns false if done is closed first.
func (c *Client) Poll(done <-chan struct{}) bool {
	for {
		if c.tryConsumeEvent() {
			return true
		}
		woke := make(chan struct{})
		go func() {
			c.condMu.Lock()
			// Re-check under the same lock NotifyReadable broadcasts
			// under, closing the lost-wakeup window between our check
			// above and this Wait.
			if c.eventCount.Load() == 0 {
				c.cond.Wait()
			}
			c.condMu.Unlock()
			close(woke)
		}()
		select {
		case <-done:
			return false
		case <-woke:
		}
	}
}

func (c *Client) tryConsumeEvent() bool {
	for {
		cur := c.eventCount.Load()
		if cur == 0 {
			return false
		}
		if c.eventCount.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// ContextCount returns the number of open contexts this client holds.
func (c *Client) ContextCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.contexts)
}

// HasContext reports whether this client holds a context on cuIndex.
func (c *Client) HasContext(cuIndex int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.contexts[cuIndex]
	return ok
}

// ContextCUs returns the CU indices this client currently holds a
// non-virtual context on, for fan-out operations like a configure
// broadcast or an abort-every-CU teardown that must reach every CU a
// client is bound to.
func (c *Client) ContextCUs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.contexts))
	for idx := range c.contexts {
		if idx == constants.VirtualCU {
			continue
		}
		out = append(out, idx)
	}
	return out
}

// Registry tracks every open Client and the CU context map each holds,
// serializing admission decisions per-client the way xocl_add_context
// serializes under the device's context lock.
type Registry struct {
	locker BitstreamLocker

	mu      sync.Mutex
	clients map[int]*Client
	// cuHolders counts, per CU index, how many clients hold a context and
	// in which mode, to detect exclusive conflicts across clients.
	cuHolders map[int]exclusivity
}

type exclusivity struct {
	sharedCount    int
	exclusiveCount int
}

// New creates an empty registry bound to a bitstream locker.
func New(locker BitstreamLocker) *Registry {
	return &Registry{
		locker:    locker,
		clients:   make(map[int]*Client),
		cuHolders: make(map[int]exclusivity),
	}
}

// CreateClient registers a new client handle, mirroring
// xocl_create_client/kds_init_client.
func (r *Registry) CreateClient(pid int, xclbinID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := newClient(pid, xclbinID)
	r.clients[pid] = c
	return c
}

// DestroyClient closes every context the client still holds (releasing
// the bitstream lock if it was the last holder) and removes it from the
// registry, mirroring xocl_destroy_client.
func (r *Registry) DestroyClient(c *Client) {
	c.mu.Lock()
	indices := make([]int, 0, len(c.contexts))
	for idx := range c.contexts {
		indices = append(indices, idx)
	}
	c.mu.Unlock()

	for _, idx := range indices {
		_ = r.CloseContext(c, idx)
	}

	r.mu.Lock()
	delete(r.clients, c.PID)
	r.mu.Unlock()
}

// OpenContext grants client a context on cuIndex (or constants.VirtualCU
// to hold only the bitstream lock) in the given mode. It returns
// ErrBusy if xclbinID does not match the client's bound xclbin, or if an
// exclusive/shared conflict exists on that CU, mirroring
// xocl_ctx_to_info + xocl_add_context's conflict checks.
func (r *Registry) OpenContext(client *Client, xclbinID string, cuIndex int, mode AccessMode) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if len(client.contexts) > 0 && client.XclbinID != xclbinID {
		return ErrBusy
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cuIndex != constants.VirtualCU {
		h := r.cuHolders[cuIndex]
		switch mode {
		case ModeExclusive:
			if h.sharedCount > 0 || h.exclusiveCount > 0 {
				return ErrBusy
			}
		case ModeShared:
			if h.exclusiveCount > 0 {
				return ErrBusy
			}
		}
	}

	firstContext := len(client.contexts) == 0
	if firstContext {
		if err := r.locker.LockBitstream(xclbinID); err != nil {
			return err
		}
		client.XclbinID = xclbinID
	}

	client.contexts[cuIndex] = ContextInfo{CUIndex: cuIndex, Mode: mode}
	if cuIndex != constants.VirtualCU {
		h := r.cuHolders[cuIndex]
		if mode == ModeExclusive {
			h.exclusiveCount++
		} else {
			h.sharedCount++
		}
		r.cuHolders[cuIndex] = h
	}
	return nil
}

// CloseContext releases client's hold on cuIndex, unlocking the bitstream
// once the client's context map empties, mirroring xocl_del_context.
func (r *Registry) CloseContext(client *Client, cuIndex int) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	info, ok := client.contexts[cuIndex]
	if !ok {
		return ErrNoEnt
	}

	r.mu.Lock()
	if cuIndex != constants.VirtualCU {
		h := r.cuHolders[cuIndex]
		if info.Mode == ModeExclusive {
			h.exclusiveCount--
		} else {
			h.sharedCount--
		}
		r.cuHolders[cuIndex] = h
	}
	r.mu.Unlock()

	delete(client.contexts, cuIndex)

	if len(client.contexts) == 0 {
		return r.locker.UnlockBitstream(client.XclbinID)
	}
	return nil
}

// LiveClients returns the pids of all currently registered clients,
// mirroring kds_live_clients's diagnostic enumeration.
func (r *Registry) LiveClients() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.clients))
	for pid := range r.clients {
		out = append(out, pid)
	}
	return out
}

// registryError is a tiny sentinel error type; the full kds.Error wrapping
// with op/client/code context happens in the root kds package's Scheduler
// methods, which are the boundary exposed to external callers.
type registryError string

func (e registryError) Error() string { return string(e) }

const (
	ErrBusy  registryError = "registry: busy"
	ErrNoEnt registryError = "registry: no such context"
)
