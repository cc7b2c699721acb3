package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyApprovals is returned when the in-flight approval cap is
// reached.
var ErrTooManyApprovals = errors.New("gateway: too many approvals in flight")

// approvalRegistry is a single-producer/single-consumer wait table
// keyed by request id. Each entry is resolved exactly once: by a
// matching response, by timeout, or by shutdown.
type approvalRegistry struct {
	timeout time.Duration
	max     int

	mu      sync.Mutex
	pending map[string]chan bool
}

func newApprovalRegistry(timeout time.Duration, max int) *approvalRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if max <= 0 {
		max = 32
	}
	return &approvalRegistry{
		timeout: timeout,
		max:     max,
		pending: make(map[string]chan bool),
	}
}

// create registers a fresh waiter.
func (r *approvalRegistry) create(id string) (chan bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.max {
		return nil, ErrTooManyApprovals
	}
	ch := make(chan bool, 1)
	r.pending[id] = ch
	return ch, nil
}

// resolve delivers a decision to the waiter. Returns false when the
// id is unknown or already resolved.
func (r *approvalRegistry) resolve(id string, approved bool) bool {
	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}

// remove discards a waiter without resolving, used on cancellation so
// no dangling entry remains.
func (r *approvalRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// wait blocks until the waiter resolves, the timeout elapses, or the
// context is cancelled. Timeout and cancellation count as denial;
// answered reports whether a resolver delivered the decision.
func (r *approvalRegistry) wait(ctx context.Context, id string, ch chan bool, timeout time.Duration) (approved, answered bool) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case approved := <-ch:
		return approved, true
	case <-timer.C:
		r.remove(id)
		return false, false
	case <-ctx.Done():
		r.remove(id)
		return false, false
	}
}

// denyAll resolves every pending waiter as denied, used on shutdown.
func (r *approvalRegistry) denyAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan bool)
	r.mu.Unlock()
	for _, ch := range pending {
		ch <- false
	}
}

func (r *approvalRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
