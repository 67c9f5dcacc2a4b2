package rdma

import (
	"sync"
	"time"
)

// CompletionQueue collects work completions from the queue pairs bound to
// it. PollOne never blocks; Wait blocks until a completion or the timeout.
type CompletionQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []Completion
	depth   int
	overrun bool
	closed  bool
}

// NewCompletionQueue creates a CQ with the given depth.
func NewCompletionQueue(depth int) *CompletionQueue {
	cq := &CompletionQueue{depth: depth}
	cq.cond = sync.NewCond(&cq.mu)
	return cq
}

// push appends a completion. Exceeding the depth marks the CQ overrun; the
// caller's session is broken at that point, matching CQ overflow on real
// hardware.
func (cq *CompletionQueue) push(c Completion) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.closed {
		return
	}
	if len(cq.entries) >= cq.depth {
		cq.overrun = true
		return
	}
	cq.entries = append(cq.entries, c)
	cq.cond.Signal()
}

// PollOne dequeues the oldest completion without blocking. The second
// return is false when the queue is empty.
func (cq *CompletionQueue) PollOne() (Completion, bool, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.overrun {
		return Completion{}, false, ErrCQOverrun
	}
	if len(cq.entries) == 0 {
		return Completion{}, false, nil
	}
	c := cq.entries[0]
	cq.entries = cq.entries[1:]
	return c, true, nil
}

// Wait blocks until a completion arrives or timeout elapses. A zero
// timeout waits indefinitely.
func (cq *CompletionQueue) Wait(timeout time.Duration) (Completion, error) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			cq.cond.Broadcast()
		})
		defer timer.Stop()
	}
	deadline := time.Now().Add(timeout)

	cq.mu.Lock()
	defer cq.mu.Unlock()
	for {
		if cq.overrun {
			return Completion{}, ErrCQOverrun
		}
		if cq.closed {
			return Completion{}, ErrCQEmpty
		}
		if len(cq.entries) > 0 {
			c := cq.entries[0]
			cq.entries = cq.entries[1:]
			return c, nil
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return Completion{}, ErrCQEmpty
		}
		cq.cond.Wait()
	}
}

// Close wakes waiters and drops queued completions.
func (cq *CompletionQueue) Close() {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	cq.closed = true
	cq.entries = nil
	cq.cond.Broadcast()
}
