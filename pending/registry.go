// Package pending correlates outbound requests with the next inbound
// message of a given kind, for message kinds that carry no request id.
package pending

import (
	"fmt"
	"sync"
	"time"

	"github.com/machinefabric/workerchan-go/wire"
)

// TimeoutError is the fault delivered when a callback's deadline passes
// before a matching message arrives.
type TimeoutError struct {
	Kind    wire.Kind
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.Kind)
}

// Outcome is what a callback resolves to: the matching message, or a fault.
type Outcome struct {
	Message *wire.Message
	Err     error
}

// Callback is a single-use continuation waiting for the next message of Kind.
type Callback struct {
	Kind wire.Kind

	future *Future[*wire.Message]
	fn     func(Outcome)

	mu    sync.Mutex
	timer *time.Timer
}

// Resolve completes the callback exactly once and stops its timer. The
// continuation runs on the resolving goroutine. It reports false when the
// callback was already complete.
func (c *Callback) Resolve(o Outcome) bool {
	if !c.future.Resolve(o.Message, o.Err) {
		return false
	}
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	if c.fn != nil {
		c.fn(o)
	}
	return true
}

// Completed reports whether the callback has been resolved.
func (c *Callback) Completed() bool {
	return c.future.Resolved()
}

// Future exposes the callback's result.
func (c *Callback) Future() *Future[*wire.Message] {
	return c.future
}

func (c *Callback) armTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = time.AfterFunc(timeout, func() {
		c.Resolve(Outcome{Err: &TimeoutError{Kind: c.Kind, Timeout: timeout}})
	})
}

type queue struct {
	mu    sync.Mutex
	items []*Callback
}

// Registry holds one FIFO of callbacks per message kind.
type Registry struct {
	mu     sync.Mutex
	queues map[wire.Kind]*queue
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[wire.Kind]*queue)}
}

func (r *Registry) queueFor(kind wire.Kind, create bool) *queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[kind]
	if !ok && create {
		q = &queue{}
		r.queues[kind] = q
	}
	return q
}

// Register enqueues count single-use callbacks for kind. Only the last one
// carries the timeout (zero means none), so a batch can expect exactly
// count responses while bounding only the final one. fn is invoked once
// per callback with its outcome.
func (r *Registry) Register(kind wire.Kind, timeout time.Duration, count int, fn func(Outcome)) []*Callback {
	if count <= 0 {
		return nil
	}
	q := r.queueFor(kind, true)

	callbacks := make([]*Callback, count)
	for i := range callbacks {
		callbacks[i] = &Callback{Kind: kind, future: NewFuture[*wire.Message](), fn: fn}
	}

	q.mu.Lock()
	// Drop the leading run of dead entries so a stalled peer cannot grow the queue forever.
	for len(q.items) > 0 && q.items[0].Completed() {
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, callbacks...)
	q.mu.Unlock()

	if timeout > 0 {
		callbacks[count-1].armTimeout(timeout)
	}
	return callbacks
}

// DispatchNext resolves the oldest live callback for kind with msg.
// Entries already resolved by a timeout are discarded on the way. It
// reports false when no live callback was waiting.
func (r *Registry) DispatchNext(kind wire.Kind, msg *wire.Message) bool {
	q := r.queueFor(kind, false)
	if q == nil {
		return false
	}
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return false
		}
		next := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		// A timer may win between the pop and here; that entry is spent, try the next.
		if next.Resolve(Outcome{Message: msg}) {
			return true
		}
	}
}

// Len returns the number of queued entries for kind, including spent
// entries that have not been purged yet.
func (r *Registry) Len(kind wire.Kind) int {
	q := r.queueFor(kind, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Outstanding returns the number of live entries for kind.
func (r *Registry) Outstanding(kind wire.Kind) int {
	q := r.queueFor(kind, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.items {
		if !c.Completed() {
			n++
		}
	}
	return n
}

// Reset faults every live callback with err and empties all queues.
func (r *Registry) Reset(err error) int {
	r.mu.Lock()
	queues := r.queues
	r.queues = make(map[wire.Kind]*queue)
	r.mu.Unlock()

	faulted := 0
	for _, q := range queues {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()
		for _, c := range items {
			if c.Resolve(Outcome{Err: err}) {
				faulted++
			}
		}
	}
	return faulted
}
