// Package dispatch routes inbound messages either to the private sequential
// dispatcher of an in-flight invocation or to a generic processor.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/machinefabric/workerchan-go/wire"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch: processor closed")

// Handler processes one inbound message. A returned error is logged and
// the message dropped.
type Handler func(msg *wire.Message) error

// Processor runs generic (non-invocation) inbound traffic.
type Processor interface {
	// Submit hands msg to the processor, blocking while it is saturated.
	Submit(msg *wire.Message) error
	// Close stops admission and waits for running handlers to return.
	Close()
}

// run invokes h inside a recover boundary; nothing a handler does can take
// down the loop that called it.
func run(log zerolog.Logger, h Handler, msg *wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Stringer("kind", msg.Kind).
				Str("invocation_id", msg.InvocationID()).
				Msg("message handler panicked")
		}
	}()
	if err := h(msg); err != nil {
		log.Warn().
			Err(err).
			Stringer("kind", msg.Kind).
			Str("invocation_id", msg.InvocationID()).
			Msg("dropping message")
	}
}

// Ordered runs every submitted message on one goroutine, in submission order.
type Ordered struct {
	handler Handler
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *wire.Message
	done   chan struct{}
}

// NewOrdered starts a serial processor with a FIFO of the given capacity.
func NewOrdered(handler Handler, capacity int, log zerolog.Logger) *Ordered {
	if capacity <= 0 {
		capacity = 1
	}
	o := &Ordered{
		handler: handler,
		log:     log,
		queue:   make(chan *wire.Message, capacity),
		done:    make(chan struct{}),
	}
	go o.loop()
	return o
}

func (o *Ordered) loop() {
	defer close(o.done)
	for msg := range o.queue {
		run(o.log, o.handler, msg)
	}
}

// Submit enqueues msg, blocking while the FIFO is full.
func (o *Ordered) Submit(msg *wire.Message) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	o.queue <- msg
	return nil
}

// Close stops admission, lets the queued messages run and waits for them.
func (o *Ordered) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	<-o.done
}

// Unordered runs each submitted message on its own goroutine, with at most
// size handlers in flight.
type Unordered struct {
	handler Handler
	log     zerolog.Logger
	sem     *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUnordered creates a pool processor bounded to size concurrent handlers.
func NewUnordered(handler Handler, size int, log zerolog.Logger) *Unordered {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Unordered{
		handler: handler,
		log:     log,
		sem:     semaphore.NewWeighted(int64(size)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit waits for a free slot and starts the handler for msg.
func (u *Unordered) Submit(msg *wire.Message) error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed || u.ctx.Err() != nil {
		return ErrClosed
	}
	if err := u.sem.Acquire(u.ctx, 1); err != nil {
		return ErrClosed
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer u.sem.Release(1)
		run(u.log, u.handler, msg)
	}()
	return nil
}

// Close stops admission and waits for running handlers.
func (u *Unordered) Close() {
	u.cancel()
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	u.wg.Wait()
}
