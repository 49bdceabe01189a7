// Package transport provides the duplex message streams a channel talks to
// its worker over, and the registry that hands a worker's stream to its
// channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/machinefabric/workerchan-go/wire"
)

// ErrClosed is returned by streams after Close, and by Receive once the
// peer has gone away cleanly.
var ErrClosed = errors.New("transport: stream closed")

// Stream is one duplex message stream to a worker.
type Stream interface {
	// Receive blocks until the next inbound message, ctx ends or the
	// stream closes. A *wire.DecodeError drops one message and leaves the
	// stream usable.
	Receive(ctx context.Context) (*wire.Message, error)
	// Send writes one message.
	Send(ctx context.Context, msg *wire.Message) error
	// Close releases the stream and unblocks pending Receive calls.
	Close() error
}

// Registry maps worker ids to their streams. The process launcher
// registers a stream and the channel for that worker looks it up once.
type Registry struct {
	mu      sync.Mutex
	streams map[string]Stream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]Stream)}
}

// Register associates a stream with workerID. A worker id can hold only
// one stream at a time.
func (r *Registry) Register(workerID string, s Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[workerID]; exists {
		return fmt.Errorf("stream for worker %s already registered", workerID)
	}
	r.streams[workerID] = s
	return nil
}

// Lookup returns the stream for workerID.
func (r *Registry) Lookup(workerID string) (Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[workerID]
	return s, ok
}

// Remove unregisters and closes the stream for workerID. It reports false
// when nothing was registered.
func (r *Registry) Remove(workerID string) (bool, error) {
	r.mu.Lock()
	s, ok := r.streams[workerID]
	delete(r.streams, workerID)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, s.Close()
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
