package transport

import (
	"context"
	"sync"

	"github.com/machinefabric/workerchan-go/wire"
)

// memoryBuffer is the per-direction queue depth of an in-memory pair.
const memoryBuffer = 64

type memoryStream struct {
	in  <-chan *wire.Message
	out chan<- *wire.Message

	// closed is shared by both ends: closing either side ends the pair.
	closed    chan struct{}
	closeOnce *sync.Once
}

// NewMemoryPair returns two connected in-process streams. Whatever one end
// sends, the other receives, in order.
func NewMemoryPair() (Stream, Stream) {
	ab := make(chan *wire.Message, memoryBuffer)
	ba := make(chan *wire.Message, memoryBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &memoryStream{in: ba, out: ab, closed: closed, closeOnce: once}
	b := &memoryStream{in: ab, out: ba, closed: closed, closeOnce: once}
	return a, b
}

func (s *memoryStream) Receive(ctx context.Context) (*wire.Message, error) {
	// Drain what was sent before the close.
	select {
	case msg := <-s.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.in:
		return msg, nil
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memoryStream) Send(ctx context.Context, msg *wire.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memoryStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
