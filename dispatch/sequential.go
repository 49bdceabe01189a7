package dispatch

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/machinefabric/workerchan-go/wire"
)

// Sequential is the private dispatcher of one invocation. Messages run one
// at a time in the order Dispatch saw them. Dispatch never blocks, so a
// slow invocation cannot stall the read loop.
type Sequential struct {
	handler Handler
	log     zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*wire.Message
	closed bool
	done   chan struct{}
}

// NewSequential starts a dispatcher that runs handler for each message.
func NewSequential(handler Handler, log zerolog.Logger) *Sequential {
	s := &Sequential{
		handler: handler,
		log:     log,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *Sequential) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		run(s.log, s.handler, msg)
	}
}

// Dispatch queues msg. Messages arriving after Close are dropped.
func (s *Sequential) Dispatch(msg *wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.log.Debug().
			Stringer("kind", msg.Kind).
			Str("invocation_id", msg.InvocationID()).
			Msg("dispatcher closed, dropping message")
		return
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
}

// Close stops admission. Queued messages still run; Close does not wait for
// them, so it is safe to call from the handler itself.
func (s *Sequential) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Signal()
}

// Done is closed once the dispatcher has been closed and its queue drained.
func (s *Sequential) Done() <-chan struct{} {
	return s.done
}
