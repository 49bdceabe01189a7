package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/machinefabric/workerchan-go/wire"
)

type received struct {
	msg *wire.Message
	err error
}

// IOStream carries length-prefixed messages over a byte stream, such as a
// worker's stdio pipes or a socket.
type IOStream struct {
	reader *wire.Reader
	writer *wire.Writer
	closer io.Closer

	startOnce sync.Once
	inbound   chan received

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewIOStream creates a stream reading from r and writing to w. closer,
// if non-nil, is closed by Close and should unblock reads on r.
func NewIOStream(r io.Reader, w io.Writer, closer io.Closer) *IOStream {
	return &IOStream{
		reader:  wire.NewReader(r),
		writer:  wire.NewWriter(w),
		closer:  closer,
		inbound: make(chan received),
		closed:  make(chan struct{}),
	}
}

// SetLimits applies message size limits in both directions.
func (s *IOStream) SetLimits(limits wire.Limits) {
	s.reader.SetLimits(limits)
	s.writer.SetLimits(limits)
}

// readLoop pumps decoded messages to Receive until the first read error.
// A malformed body is handed on but does not end the loop, since the
// framing is still intact.
func (s *IOStream) readLoop() {
	for {
		msg, err := s.reader.ReadMessage()
		if errors.Is(err, io.EOF) {
			err = ErrClosed
		}
		select {
		case s.inbound <- received{msg: msg, err: err}:
		case <-s.closed:
			return
		}
		var decodeErr *wire.DecodeError
		if err != nil && !errors.As(err, &decodeErr) {
			return
		}
	}
}

// Receive returns the next message. A clean end of stream is ErrClosed. A
// *wire.DecodeError is not terminal; Receive may be called again.
func (s *IOStream) Receive(ctx context.Context) (*wire.Message, error) {
	s.startOnce.Do(func() { go s.readLoop() })
	select {
	case r := <-s.inbound:
		if r.err != nil {
			select {
			case <-s.closed:
				return nil, ErrClosed
			default:
			}
		}
		return r.msg, r.err
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes msg. The underlying write is not interruptible; ctx is only
// checked before writing.
func (s *IOStream) Send(ctx context.Context, msg *wire.Message) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writer.WriteMessage(msg)
}

// Close closes the stream once.
func (s *IOStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
