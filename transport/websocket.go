package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/machinefabric/workerchan-go/wire"
)

// Subprotocol is negotiated on every websocket connection.
const Subprotocol = "workerchan.v1"

// Upgrader accepts worker connections on the host side.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketStream carries one message per binary websocket frame.
type WebSocketStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewWebSocketStream wraps an established websocket connection.
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn, closed: make(chan struct{})}
}

// Accept upgrades an HTTP request from a worker into a stream.
func Accept(w http.ResponseWriter, r *http.Request) (*WebSocketStream, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade to websocket: %w", err)
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close()
		return nil, fmt.Errorf("worker used unsupported websocket protocol %q, expected %q", conn.Subprotocol(), Subprotocol)
	}
	return NewWebSocketStream(conn), nil
}

// Receive reads the next frame. Cancelling ctx closes the stream, since a
// websocket read cannot be abandoned and resumed.
func (s *WebSocketStream) Receive(ctx context.Context) (*wire.Message, error) {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			select {
			case <-s.closed:
				return nil, ErrClosed
			default:
			}
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return wire.DecodeMessage(data)
	}
}

// Send writes msg as one binary frame, honoring the ctx deadline.
func (s *WebSocketStream) Send(ctx context.Context, msg *wire.Message) error {
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a close frame when possible and closes the connection.
func (s *WebSocketStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// DialOptions controls DialWebSocket retries.
type DialOptions struct {
	// MaxAttempts bounds the number of dials; zero or less retries until ctx ends.
	MaxAttempts      int
	MaxRetryInterval time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
}

// DialWebSocket connects to a worker endpoint, retrying with exponential
// backoff until it succeeds, the attempts run out or ctx ends.
func DialWebSocket(ctx context.Context, url string, opts DialOptions, log zerolog.Logger) (*WebSocketStream, error) {
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 45 * time.Second
	}
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}

	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: opts.MaxRetryInterval}
	for {
		conn, _, err := d.DialContext(ctx, url, opts.Header)
		if err == nil {
			return NewWebSocketStream(conn), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempt := int(b.Attempt()) + 1
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return nil, fmt.Errorf("dial %s failed after %d attempts: %w", url, attempt, err)
		}
		wait := b.Duration()
		log.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Str("url", url).Msg("websocket dial failed")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}
