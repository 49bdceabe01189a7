package transport

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/workerchan-go/wire"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TEST501: the registry holds one stream per worker and closes it on removal
func Test501_registry(t *testing.T) {
	reg := NewRegistry()
	a, b := NewMemoryPair()
	defer b.Close()

	require.NoError(t, reg.Register("w1", a))
	assert.Error(t, reg.Register("w1", b))

	got, ok := reg.Lookup("w1")
	require.True(t, ok)
	assert.Same(t, a, got)

	removed, err := reg.Remove("w1")
	assert.True(t, removed)
	assert.NoError(t, err)
	_, ok = reg.Lookup("w1")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())

	removed, _ = reg.Remove("w1")
	assert.False(t, removed)

	_, err = a.Receive(testContext(t))
	assert.ErrorIs(t, err, ErrClosed)
}

// TEST502: IOStream exchanges messages over a duplex pipe
func Test502_io_stream_pipe(t *testing.T) {
	hostConn, workerConn := net.Pipe()
	host := NewIOStream(hostConn, hostConn, hostConn)
	worker := NewIOStream(workerConn, workerConn, workerConn)
	defer host.Close()
	ctx := testContext(t)

	go func() {
		_ = worker.Send(ctx, wire.NewStartStream("w1"))
		_ = worker.Send(ctx, wire.NewSystemLog(wire.LogLevelInformation, "ready"))
	}()

	msg, err := host.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "w1", msg.StartStream.WorkerID)

	msg, err = host.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", msg.Log.Message)

	go func() { _ = host.Send(ctx, wire.NewWarmupRequest("/w")) }()
	msg, err = worker.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/w", msg.WarmupRequest.WorkerDirectory)

	worker.Close()
	_, err = host.Receive(ctx)
	assert.Error(t, err)
}

// TEST503: Receive on an IOStream honors ctx and Close
func Test503_io_stream_receive_unblocks(t *testing.T) {
	hostConn, workerConn := net.Pipe()
	defer workerConn.Close()
	host := NewIOStream(hostConn, hostConn, hostConn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := host.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		host.Close()
	}()
	_, err = host.Receive(testContext(t))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, host.Send(testContext(t), wire.NewWarmupRequest("")), ErrClosed)
}

// TEST504: memory pair delivers in order and closing one end ends both
func Test504_memory_pair(t *testing.T) {
	a, b := NewMemoryPair()
	ctx := testContext(t)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(ctx, wire.NewSystemLog(wire.LogLevelDebug, text)))
	}
	for _, text := range []string{"one", "two", "three"} {
		msg, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, text, msg.Log.Message)
	}

	require.NoError(t, b.Send(ctx, wire.NewStartStream("w")))
	require.NoError(t, b.Close())
	msg, err := a.Receive(ctx)
	require.NoError(t, err, "messages sent before close are still delivered")
	assert.Equal(t, wire.KindStartStream, msg.Kind)

	_, err = a.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Send(ctx, wire.NewStartStream("w")), ErrClosed)

	bad := &wire.Message{Kind: wire.KindLog}
	assert.Error(t, a.Send(ctx, bad))
}

// TEST505: websocket streams carry messages between Accept and DialWebSocket
func Test505_websocket_roundtrip(t *testing.T) {
	accepted := make(chan *WebSocketStream, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Accept(w, r)
		if err != nil {
			return
		}
		accepted <- s
	}))
	defer srv.Close()

	ctx := testContext(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(ctx, url, DialOptions{MaxAttempts: 3}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	require.NoError(t, client.Send(ctx, wire.NewStartStream("ws-worker")))
	msg, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws-worker", msg.StartStream.WorkerID)

	require.NoError(t, server.Send(ctx, wire.NewInitRequest(wire.InitRequest{HostVersion: "1.0"})))
	msg, err = client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0", msg.InitRequest.HostVersion)

	require.NoError(t, client.Close())
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

// TEST506: DialWebSocket gives up after MaxAttempts
func Test506_dial_gives_up(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	start := time.Now()
	_, err := DialWebSocket(testContext(t), url, DialOptions{MaxAttempts: 2, MaxRetryInterval: 20 * time.Millisecond}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Less(t, time.Since(start), 2*time.Second)
}

// TEST507: a malformed body is reported once and the IOStream keeps reading
func Test507_io_stream_survives_malformed_body(t *testing.T) {
	hostConn, workerConn := net.Pipe()
	defer workerConn.Close()
	host := NewIOStream(hostConn, hostConn, hostConn)
	defer host.Close()
	ctx := testContext(t)

	go func() {
		garbage := []byte{0xff, 0xff, 0xff}
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(garbage)))
		_, _ = workerConn.Write(append(prefix[:], garbage...))
		_ = wire.NewWriter(workerConn).WriteMessage(wire.NewStartStream("w1"))
	}()

	_, err := host.Receive(ctx)
	var decodeErr *wire.DecodeError
	require.ErrorAs(t, err, &decodeErr)

	msg, err := host.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "w1", msg.StartStream.WorkerID)
}
