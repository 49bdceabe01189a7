package process

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/workerchan-go/transport"
	"github.com/machinefabric/workerchan-go/wire"
)

func lookPath(t *testing.T, name string) string {
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

// TEST601: a cat worker echoes frames back over the registered stdio stream
func Test601_stdio_stream_echo(t *testing.T) {
	reg := transport.NewRegistry()
	w, err := New("echo-1", Spec{Path: lookPath(t, "cat")}, reg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, w.ID())

	stream, ok := reg.Lookup("echo-1")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.NotZero(t, w.ID())
	assert.Error(t, w.Start(ctx), "second start")

	require.NoError(t, stream.Send(ctx, wire.NewStartStream("echo-1")))
	msg, err := stream.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo-1", msg.StartStream.WorkerID)

	require.NoError(t, w.Kill(time.Second))
	assert.True(t, w.WaitForExit(time.Second))
	_, ok = reg.Lookup("echo-1")
	assert.False(t, ok)
}

// TEST602: Kill escalates to SIGKILL when the process ignores SIGTERM
func Test602_kill_escalates(t *testing.T) {
	sh := lookPath(t, "sh")
	reg := transport.NewRegistry()
	w, err := New("stubborn", Spec{Path: sh, Args: []string{"-c", "trap '' TERM; exec sleep 30"}}, reg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	assert.False(t, w.WaitForExit(20*time.Millisecond))

	start := time.Now()
	require.NoError(t, w.Kill(100*time.Millisecond))
	assert.Less(t, time.Since(start), 5*time.Second)
	select {
	case <-w.Exited():
	default:
		t.Fatal("process still running after Kill")
	}
}

// TEST603: a worker id can only be registered once
func Test603_duplicate_worker_id(t *testing.T) {
	cat := lookPath(t, "cat")
	reg := transport.NewRegistry()
	_, err := New("dup", Spec{Path: cat}, reg, zerolog.Nop())
	require.NoError(t, err)
	_, err = New("dup", Spec{Path: cat}, reg, zerolog.Nop())
	assert.Error(t, err)

	_, err = New("nopath", Spec{}, reg, zerolog.Nop())
	assert.Error(t, err)
}

func TestKillBeforeStartOnlyUnregisters(t *testing.T) {
	reg := transport.NewRegistry()
	w, err := New("idle", Spec{Path: lookPath(t, "cat")}, reg, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, w.WaitForExit(time.Millisecond))
	require.NoError(t, w.Kill(time.Millisecond))
	assert.Equal(t, 0, reg.Len())
}
