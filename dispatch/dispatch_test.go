package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/workerchan-go/invocation"
	"github.com/machinefabric/workerchan-go/wire"
)

type collector struct {
	mu   sync.Mutex
	seen []string
}

func (c *collector) handle(msg *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, describe(msg))
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

func describe(msg *wire.Message) string {
	switch msg.Kind {
	case wire.KindLog:
		return msg.Log.Message
	case wire.KindInvocationResponse:
		return "resp"
	default:
		return msg.Kind.String()
	}
}

func userLog(inv, text string) *wire.Message {
	return wire.NewUserLog(inv, wire.LogLevelInformation, text)
}

func response(inv string) *wire.Message {
	return wire.NewInvocationResponse(wire.InvocationResponse{InvocationID: inv, Result: wire.Success()})
}

// TEST401: the ordered processor preserves arrival order across mixed kinds
func Test401_ordered_preserves_order(t *testing.T) {
	c := &collector{}
	p := NewOrdered(c.handle, 4, zerolog.Nop())

	var want []string
	for i := 0; i < 50; i++ {
		var msg *wire.Message
		switch i % 3 {
		case 0:
			msg = wire.NewSystemLog(wire.LogLevelInformation, fmt.Sprintf("sys-%d", i))
		case 1:
			msg = wire.NewFunctionLoadResponse(wire.FunctionLoadResponse{FunctionID: "f"})
		default:
			msg = wire.NewWarmupResponse(wire.Success())
		}
		want = append(want, describe(msg))
		require.NoError(t, p.Submit(msg))
	}
	p.Close()

	assert.Equal(t, want, c.snapshot())
	assert.ErrorIs(t, p.Submit(wire.NewWarmupResponse(nil)), ErrClosed)
}

// TEST402: the unordered processor runs every message and bounds concurrency
func Test402_unordered_bounded(t *testing.T) {
	var running, peak, total atomic.Int32
	handler := func(*wire.Message) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		total.Add(1)
		return nil
	}
	p := NewUnordered(handler, 3, zerolog.Nop())
	for i := 0; i < 30; i++ {
		require.NoError(t, p.Submit(wire.NewSystemLog(wire.LogLevelDebug, "x")))
	}
	p.Close()

	assert.Equal(t, int32(30), total.Load())
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.ErrorIs(t, p.Submit(wire.NewSystemLog(wire.LogLevelDebug, "x")), ErrClosed)
}

// TEST403: a panicking or failing handler does not stop the loop
func Test403_handler_faults_are_contained(t *testing.T) {
	c := &collector{}
	handler := func(msg *wire.Message) error {
		switch msg.Log.Message {
		case "panic":
			panic("bad message")
		case "error":
			return errors.New("malformed")
		}
		return c.handle(msg)
	}

	for name, p := range map[string]Processor{
		"ordered":   NewOrdered(handler, 8, zerolog.Nop()),
		"unordered": NewUnordered(handler, 1, zerolog.Nop()),
	} {
		c.mu.Lock()
		c.seen = nil
		c.mu.Unlock()
		for _, text := range []string{"a", "panic", "error", "b"} {
			require.NoError(t, p.Submit(wire.NewSystemLog(wire.LogLevelError, text)), name)
		}
		p.Close()
		assert.ElementsMatch(t, []string{"a", "b"}, c.snapshot(), name)
	}
}

// TEST404: a sequential dispatcher runs queued work after Close and drops later work
func Test404_sequential_close_drains(t *testing.T) {
	c := &collector{}
	release := make(chan struct{})
	handler := func(msg *wire.Message) error {
		if msg.Log.Message == "first" {
			<-release
		}
		return c.handle(msg)
	}
	s := NewSequential(handler, zerolog.Nop())
	s.Dispatch(userLog("i", "first"))
	s.Dispatch(userLog("i", "second"))
	s.Close()
	s.Dispatch(userLog("i", "after-close"))
	close(release)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not finish")
	}
	assert.Equal(t, []string{"first", "second"}, c.snapshot())
}

// TEST405: two interleaved invocations each see their own messages in order
func Test405_two_invocations_ordering(t *testing.T) {
	table := invocation.NewTable()
	generic := &collector{}
	router := NewRouter(table, NewOrdered(generic.handle, 8, zerolog.Nop()), zerolog.Nop())

	perInvocation := map[string]*collector{"A": {}, "B": {}}
	dispatchers := map[string]*Sequential{}
	for id, c := range perInvocation {
		c := c
		d := NewSequential(func(msg *wire.Message) error {
			// Slow handling widens the window for misordering.
			time.Sleep(time.Millisecond)
			return c.handle(msg)
		}, zerolog.Nop())
		dispatchers[id] = d
		_, ok := table.Begin(invocation.NewContext(context.Background(), id, "fn", zerolog.Nop()), d)
		require.True(t, ok)
	}

	arrivals := []*wire.Message{
		userLog("A", "log1"), userLog("B", "log1"), userLog("A", "log2"),
		userLog("A", "log3"), response("B"), response("A"),
	}
	for _, msg := range arrivals {
		assert.Equal(t, TargetInvocation, router.Route(msg))
	}
	for _, d := range dispatchers {
		d.Close()
		<-d.Done()
	}

	assert.Equal(t, []string{"log1", "log2", "log3", "resp"}, perInvocation["A"].snapshot())
	assert.Equal(t, []string{"log1", "resp"}, perInvocation["B"].snapshot())
	assert.Empty(t, generic.snapshot())
}

// TEST406: traffic without an active invocation goes to the generic processor
func Test406_generic_fallbacks(t *testing.T) {
	table := invocation.NewTable()
	generic := &collector{}
	p := NewOrdered(generic.handle, 8, zerolog.Nop())
	router := NewRouter(table, p, zerolog.Nop())

	active := &collector{}
	_, ok := table.Begin(invocation.NewContext(context.Background(), "live", "fn", zerolog.Nop()),
		NewSequential(active.handle, zerolog.Nop()))
	require.True(t, ok)

	sysLog := wire.NewLog(wire.Log{InvocationID: "live", Category: wire.LogCategorySystem, Message: "sys"})
	assert.Equal(t, TargetGeneric, router.Route(sysLog), "system logs never go to an invocation")
	assert.Equal(t, TargetGeneric, router.Route(userLog("gone", "orphan")))
	assert.Equal(t, TargetGeneric, router.Route(response("gone")))
	assert.Equal(t, TargetGeneric, router.Route(wire.NewStartStream("w")))

	metric := wire.NewLog(wire.Log{InvocationID: "live", Category: wire.LogCategoryCustomMetric, Message: "metric"})
	assert.Equal(t, TargetInvocation, router.Route(metric))

	p.Close()
	assert.Equal(t, []string{"sys", "orphan", "resp", "START_STREAM"}, generic.snapshot())
}

// TEST407: a stopped router drops everything
func Test407_stopped_router_drops(t *testing.T) {
	generic := &collector{}
	p := NewOrdered(generic.handle, 1, zerolog.Nop())
	router := NewRouter(invocation.NewTable(), p, zerolog.Nop())
	router.Stop()
	assert.Equal(t, TargetDropped, router.Route(wire.NewStartStream("w")))
	p.Close()
	assert.Empty(t, generic.snapshot())
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "invocation", TargetInvocation.String())
	assert.Equal(t, "generic", TargetGeneric.String())
	assert.Equal(t, "dropped", TargetDropped.String())
}
