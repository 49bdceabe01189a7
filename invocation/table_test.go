package invocation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/workerchan-go/wire"
)

type fakeDispatcher struct {
	closed atomic.Int32
}

func (d *fakeDispatcher) Dispatch(*wire.Message) {}
func (d *fakeDispatcher) Close()                 { d.closed.Add(1) }

func newContext(id string) *Context {
	return NewContext(context.Background(), id, "fn", zerolog.Nop())
}

// TEST301: Begin refuses a duplicate id and keeps the original entry
func Test301_begin_duplicate_is_noop(t *testing.T) {
	table := NewTable()
	first := newContext("inv-1")
	e, ok := table.Begin(first, &fakeDispatcher{})
	require.True(t, ok)
	assert.Equal(t, "inv-1", e.ID)

	_, ok = table.Begin(newContext("inv-1"), &fakeDispatcher{})
	assert.False(t, ok)

	got, ok := table.Lookup("inv-1")
	require.True(t, ok)
	assert.Same(t, first, got.Context)
	assert.Equal(t, 1, table.Len())
}

// TEST302: Complete removes once, closes the dispatcher and runs releases
func Test302_complete_once(t *testing.T) {
	table := NewTable()
	d := &fakeDispatcher{}
	ctx := newContext("inv-1")
	released := 0
	ctx.OnRelease(func() bool { released++; return true })
	table.Begin(ctx, d)

	_, ok := table.Complete("inv-1")
	assert.True(t, ok)
	_, ok = table.Complete("inv-1")
	assert.False(t, ok)

	assert.Equal(t, int32(1), d.closed.Load())
	assert.Equal(t, 1, released)
	_, ok = table.Lookup("inv-1")
	assert.False(t, ok)
}

// TEST303: FailAll fails every entry with the shared error and is idempotent
func Test303_fail_all(t *testing.T) {
	table := NewTable()
	var ctxs []*Context
	for _, id := range []string{"a", "b", "c"} {
		c := newContext(id)
		ctxs = append(ctxs, c)
		table.Begin(c, &fakeDispatcher{})
	}

	death := errors.New("worker exited")
	assert.Equal(t, 3, table.FailAll(death))
	assert.Equal(t, 0, table.FailAll(death))
	assert.Equal(t, 0, table.Len())

	for _, c := range ctxs {
		_, err := c.Result.Wait(context.Background())
		assert.ErrorIs(t, err, death)
	}
}

// TEST304: FailAll racing Complete yields exactly one terminal resolution
func Test304_fail_all_races_complete(t *testing.T) {
	for round := 0; round < 200; round++ {
		table := NewTable()
		ctx := newContext("inv")
		table.Begin(ctx, &fakeDispatcher{})

		var resolutions atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, ok := table.Complete("inv"); ok {
				if ctx.Result.Succeed(&Result{}) {
					resolutions.Add(1)
				}
			}
		}()
		go func() {
			defer wg.Done()
			resolutions.Add(int32(table.FailAll(errors.New("dead"))))
		}()
		wg.Wait()

		require.Equal(t, int32(1), resolutions.Load(), "round %d", round)
		assert.True(t, ctx.Result.Resolved())
	}
}

// TEST305: DrainAll waits for tracked results and ignores later arrivals
func Test305_drain_all(t *testing.T) {
	table := NewTable()
	a := newContext("a")
	b := newContext("b")
	table.Begin(a, &fakeDispatcher{})
	table.Begin(b, &fakeDispatcher{})

	done := make(chan error, 1)
	go func() { done <- table.DrainAll(context.Background()) }()

	a.Result.Succeed(&Result{})
	select {
	case <-done:
		t.Fatal("drain returned with b still running")
	case <-time.After(20 * time.Millisecond):
	}

	table.Begin(newContext("late"), &fakeDispatcher{})
	b.Result.Fail(errors.New("worker failure"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}
}

// TEST306: DrainAll gives up when its context ends
func Test306_drain_all_honors_context(t *testing.T) {
	table := NewTable()
	table.Begin(newContext("stuck"), &fakeDispatcher{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, table.DrainAll(ctx), context.DeadlineExceeded)
}

func TestIDsSorted(t *testing.T) {
	table := NewTable()
	for _, id := range []string{"c", "a", "b"} {
		table.Begin(newContext(id), &fakeDispatcher{})
	}
	assert.Equal(t, []string{"a", "b", "c"}, table.IDs())
}
