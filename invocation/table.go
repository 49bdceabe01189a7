// Package invocation tracks in-flight invocations: one exclusive entry per
// invocation id, holding its execution context and private dispatcher.
package invocation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/machinefabric/workerchan-go/pending"
	"github.com/machinefabric/workerchan-go/wire"
)

// Result is what a successful invocation produces.
type Result struct {
	Outputs map[string][]byte
	Return  []byte
}

// Context is the execution context of one invocation. Logger carries the
// invocation's fields and is passed explicitly into every log call made on
// its behalf.
type Context struct {
	ID         string
	FunctionID string
	Ctx        context.Context
	Logger     zerolog.Logger
	Result     *pending.Future[*Result]

	mu       sync.Mutex
	releases []func() bool
}

// NewContext creates an execution context for an invocation.
func NewContext(ctx context.Context, id, functionID string, logger zerolog.Logger) *Context {
	return &Context{
		ID:         id,
		FunctionID: functionID,
		Ctx:        ctx,
		Logger:     logger.With().Str("invocation_id", id).Str("function", functionID).Logger(),
		Result:     pending.NewFuture[*Result](),
	}
}

// OnRelease registers a cleanup, such as the stop func of a
// context.AfterFunc, to run when the invocation leaves the table.
func (c *Context) OnRelease(stop func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, stop)
}

func (c *Context) release() {
	c.mu.Lock()
	releases := c.releases
	c.releases = nil
	c.mu.Unlock()
	for _, stop := range releases {
		stop()
	}
}

// Dispatcher processes the messages of a single invocation in arrival order.
type Dispatcher interface {
	Dispatch(msg *wire.Message)
	// Close stops accepting messages; already queued messages still run.
	Close()
}

// Entry is the table's record of one in-flight invocation.
type Entry struct {
	ID         string
	Context    *Context
	Dispatcher Dispatcher
	Created    time.Time
}

// Table maps invocation ids to their entries.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry), now: time.Now}
}

// Begin inserts an entry for ctx.ID. A duplicate id leaves the existing
// entry untouched and reports false.
func (t *Table) Begin(ctx *Context, dispatcher Dispatcher) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[ctx.ID]; exists {
		return nil, false
	}
	e := &Entry{ID: ctx.ID, Context: ctx, Dispatcher: dispatcher, Created: t.now()}
	t.entries[ctx.ID] = e
	return e, true
}

// Lookup returns the active entry for id.
func (t *Table) Lookup(id string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// Complete removes the entry for id and closes its dispatcher. Only the
// first caller for an id gets the entry back; the caller then owns the
// terminal resolution of its result.
func (t *Table) Complete(id string) (*Entry, bool) {
	e, ok := t.remove(id)
	if !ok {
		return nil, false
	}
	e.Dispatcher.Close()
	e.Context.release()
	return e, true
}

func (t *Table) remove(id string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

// FailAll removes every entry and fails its result with err. Entries
// removed concurrently by Complete are left to that caller. It returns the
// number of invocations it failed.
func (t *Table) FailAll(err error) int {
	failed := 0
	for _, id := range t.IDs() {
		e, ok := t.Complete(id)
		if !ok {
			continue
		}
		if e.Context.Result.Fail(err) {
			failed++
		}
	}
	return failed
}

// DrainAll waits until every invocation tracked at call time has a result,
// or ctx ends. Invocations begun afterwards are not awaited.
func (t *Table) DrainAll(ctx context.Context) error {
	t.mu.Lock()
	futures := make([]*pending.Future[*Result], 0, len(t.entries))
	for _, e := range t.entries {
		futures = append(futures, e.Context.Result)
	}
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range futures {
		f := f
		g.Go(func() error {
			select {
			case <-f.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// Len returns the number of in-flight invocations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// IDs returns the in-flight invocation ids, sorted.
func (t *Table) IDs() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}
