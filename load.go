package workerchan

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/machinefabric/workerchan-go/pending"
	"github.com/machinefabric/workerchan-go/wire"
)

// functionBuffer holds outbound messages for a function until its load
// response arrives and the backlog has been flushed. Cancels for held
// requests queue behind them.
type functionBuffer struct {
	descriptor FunctionDescriptor
	queue      []bufferedRequest
	requested  bool
	loaded     bool
	flushing   bool
	err        error
	done       chan struct{}
}

type bufferedRequest struct {
	id  string
	msg *wire.Message
}

func (b *functionBuffer) settled() bool {
	return b.loaded || b.err != nil
}

// holding reports whether new messages must go through the queue.
func (b *functionBuffer) holding() bool {
	return !b.loaded || b.flushing
}

// holds reports whether the request for id is still queued.
func (b *functionBuffer) holds(id string) bool {
	return b.index(id) >= 0
}

// remove drops the queued request for id.
func (b *functionBuffer) remove(id string) bool {
	i := b.index(id)
	if i < 0 {
		return false
	}
	b.queue = append(b.queue[:i], b.queue[i+1:]...)
	return true
}

func (b *functionBuffer) index(id string) int {
	for i, req := range b.queue {
		if req.id == id && req.msg.Kind == wire.KindInvocationRequest {
			return i
		}
	}
	return -1
}

// SetupInvocationBuffers records the functions this channel serves and
// creates their invocation buffers. Descriptors keep their order.
func (c *Channel) SetupInvocationBuffers(functions []FunctionDescriptor) {
	c.mu.Lock()
	c.functions = append([]FunctionDescriptor(nil), functions...)
	for _, fn := range functions {
		if _, ok := c.buffers[fn.ID]; ok {
			continue
		}
		c.buffers[fn.ID] = &functionBuffer{descriptor: fn, done: make(chan struct{})}
	}
	c.mu.Unlock()
	c.state.set(StateInvocationBuffersInitialized)
	c.log.Debug().Int("functions", len(functions)).Msg("invocation buffers initialized")
}

// Functions returns the registered function descriptors in order.
func (c *Channel) Functions() []FunctionDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FunctionDescriptor(nil), c.functions...)
}

// loadOrder returns enabled functions first, then disabled ones, each
// group in registration order.
func loadOrder(functions []FunctionDescriptor) []FunctionDescriptor {
	out := make([]FunctionDescriptor, 0, len(functions))
	for _, fn := range functions {
		if !fn.Disabled {
			out = append(out, fn)
		}
	}
	for _, fn := range functions {
		if fn.Disabled {
			out = append(out, fn)
		}
	}
	return out
}

// loadDeadline is the longest of the configured timeout, the caller's
// override and any per-function timeout.
func (c *Channel) loadDeadline(functions []FunctionDescriptor, override time.Duration) time.Duration {
	d := c.cfg.FunctionLoadTimeout.Duration
	if override > d {
		d = override
	}
	for _, fn := range functions {
		if fn.LoadTimeout > d {
			d = fn.LoadTimeout
		}
	}
	return d
}

// SendFunctionLoadRequests asks the worker to load every registered
// function that has not been requested yet. Workers that support it get a
// single batched request; others get one request per function.
func (c *Channel) SendFunctionLoadRequests(ctx context.Context, managedDependencies bool, functionTimeout time.Duration) error {
	if !c.state.load().Has(StateInitialized) {
		return &ChannelError{Type: ErrorTypeNotReady, Message: "worker is not initialized"}
	}

	c.mu.Lock()
	var batch []FunctionDescriptor
	for _, fn := range loadOrder(c.functions) {
		buf := c.buffers[fn.ID]
		if buf == nil || buf.requested {
			continue
		}
		buf.requested = true
		batch = append(batch, fn)
	}
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	timeout := c.loadDeadline(batch, functionTimeout)
	ids := make([]string, len(batch))
	for i, fn := range batch {
		ids[i] = fn.ID
	}
	onTimeout := func(err error) { c.failPendingLoads(ids, err) }

	if c.caps.Flags().LoadResponseCollection {
		reqs := make([]wire.FunctionLoadRequest, len(batch))
		for i, fn := range batch {
			reqs[i] = fn.loadRequest(managedDependencies)
		}
		c.pending.Register(wire.KindFunctionLoadResponseCollection, timeout, 1, func(o pending.Outcome) {
			if o.Err != nil {
				onTimeout(o.Err)
				return
			}
			for _, resp := range o.Message.FunctionLoadResponseCollection.Responses {
				c.onFunctionLoaded(resp)
			}
		})
		c.log.Debug().Int("functions", len(batch)).Dur("timeout", timeout).Msg("sending function load request collection")
		return c.sendAsync(ctx, wire.NewFunctionLoadRequestCollection(reqs))
	}

	c.pending.Register(wire.KindFunctionLoadResponse, timeout, len(batch), func(o pending.Outcome) {
		if o.Err != nil {
			onTimeout(o.Err)
			return
		}
		c.onFunctionLoaded(*o.Message.FunctionLoadResponse)
	})
	for _, fn := range batch {
		c.log.Debug().Str("function", fn.ID).Msg("sending function load request")
		if err := c.sendAsync(ctx, wire.NewFunctionLoadRequest(fn.loadRequest(managedDependencies))); err != nil {
			return fmt.Errorf("sending load request for %s: %w", fn.ID, err)
		}
	}
	return nil
}

func (c *Channel) onFunctionLoaded(resp wire.FunctionLoadResponse) {
	log := c.log.With().Str("function", resp.FunctionID).Logger()

	c.mu.Lock()
	buf := c.buffers[resp.FunctionID]
	if buf == nil || buf.settled() {
		c.mu.Unlock()
		log.Warn().Msg("ignoring load response for a function that is not loading")
		return
	}

	if !resp.Result.IsSuccess() {
		err := &ChannelError{
			Type:    ErrorTypeFunctionLoad,
			Message: fmt.Sprintf("function %s", resp.FunctionID),
			Err:     workerError(resp.Result, c.caps.Flags().UserCodeException),
		}
		queued := c.settleLocked(buf, err)
		c.mu.Unlock()
		log.Error().Err(err).Msg("worker failed to load function")
		c.metrics.Event("function_load_failed", resp.FunctionID)
		c.failQueued(queued, err)
		return
	}

	buf.loaded = true
	buf.flushing = true
	close(buf.done)
	c.mu.Unlock()

	flushed := c.flushBuffer(buf, log)
	log.Info().Bool("dependencies_downloaded", resp.IsDependencyDownloaded).Int("flushed", flushed).Msg("function loaded")
	c.metrics.Event("function_load_succeeded", resp.FunctionID)
}

// flushBuffer sends the buffer's backlog in order without holding c.mu,
// then lets later requests bypass the queue. Messages appended while it
// runs are sent too. Requests whose invocation already ended are skipped.
func (c *Channel) flushBuffer(buf *functionBuffer, log zerolog.Logger) int {
	sent := 0
	for {
		c.mu.Lock()
		if len(buf.queue) == 0 {
			buf.flushing = false
			c.mu.Unlock()
			return sent
		}
		req := buf.queue[0]
		buf.queue = buf.queue[1:]
		c.mu.Unlock()

		if _, ok := c.table.Lookup(req.id); !ok {
			continue
		}
		if err := c.sendAsync(c.ctx, req.msg); err != nil {
			log.Error().Err(err).Str("invocation_id", req.id).Stringer("kind", req.msg.Kind).Msg("failed to flush buffered message")
			continue
		}
		if req.msg.Kind == wire.KindInvocationRequest {
			sent++
		}
	}
}

// settleLocked records a load failure and returns the invocations that
// were waiting on it.
func (c *Channel) settleLocked(buf *functionBuffer, err error) []bufferedRequest {
	buf.err = err
	c.loadErrors[buf.descriptor.ID] = err
	queued := buf.queue
	buf.queue = nil
	close(buf.done)
	return queued
}

func (c *Channel) failQueued(queued []bufferedRequest, err error) {
	for _, req := range queued {
		c.failInvocation(req.id, err)
	}
}

func (c *Channel) failPendingLoads(ids []string, cause error) {
	err := &ChannelError{Type: ErrorTypeFunctionLoad, Err: timeoutError("waiting for function load response", cause)}
	var queued []bufferedRequest
	var failed []string

	c.mu.Lock()
	for _, id := range ids {
		buf := c.buffers[id]
		if buf == nil || buf.settled() {
			continue
		}
		queued = append(queued, c.settleLocked(buf, err)...)
		failed = append(failed, id)
	}
	c.mu.Unlock()

	if len(failed) == 0 {
		return
	}
	c.log.Error().Err(err).Strs("functions", failed).Msg("function load timed out")
	for _, id := range failed {
		c.metrics.Event("function_load_failed", id)
	}
	c.failQueued(queued, err)
	c.publishWorkerError(err)
}

// FunctionLoadError returns the cached load or indexing failure for a
// function, or nil.
func (c *Channel) FunctionLoadError(functionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErrors[functionID]
}

// WaitFunctionsLoaded waits until every requested function has a load
// outcome and returns the load failures.
func (c *Channel) WaitFunctionsLoaded(ctx context.Context) error {
	done := c.metrics.Latency("function_load")

	c.mu.Lock()
	var waits []chan struct{}
	for _, fn := range c.functions {
		if buf := c.buffers[fn.ID]; buf != nil && buf.requested {
			waits = append(waits, buf.done)
		}
	}
	c.mu.Unlock()

	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		}
	}
	done()

	var result *multierror.Error
	c.mu.Lock()
	for _, fn := range c.functions {
		if err := c.loadErrors[fn.ID]; err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.mu.Unlock()
	return result.ErrorOrNil()
}

// GetFunctionMetadata asks the worker to index the application directory.
// The request is sent at most once per environment; later callers share
// the first result.
func (c *Channel) GetFunctionMetadata(ctx context.Context) (*FunctionMetadataResult, error) {
	if !c.state.load().Has(StateInitialized) {
		return nil, &ChannelError{Type: ErrorTypeNotReady, Message: "worker is not initialized"}
	}

	c.mu.Lock()
	f := c.metadata
	first := f == nil
	if first {
		f = pending.NewFuture[*FunctionMetadataResult]()
		c.metadata = f
	}
	appDir := c.appDirectory
	c.mu.Unlock()

	if first {
		c.pending.Register(wire.KindMetadataResponse, c.cfg.MetadataTimeout.Duration, 1, func(o pending.Outcome) {
			c.onMetadataResponse(f, o)
		})
		if err := c.sendAsync(ctx, wire.NewMetadataRequest(appDir)); err != nil {
			f.Fail(err)
		}
	}
	return f.Wait(ctx)
}

func (c *Channel) onMetadataResponse(f *pending.Future[*FunctionMetadataResult], o pending.Outcome) {
	if o.Err != nil {
		f.Fail(&ChannelError{Type: ErrorTypeMetadata, Err: timeoutError("waiting for function metadata", o.Err)})
		return
	}
	result, err := parseMetadataResponse(o.Message.MetadataResponse, c.caps.Flags().UserCodeException)
	if err != nil {
		c.log.Error().Err(err).Msg("worker indexing failed")
		f.Fail(err)
		return
	}

	c.mu.Lock()
	for id, ferr := range result.Failures {
		c.loadErrors[id] = ferr
	}
	c.mu.Unlock()

	c.log.Info().
		Int("functions", len(result.Functions)).
		Int("failures", len(result.Failures)).
		Bool("default_indexing", result.UseDefaultIndexing).
		Msg("received function metadata")
	f.Succeed(result)
}
