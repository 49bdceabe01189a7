package workerchan

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/machinefabric/workerchan-go/dispatch"
	"github.com/machinefabric/workerchan-go/invocation"
	"github.com/machinefabric/workerchan-go/pending"
	"github.com/machinefabric/workerchan-go/wire"
)

// Input is one named input value of an invocation.
type Input struct {
	Name string
	Data []byte
}

// Invocation is a request to execute a function on the worker.
type Invocation struct {
	ID              string
	FunctionID      string
	Inputs          []Input
	TriggerMetadata map[string][]byte
	TraceContext    map[string]string
}

// Invoke sends inv and waits for its result.
func (c *Channel) Invoke(ctx context.Context, inv *Invocation) (*invocation.Result, error) {
	f, err := c.SendInvocationRequest(ctx, inv)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// SendInvocationRequest starts inv and returns its pending result. The
// request is held back until the function's load response arrives. When
// ctx ends before the result, a held request is dropped and failed locally
// unless the worker handles cancels and forwarding of cancelled
// invocations is enabled; then the cancel is sent after the request.
func (c *Channel) SendInvocationRequest(ctx context.Context, inv *Invocation) (*pending.Future[*invocation.Result], error) {
	if !c.IsReady() {
		return nil, &ChannelError{Type: ErrorTypeNotReady, Message: fmt.Sprintf("cannot invoke %s in state %s", inv.FunctionID, c.State())}
	}
	if inv.ID == "" {
		return nil, &ChannelError{Type: ErrorTypeProtocol, Message: "invocation id is required"}
	}

	c.mu.Lock()
	buf := c.buffers[inv.FunctionID]
	loadErr := c.loadErrors[inv.FunctionID]
	c.mu.Unlock()
	if loadErr != nil {
		return nil, loadErr
	}
	if buf == nil {
		return nil, &ChannelError{Type: ErrorTypeFunctionLoad, Message: fmt.Sprintf("function %s is not registered", inv.FunctionID)}
	}

	flags := c.caps.Flags()
	if ctx.Err() != nil && (!flags.HandlesInvocationCancel || !c.cfg.SendCanceledInvocationsToWorker) {
		c.metrics.Event("invocation_canceled", inv.FunctionID)
		return nil, &ChannelError{Type: ErrorTypeCanceled, Message: fmt.Sprintf("invocation %s cancelled before it was sent", inv.ID), Err: ctx.Err()}
	}

	invCtx := invocation.NewContext(ctx, inv.ID, inv.FunctionID, c.log)
	var inputMaps []string
	seq := dispatch.NewSequential(func(msg *wire.Message) error {
		return c.handleInvocationMessage(invCtx, inv, msg, inputMaps)
	}, invCtx.Logger)
	if _, ok := c.table.Begin(invCtx, seq); !ok {
		seq.Close()
		return nil, &ChannelError{Type: ErrorTypeProtocol, Message: fmt.Sprintf("invocation %s is already in flight", inv.ID)}
	}

	req := wire.InvocationRequest{
		InvocationID:    inv.ID,
		FunctionID:      inv.FunctionID,
		TriggerMetadata: inv.TriggerMetadata,
		TraceContext:    inv.TraceContext,
	}
	for _, in := range inv.Inputs {
		binding := c.inputBinding(invCtx.Logger, flags.SharedMemoryTransfer, inv.ID, in)
		if binding.SharedMemory != nil {
			inputMaps = append(inputMaps, binding.SharedMemory.Name)
		}
		req.InputData = append(req.InputData, binding)
	}

	if flags.IsHTTPProxying() && c.proxy != nil {
		c.proxy.StartForwarding(inv, flags.HTTPProxyEndpoint)
	}

	if err := c.submitRequest(buf, inv.ID, wire.NewInvocationRequest(req)); err != nil {
		c.failInvocation(inv.ID, err)
		return invCtx.Result, nil
	}
	c.metrics.Event("invocation_sent", inv.FunctionID)
	invCtx.Logger.Debug().Msg("invocation submitted")

	invCtx.OnRelease(context.AfterFunc(ctx, func() {
		c.cancelInvocation(inv.ID)
	}))
	return invCtx.Result, nil
}

// inputBinding moves large inputs into shared memory when the worker and
// the host both allow it.
func (c *Channel) inputBinding(log zerolog.Logger, sharedMemory bool, invocationID string, in Input) wire.ParameterBinding {
	threshold := c.cfg.SharedMemoryThreshold
	if !sharedMemory || c.shm == nil || threshold <= 0 || len(in.Data) < threshold {
		return wire.ParameterBinding{Name: in.Name, Data: in.Data}
	}
	ref, err := c.shm.Allocate(invocationID, in.Data)
	if err != nil {
		log.Warn().Err(err).Str("input", in.Name).Msg("shared memory allocation failed, sending inline")
		return wire.ParameterBinding{Name: in.Name, Data: in.Data}
	}
	return wire.ParameterBinding{Name: in.Name, SharedMemory: &ref}
}

// submitRequest sends the request, or queues it while its function is
// still loading or its backlog is being flushed. c.mu is never held while
// waiting for queue space.
func (c *Channel) submitRequest(buf *functionBuffer, id string, msg *wire.Message) error {
	c.mu.Lock()
	switch {
	case buf.err != nil:
		err := buf.err
		c.mu.Unlock()
		return err
	case buf.holding():
		buf.queue = append(buf.queue, bufferedRequest{id: id, msg: msg})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.sendAsync(c.ctx, msg)
}

// SendInvocationCancel cancels an in-flight invocation. It reports false
// when id is not in flight.
func (c *Channel) SendInvocationCancel(id string) bool {
	if _, ok := c.table.Lookup(id); !ok {
		return false
	}
	c.cancelInvocation(id)
	return true
}

func (c *Channel) cancelInvocation(id string) {
	entry, ok := c.table.Lookup(id)
	if !ok {
		return
	}
	log := entry.Context.Logger
	functionID := entry.Context.FunctionID
	flags := c.caps.Flags()
	forward := flags.HandlesInvocationCancel && c.cfg.SendCanceledInvocationsToWorker

	c.mu.Lock()
	buf := c.buffers[functionID]
	switch {
	case buf != nil && !forward && buf.remove(id):
		c.mu.Unlock()
		log.Debug().Msg("invocation cancelled before it was sent")
		c.metrics.Event("invocation_canceled", functionID)
		c.failInvocation(id, &ChannelError{Type: ErrorTypeCanceled, Message: fmt.Sprintf("invocation %s cancelled before it was sent", id)})
		return
	case buf != nil && flags.HandlesInvocationCancel && (buf.holds(id) || buf.flushing):
		// The request has not been written yet; the cancel follows it.
		buf.queue = append(buf.queue, bufferedRequest{id: id, msg: wire.NewInvocationCancel(id)})
		c.mu.Unlock()
		log.Debug().Msg("invocation cancel queued behind its request")
		c.metrics.Event("invocation_canceled", functionID)
		return
	}
	c.mu.Unlock()

	if !flags.HandlesInvocationCancel {
		log.Debug().Msg("worker does not handle cancellation, waiting for its response")
		return
	}
	log.Debug().Msg("sending invocation cancel")
	c.metrics.Event("invocation_canceled", functionID)
	c.send(wire.NewInvocationCancel(id))
}

// failInvocation removes id from the table and fails its result.
func (c *Channel) failInvocation(id string, err error) {
	entry, ok := c.table.Complete(id)
	if !ok {
		return
	}
	c.releaseSharedMemory(id, nil)
	entry.Context.Result.Fail(err)
	c.metrics.Event("invocation_failed", entry.Context.FunctionID)
}

// handleInvocationMessage runs on the invocation's private dispatcher.
func (c *Channel) handleInvocationMessage(invCtx *invocation.Context, inv *Invocation, msg *wire.Message, inputMaps []string) error {
	switch msg.Kind {
	case wire.KindLog:
		l := msg.Log
		if l.Category == wire.LogCategoryCustomMetric {
			c.metrics.Event("custom_metric", invCtx.FunctionID)
			invCtx.Logger.Debug().Fields(propertiesFields(l.Properties)).Msg(l.Message)
			return nil
		}
		ev := invCtx.Logger.WithLevel(zerologLevel(l.Level)).Str("category", "user")
		if l.Exception != nil {
			ev = ev.Str("exception", l.Exception.Message)
		}
		ev.Msg(l.Message)
		return nil
	case wire.KindInvocationResponse:
		c.completeInvocation(invCtx, inv, msg.InvocationResponse, inputMaps)
		return nil
	default:
		return &ChannelError{Type: ErrorTypeProtocol, Message: fmt.Sprintf("unexpected %s for invocation %s", msg.Kind, invCtx.ID)}
	}
}

func propertiesFields(props map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func (c *Channel) completeInvocation(invCtx *invocation.Context, inv *Invocation, resp *wire.InvocationResponse, inputMaps []string) {
	if _, ok := c.table.Complete(invCtx.ID); !ok {
		invCtx.Logger.Debug().Msg("invocation already completed")
		return
	}
	flags := c.caps.Flags()

	if flags.IsHTTPProxying() && c.proxy != nil {
		if err := c.proxy.EnsureForwarded(c.ctx, inv); err != nil {
			c.releaseSharedMemory(invCtx.ID, inputMaps)
			invCtx.Logger.Error().Err(err).Msg("http forwarding failed")
			invCtx.Result.Fail(fmt.Errorf("forwarding invocation %s: %w", invCtx.ID, err))
			c.metrics.Event("invocation_failed", invCtx.FunctionID)
			return
		}
	}

	if !resp.Result.IsSuccess() {
		c.releaseSharedMemory(invCtx.ID, inputMaps)
		var err error = workerError(resp.Result, flags.UserCodeException)
		if resp.Result.Status == wire.StatusCancelled {
			err = &ChannelError{Type: ErrorTypeCanceled, Message: fmt.Sprintf("invocation %s", invCtx.ID), Err: err}
		}
		invCtx.Logger.Debug().Err(err).Msg("invocation failed")
		invCtx.Result.Fail(err)
		c.metrics.Event("invocation_failed", invCtx.FunctionID)
		return
	}

	result := &invocation.Result{Outputs: make(map[string][]byte, len(resp.OutputData)), Return: resp.ReturnValue}
	maps := append([]string(nil), inputMaps...)
	for _, out := range resp.OutputData {
		if out.SharedMemory == nil {
			result.Outputs[out.Name] = out.Data
			continue
		}
		maps = append(maps, out.SharedMemory.Name)
		if c.shm == nil {
			c.releaseSharedMemory(invCtx.ID, maps)
			invCtx.Result.Fail(&ChannelError{Type: ErrorTypeProtocol, Message: fmt.Sprintf("output %s uses shared memory, which is not enabled", out.Name)})
			c.metrics.Event("invocation_failed", invCtx.FunctionID)
			return
		}
		data, err := c.shm.Read(*out.SharedMemory)
		if err != nil {
			c.releaseSharedMemory(invCtx.ID, maps)
			invCtx.Result.Fail(fmt.Errorf("reading output %s: %w", out.Name, err))
			c.metrics.Event("invocation_failed", invCtx.FunctionID)
			return
		}
		result.Outputs[out.Name] = data
	}
	c.releaseSharedMemory(invCtx.ID, maps)

	invCtx.Logger.Debug().Int("outputs", len(result.Outputs)).Msg("invocation completed")
	invCtx.Result.Succeed(result)
	c.metrics.Event("invocation_completed", invCtx.FunctionID)
}

// releaseSharedMemory tells the worker to drop its maps and frees the
// invocation's segments.
func (c *Channel) releaseSharedMemory(id string, maps []string) {
	if c.shm == nil {
		return
	}
	if len(maps) > 0 {
		c.send(wire.NewCloseSharedMemoryResources(maps))
	}
	c.shm.FreeForInvocation(id)
}
