// Package workerchan bridges a host process and one out-of-process worker
// over a duplex message stream. A Channel sequences every interaction with
// its worker: the startup handshake, capability negotiation, function
// loading, invocations and their cancellation, warmup, termination and
// containment of worker faults.
package workerchan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/machinefabric/workerchan-go/capability"
	"github.com/machinefabric/workerchan-go/config"
	"github.com/machinefabric/workerchan-go/dispatch"
	"github.com/machinefabric/workerchan-go/invocation"
	"github.com/machinefabric/workerchan-go/pending"
	"github.com/machinefabric/workerchan-go/transport"
	"github.com/machinefabric/workerchan-go/wire"
)

type outbound struct {
	msg     *wire.Message
	written chan error
}

// Channel is the host side of the conversation with one worker.
type Channel struct {
	workerID        string
	runtime         string
	appDirectory    string
	workerDirectory string
	cfg             config.Channel

	streams *transport.Registry
	stream  transport.Stream
	proc    WorkerProcess

	baseLog zerolog.Logger
	log     zerolog.Logger
	metrics MetricsSink
	events  EventSink
	shm     SharedMemoryManager
	proxy   HTTPProxy
	env     Environment

	caps    *capability.Set
	pending *pending.Registry
	table   *invocation.Table
	generic dispatch.Processor
	router  *dispatch.Router
	state   stateFlags

	ctx      context.Context
	cancel   context.CancelFunc
	outq     chan outbound
	loops    sync.WaitGroup
	loopOnce sync.Once
	// streaming is set while the read loop owns a live stream.
	streaming atomic.Bool

	initResult *pending.Future[struct{}]

	mu             sync.Mutex
	functions      []FunctionDescriptor
	buffers        map[string]*functionBuffer
	loadErrors     map[string]error
	metadata       *pending.Future[*FunctionMetadataResult]
	statusWaiters  map[string]*pending.Future[*wire.Message]
	latencies      []time.Duration
	workerMetadata *wire.WorkerMetadata
	workerVersion  string

	disposing   atomic.Bool
	disposeOnce sync.Once
	disposeErr  error
}

// New creates a channel for workerID. The worker's stream is taken from
// streams, where the process launcher registered it.
func New(workerID string, cfg config.Channel, streams *transport.Registry, proc WorkerProcess, opts ...Option) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel config: %w", err)
	}
	stream, ok := streams.Lookup(workerID)
	if !ok {
		return nil, &ChannelError{Type: ErrorTypeTransport, Message: fmt.Sprintf("no stream registered for worker %s", workerID)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		workerID:      workerID,
		cfg:           cfg,
		streams:       streams,
		stream:        stream,
		proc:          proc,
		baseLog:       zerolog.Nop(),
		metrics:       nopMetrics{},
		events:        nopEvents{},
		env:           OSEnvironment{},
		pending:       pending.NewRegistry(),
		table:         invocation.NewTable(),
		ctx:           ctx,
		cancel:        cancel,
		outq:          make(chan outbound, cfg.OutboundQueueSize),
		initResult:    pending.NewFuture[struct{}](),
		buffers:       make(map[string]*functionBuffer),
		loadErrors:    make(map[string]error),
		statusWaiters: make(map[string]*pending.Future[*wire.Message]),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.baseLog.With().Str("worker_id", workerID).Str("runtime", c.runtime).Logger()
	c.caps = capability.NewSet(c.env.Getenv)

	if cfg.OrderedDispatch {
		c.generic = dispatch.NewOrdered(c.handleGeneric, cfg.GenericQueueSize, c.log)
	} else {
		c.generic = dispatch.NewUnordered(c.handleGeneric, cfg.PoolSize, c.log)
	}
	c.router = dispatch.NewRouter(c.table, c.generic, c.log)
	return c, nil
}

// WorkerID returns the id of the worker this channel talks to.
func (c *Channel) WorkerID() string { return c.workerID }

// State returns the current lifecycle flags.
func (c *Channel) State() State { return c.state.load() }

// IsReady reports whether the channel accepts invocations.
func (c *Channel) IsReady() bool { return c.state.load().Ready() }

// Capabilities returns the worker's current capability map.
func (c *Channel) Capabilities() map[string]string { return c.caps.Snapshot() }

// Flags returns the gating flags derived from the worker's capabilities.
func (c *Channel) Flags() capability.Flags { return c.caps.Flags() }

// WorkerMetadata returns what the worker reported about itself, if anything.
func (c *Channel) WorkerMetadata() *wire.WorkerMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerMetadata
}

// IsExecutingInvocation reports whether id is in flight on this channel.
func (c *Channel) IsExecutingInvocation(id string) bool {
	_, ok := c.table.Lookup(id)
	return ok
}

// StartProcess starts the worker and waits for the init handshake to finish.
// The StartStream callback is registered before anything can arrive. A
// channel built without a process talks to a worker that is already
// running, such as one reached over websocket.
func (c *Channel) StartProcess(ctx context.Context) error {
	if !c.state.set(StateInitializing) {
		return &ChannelError{Type: ErrorTypeInit, Message: "worker process already started"}
	}
	if c.state.load().Has(StateDisposed) {
		return ErrClosed
	}
	done := c.metrics.Latency("start_process")

	c.pending.Register(wire.KindStartStream, c.cfg.StartupTimeout.Duration, 1, c.onStartStream)
	c.startLoops()

	if c.proc != nil {
		if err := c.proc.Start(ctx); err != nil {
			c.failInit(&ChannelError{Type: ErrorTypeInit, Message: "failed to start worker process", Err: err})
			return c.initErr()
		}
		c.log.Info().Int("pid", c.proc.ID()).Msg("worker process started, awaiting start stream")
		c.metrics.Event("worker_started", "")
	}

	if _, err := c.initResult.Wait(ctx); err != nil {
		return err
	}
	done()
	return nil
}

func (c *Channel) initErr() error {
	<-c.initResult.Done()
	_, err := c.initResult.Result()
	return err
}

// InitError returns the handshake failure, if the handshake failed.
func (c *Channel) InitError() error {
	select {
	case <-c.initResult.Done():
		_, err := c.initResult.Result()
		return err
	default:
		return nil
	}
}

func (c *Channel) onStartStream(o pending.Outcome) {
	if o.Err != nil {
		c.failInit(timeoutError("waiting for worker start stream", o.Err))
		return
	}
	c.log.Debug().Str("stream_worker_id", o.Message.StartStream.WorkerID).Msg("received start stream")

	c.pending.Register(wire.KindInitResponse, c.cfg.InitTimeout.Duration, 1, c.onInitResponse)
	c.send(wire.NewInitRequest(wire.InitRequest{
		HostVersion:     c.cfg.HostVersion,
		WorkerDirectory: c.workerDirectory,
		AppDirectory:    c.appDirectory,
		Capabilities:    c.hostCapabilities(),
	}))
}

func (c *Channel) hostCapabilities() map[string]string {
	caps := map[string]string{}
	if c.cfg.MultiStream {
		caps[capability.MultiStream] = "true"
	}
	if c.cfg.FunctionDataCache {
		caps[capability.FunctionDataCache] = "true"
	}
	if c.cfg.V2Compatible {
		caps[capability.V2Compatible] = "true"
	}
	return caps
}

func (c *Channel) onInitResponse(o pending.Outcome) {
	if o.Err != nil {
		c.failInit(timeoutError("waiting for worker init response", o.Err))
		return
	}
	resp := o.Message.InitResponse
	if !resp.Result.IsSuccess() {
		c.failInit(&ChannelError{Type: ErrorTypeInit, Err: workerError(resp.Result, false)})
		return
	}

	c.mu.Lock()
	c.workerMetadata = resp.WorkerMetadata
	c.workerVersion = resp.WorkerVersion
	c.mu.Unlock()

	c.ApplyCapabilities(resp.Capabilities, capability.Merge)
	c.state.set(StateInitialized)
	c.log.Info().Str("worker_version", resp.WorkerVersion).Msg("worker initialized")
	if c.initResult.Succeed(struct{}{}) && c.cfg.DynamicConcurrency.Enabled {
		c.startLatencySampling()
	}
}

// failInit faults a pending initialization and reports it. It returns
// false once initialization has already settled.
func (c *Channel) failInit(err error) bool {
	if !c.initResult.Fail(err) {
		return false
	}
	c.log.Error().Err(err).Msg("worker initialization failed")
	c.metrics.Event("worker_init_failed", "")
	c.publishWorkerError(err)
	return true
}

func (c *Channel) publishWorkerError(err error) {
	if c.disposing.Load() {
		return
	}
	c.events.WorkerError(WorkerErrorEvent{
		WorkerID: c.workerID,
		Runtime:  c.runtime,
		Err:      err,
		Time:     time.Now(),
	})
}

// ApplyCapabilities updates the worker's capabilities. A malformed HttpUri
// is reported to the supervisor; the rest of the update still applies.
func (c *Channel) ApplyCapabilities(fields map[string]string, strategy capability.Strategy) capability.Flags {
	flags, err := c.caps.Apply(fields, strategy)
	if err != nil {
		c.log.Error().Err(err).Msg("invalid worker capability")
		c.publishWorkerError(&ChannelError{Type: ErrorTypeProtocol, Message: "invalid worker capability", Err: err})
	}
	c.log.Debug().
		Stringer("strategy", strategy).
		Bool("shared_memory", flags.SharedMemoryTransfer).
		Bool("cancel_messages", flags.HandlesInvocationCancel).
		Bool("load_collection", flags.LoadResponseCollection).
		Bool("http_proxy", flags.IsHTTPProxying()).
		Msg("worker capabilities updated")
	return flags
}

func (c *Channel) startLoops() {
	c.loopOnce.Do(func() {
		c.streaming.Store(true)
		c.loops.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// readLoop is the only consumer of the stream. Its exit is terminal for the
// channel, and it always unregisters the stream on the way out.
func (c *Channel) readLoop() {
	defer c.loops.Done()
	defer func() {
		c.streaming.Store(false)
		if _, err := c.streams.Remove(c.workerID); err != nil {
			c.log.Debug().Err(err).Msg("closing worker stream")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			c.transportFault(fmt.Errorf("read loop panicked: %v", r))
		}
	}()

	for {
		msg, err := c.stream.Receive(c.ctx)
		var decodeErr *wire.DecodeError
		if errors.As(err, &decodeErr) {
			c.log.Warn().Err(err).Msg("dropping malformed message")
			c.metrics.Event("message_dropped", "")
			continue
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.transportFault(err)
			return
		}
		if err := msg.Validate(); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed message")
			continue
		}
		c.router.Route(msg)
	}
}

func (c *Channel) transportFault(err error) {
	if c.disposing.Load() {
		return
	}
	fault := &ChannelError{Type: ErrorTypeTransport, Message: "worker stream ended", Err: err}
	if errors.Is(err, transport.ErrClosed) {
		c.log.Warn().Msg("worker stream closed")
	} else {
		c.log.Error().Err(err).Msg("worker stream failed")
	}
	if !c.failInit(fault) {
		c.publishWorkerError(fault)
	}
	c.TryFailExecutions(fault)
}

func (c *Channel) writeLoop() {
	defer c.loops.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case item := <-c.outq:
			err := c.stream.Send(c.ctx, item.msg)
			if err != nil {
				c.log.Error().Err(err).Stringer("kind", item.msg.Kind).Msg("failed to send message to worker")
			}
			if item.written != nil {
				item.written <- err
			}
		}
	}
}

// send enqueues msg without waiting. When the queue is full the enqueue
// continues in the background and its failure is logged.
func (c *Channel) send(msg *wire.Message) {
	item := outbound{msg: msg}
	select {
	case c.outq <- item:
		return
	default:
	}
	go func() {
		if err := c.enqueue(c.ctx, item); err != nil {
			c.log.Error().Err(err).Stringer("kind", msg.Kind).Msg("failed to queue message for worker")
		}
	}()
}

// sendAsync enqueues msg, waiting for queue space.
func (c *Channel) sendAsync(ctx context.Context, msg *wire.Message) error {
	return c.enqueue(ctx, outbound{msg: msg})
}

// sendAndWait enqueues msg and waits until it has been written.
func (c *Channel) sendAndWait(ctx context.Context, msg *wire.Message) error {
	item := outbound{msg: msg, written: make(chan error, 1)}
	if err := c.enqueue(ctx, item); err != nil {
		return err
	}
	select {
	case err := <-item.written:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Channel) enqueue(ctx context.Context, item outbound) error {
	select {
	case c.outq <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// handleGeneric processes traffic that does not belong to an in-flight
// invocation.
func (c *Channel) handleGeneric(msg *wire.Message) error {
	switch msg.Kind {
	case wire.KindLog:
		if msg.Log.Category == wire.LogCategorySystem {
			c.systemLog(msg.Log)
			return nil
		}
		c.log.Debug().
			Str("invocation_id", msg.Log.InvocationID).
			Msg("dropping log for an invocation that is not in flight")
		return nil

	case wire.KindStatusResponse:
		c.resolveStatus(msg)
		return nil

	case wire.KindInvocationResponse:
		// The router saw no entry; one may have been begun since.
		if entry, ok := c.table.Lookup(msg.InvocationID()); ok {
			entry.Dispatcher.Dispatch(msg)
			return nil
		}
		c.log.Debug().Str("invocation_id", msg.InvocationID()).Msg("response for an invocation that is not in flight")
		return nil

	case wire.KindInitRequest, wire.KindFunctionLoadRequest, wire.KindFunctionLoadRequestCollection,
		wire.KindMetadataRequest, wire.KindInvocationRequest, wire.KindInvocationCancel,
		wire.KindStatusRequest, wire.KindEnvironmentReloadRequest, wire.KindWarmupRequest,
		wire.KindTerminate, wire.KindCloseSharedMemoryResources:
		return &ChannelError{Type: ErrorTypeProtocol, Message: fmt.Sprintf("unexpected %s from worker", msg.Kind)}
	}

	if !c.pending.DispatchNext(msg.Kind, msg) {
		c.log.Warn().Stringer("kind", msg.Kind).Msg("no request waiting for message")
	}
	return nil
}

func (c *Channel) systemLog(l *wire.Log) {
	ev := c.log.WithLevel(zerologLevel(l.Level)).Str("category", "system")
	if l.EventID != "" {
		ev = ev.Str("event_id", l.EventID)
	}
	if l.Exception != nil {
		ev = ev.Str("exception", l.Exception.Message)
	}
	ev.Msg(l.Message)
}

func zerologLevel(l wire.LogLevel) zerolog.Level {
	switch l {
	case wire.LogLevelTrace:
		return zerolog.TraceLevel
	case wire.LogLevelDebug:
		return zerolog.DebugLevel
	case wire.LogLevelInformation:
		return zerolog.InfoLevel
	case wire.LogLevelWarning:
		return zerolog.WarnLevel
	case wire.LogLevelError:
		return zerolog.ErrorLevel
	case wire.LogLevelCritical:
		return zerolog.ErrorLevel
	default:
		return zerolog.NoLevel
	}
}
