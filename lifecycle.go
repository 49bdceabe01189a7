package workerchan

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/machinefabric/workerchan-go/capability"
	"github.com/machinefabric/workerchan-go/wire"
)

// SendEnvironmentReload re-specializes the worker with env and, when set,
// a new application directory. The worker's reported capabilities are
// applied with the strategy it asks for.
func (c *Channel) SendEnvironmentReload(ctx context.Context, env map[string]string, appDirectory string) error {
	if !c.state.load().Has(StateInitialized) {
		return &ChannelError{Type: ErrorTypeNotReady, Message: "worker is not initialized"}
	}
	done := c.metrics.Latency("environment_reload")

	c.mu.Lock()
	if appDirectory == "" {
		appDirectory = c.appDirectory
	}
	c.mu.Unlock()

	cb := c.pending.Register(wire.KindEnvironmentReloadResponse, c.cfg.EnvironmentReloadTimeout.Duration, 1, nil)[0]
	if err := c.sendAsync(ctx, wire.NewEnvironmentReloadRequest(wire.EnvironmentReloadRequest{
		EnvironmentVariables: env,
		AppDirectory:         appDirectory,
	})); err != nil {
		return err
	}
	msg, err := cb.Future().Wait(ctx)
	if err != nil {
		return timeoutError("waiting for environment reload response", err)
	}

	resp := msg.EnvironmentReloadResponse
	if !resp.Result.IsSuccess() {
		err := &ChannelError{Type: ErrorTypeInit, Message: "environment reload failed", Err: workerError(resp.Result, c.caps.Flags().UserCodeException)}
		c.log.Error().Err(err).Msg("environment reload failed")
		return err
	}

	strategy := capability.Merge
	if resp.UpdateStrategy == wire.UpdateStrategyReplace {
		strategy = capability.Replace
	}
	c.ApplyCapabilities(resp.Capabilities, strategy)

	c.mu.Lock()
	c.appDirectory = appDirectory
	c.metadata = nil
	if resp.WorkerMetadata != nil {
		c.workerMetadata = resp.WorkerMetadata
	}
	c.mu.Unlock()

	done()
	c.log.Info().Str("app_directory", appDirectory).Msg("worker environment reloaded")
	return nil
}

// SendWarmup asks the worker to pre-warm. Workers that do not advertise
// warmup support are skipped.
func (c *Channel) SendWarmup(ctx context.Context) error {
	if !c.caps.Flags().HandlesWarmup {
		c.log.Debug().Msg("worker does not handle warmup, skipping")
		return nil
	}
	cb := c.pending.Register(wire.KindWarmupResponse, c.cfg.WarmupTimeout.Duration, 1, nil)[0]
	if err := c.sendAsync(ctx, wire.NewWarmupRequest(c.workerDirectory)); err != nil {
		return err
	}
	msg, err := cb.Future().Wait(ctx)
	if err != nil {
		return timeoutError("waiting for warmup response", err)
	}
	if r := msg.WarmupResponse.Result; !r.IsSuccess() {
		return fmt.Errorf("worker warmup: %w", workerError(r, c.caps.Flags().UserCodeException))
	}
	c.log.Debug().Msg("worker warmed up")
	return nil
}

// DrainInvocations stops new invocations and waits for the in-flight ones.
func (c *Channel) DrainInvocations(ctx context.Context) error {
	c.state.set(StateDraining)
	c.log.Info().Int("in_flight", c.table.Len()).Msg("draining invocations")
	return c.table.DrainAll(ctx)
}

// TryFailExecutions fails every in-flight invocation with err and returns
// how many it failed.
func (c *Channel) TryFailExecutions(err error) int {
	ids := c.table.IDs()
	n := c.table.FailAll(err)

	c.mu.Lock()
	for _, buf := range c.buffers {
		buf.queue = nil
	}
	c.mu.Unlock()

	if c.shm != nil {
		for _, id := range ids {
			c.shm.FreeForInvocation(id)
		}
	}
	if n > 0 {
		c.log.Warn().Err(err).Int("failed", n).Msg("failed in-flight invocations")
	}
	return n
}

// Dispose shuts the channel down. A worker that handles termination is
// asked to stop and given the grace period before it is killed. Invocations
// still in flight fail with a closed error. Only the first call does work.
func (c *Channel) Dispose() error {
	c.disposeOnce.Do(func() {
		c.disposeErr = c.dispose()
	})
	return c.disposeErr
}

func (c *Channel) dispose() error {
	var errs *multierror.Error
	c.disposing.Store(true)
	c.state.set(StateDraining)
	grace := c.cfg.TerminateGracePeriod.Duration
	c.log.Info().Dur("grace", grace).Msg("disposing worker channel")

	if err := c.terminate(grace); err != nil {
		errs = multierror.Append(errs, err)
	}

	c.router.Stop()
	c.cancel()
	c.generic.Close()

	closed := &ChannelError{Type: ErrorTypeClosed, Message: fmt.Sprintf("worker %s disposed", c.workerID)}
	c.TryFailExecutions(closed)
	c.pending.Reset(closed)
	c.initResult.Fail(closed)

	c.mu.Lock()
	for id, f := range c.statusWaiters {
		f.Fail(closed)
		delete(c.statusWaiters, id)
	}
	if c.metadata != nil {
		c.metadata.Fail(closed)
	}
	c.mu.Unlock()

	if _, err := c.streams.Remove(c.workerID); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing worker stream: %w", err))
	}
	c.loops.Wait()

	c.state.set(StateDisposed)
	c.log.Info().Msg("worker channel disposed")
	return errs.ErrorOrNil()
}

// terminate asks a worker that handles it to stop, then makes sure any
// process the channel started is gone. Without a process there is nothing
// to wait for once the message is written.
func (c *Channel) terminate(grace time.Duration) error {
	if !c.caps.Flags().HandlesTerminate || !c.streaming.Load() {
		return c.kill(grace)
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := c.sendAndWait(ctx, wire.NewTerminate(grace)); err != nil {
		c.log.Warn().Err(err).Msg("failed to send terminate, killing worker")
		return c.kill(grace)
	}
	if !c.started() || c.proc.WaitForExit(grace) {
		return nil
	}
	c.log.Warn().Dur("grace", grace).Msg("worker did not exit after terminate, killing")
	return c.kill(0)
}

func (c *Channel) started() bool {
	return c.proc != nil && c.proc.ID() != 0
}

func (c *Channel) kill(grace time.Duration) error {
	if !c.started() {
		return nil
	}
	return c.proc.Kill(grace)
}
