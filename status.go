package workerchan

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/machinefabric/workerchan-go/pending"
	"github.com/machinefabric/workerchan-go/wire"
)

// WorkerStatus is a point-in-time view of the worker.
type WorkerStatus struct {
	IsReady bool
	State   State
	// Latency is the round trip of this status probe, zero when the
	// worker does not answer status requests.
	Latency        time.Duration
	LatencyHistory []time.Duration
	Capabilities   map[string]string
}

// GetStatus reports the channel's readiness and, when the worker supports
// it, the latency of a status round trip.
func (c *Channel) GetStatus(ctx context.Context) (WorkerStatus, error) {
	status := WorkerStatus{
		IsReady:      c.IsReady(),
		State:        c.State(),
		Capabilities: c.caps.Snapshot(),
	}
	if !c.caps.Flags().WorkerStatus {
		status.LatencyHistory = c.LatencyHistory()
		return status, nil
	}

	latency, err := c.probeStatus(ctx)
	status.Latency = latency
	status.LatencyHistory = c.LatencyHistory()
	return status, err
}

func (c *Channel) probeStatus(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout.Duration)
	defer cancel()
	done := c.metrics.Latency("status")

	id := uuid.NewString()
	f := pending.NewFuture[*wire.Message]()
	c.mu.Lock()
	c.statusWaiters[id] = f
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.statusWaiters, id)
		c.mu.Unlock()
	}()

	start := time.Now()
	if err := c.sendAsync(ctx, wire.NewStatusRequest(id)); err != nil {
		return 0, err
	}
	if _, err := f.Wait(ctx); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, &ChannelError{Type: ErrorTypeTimeout, Message: "waiting for worker status", Err: err}
		}
		return 0, err
	}
	latency := time.Since(start)
	done()
	c.recordLatency(latency)
	return latency, nil
}

func (c *Channel) resolveStatus(msg *wire.Message) {
	c.mu.Lock()
	f, ok := c.statusWaiters[msg.RequestID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("request_id", msg.RequestID).Msg("status response with no waiting request")
		return
	}
	f.Succeed(msg)
}

func (c *Channel) recordLatency(d time.Duration) {
	size := c.cfg.DynamicConcurrency.HistorySize
	if size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies = append(c.latencies, d)
	if len(c.latencies) > size {
		c.latencies = append(c.latencies[:0:0], c.latencies[len(c.latencies)-size:]...)
	}
}

// LatencyHistory returns the most recent status latencies, oldest first.
func (c *Channel) LatencyHistory() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.latencies...)
}

// startLatencySampling probes the worker on an interval until the channel
// closes.
func (c *Channel) startLatencySampling() {
	if !c.caps.Flags().WorkerStatus {
		c.log.Debug().Msg("worker does not report status, latency sampling disabled")
		return
	}
	interval := c.cfg.DynamicConcurrency.CheckInterval.Duration
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.probeStatus(c.ctx); err != nil && c.ctx.Err() == nil {
					c.log.Warn().Err(err).Msg("worker status probe failed")
				}
			}
		}
	}()
}
