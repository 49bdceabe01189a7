package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	workerchan "github.com/machinefabric/workerchan-go"
	"github.com/machinefabric/workerchan-go/config"
	"github.com/machinefabric/workerchan-go/metrics"
	"github.com/machinefabric/workerchan-go/process"
	"github.com/machinefabric/workerchan-go/sharedmem"
	"github.com/machinefabric/workerchan-go/transport"
	"github.com/machinefabric/workerchan-go/wire"
)

// host owns one worker channel and the pieces around it.
type host struct {
	cfg     config.Config
	log     zerolog.Logger
	ch      *workerchan.Channel
	metrics *metrics.Prometheus
	server  *http.Server
	ready   bool
}

// logEvents reports worker errors on the host logger.
type logEvents struct {
	log zerolog.Logger
}

func (e logEvents) WorkerError(ev workerchan.WorkerErrorEvent) {
	e.log.Error().Err(ev.Err).Str("worker_id", ev.WorkerID).Str("runtime", ev.Runtime).Msg("worker error")
}

// startHost launches or dials the worker, completes the handshake and
// loads the configured functions.
func startHost(ctx context.Context, cfg config.Config, log zerolog.Logger, metricsAddr string) (*host, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink, err := metrics.NewPrometheus(reg)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	h := &host{cfg: cfg, log: log, metrics: sink}
	if metricsAddr != "" {
		h.serveMetrics(metricsAddr, reg)
	}

	streams := transport.NewRegistry()
	var proc workerchan.WorkerProcess
	if cfg.Worker.URL != "" {
		stream, err := transport.DialWebSocket(ctx, cfg.Worker.URL, transport.DialOptions{MaxAttempts: 10}, log)
		if err != nil {
			h.stopMetrics()
			return nil, err
		}
		if err := streams.Register(cfg.Worker.ID, stream); err != nil {
			stream.Close()
			h.stopMetrics()
			return nil, err
		}
	} else {
		w, err := process.New(cfg.Worker.ID, process.Spec{
			Path: cfg.Worker.Path,
			Args: cfg.Worker.Args,
			Env:  cfg.Worker.Env,
			Dir:  cfg.Worker.Dir,
		}, streams, log)
		if err != nil {
			h.stopMetrics()
			return nil, fmt.Errorf("preparing worker process: %w", err)
		}
		w.Stream().SetLimits(wire.Limits{MaxMessage: cfg.Channel.MaxMessage})
		proc = w
	}

	ch, err := workerchan.New(cfg.Worker.ID, cfg.Channel, streams, proc,
		workerchan.WithLogger(log),
		workerchan.WithRuntime(cfg.Worker.Runtime),
		workerchan.WithMetrics(sink),
		workerchan.WithEventSink(logEvents{log: log}),
		workerchan.WithSharedMemory(sharedmem.NewManager()),
		workerchan.WithAppDirectory(cfg.Worker.AppDirectory),
		workerchan.WithWorkerDirectory(cfg.Worker.Dir),
	)
	if err != nil {
		h.stopMetrics()
		return nil, err
	}
	h.ch = ch

	if err := ch.StartProcess(ctx); err != nil {
		h.close()
		return nil, fmt.Errorf("starting worker %s: %w", cfg.Worker.ID, err)
	}

	functions := workerchan.FunctionsFromConfig(cfg.Functions)
	if len(functions) == 0 {
		meta, err := ch.GetFunctionMetadata(ctx)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("indexing functions: %w", err)
		}
		for _, fn := range meta.Functions {
			functions = append(functions, fn.Descriptor())
		}
	}
	ch.SetupInvocationBuffers(functions)
	if err := ch.SendFunctionLoadRequests(ctx, cfg.Channel.ManagedDependencies, 0); err != nil {
		h.close()
		return nil, fmt.Errorf("loading functions: %w", err)
	}
	if err := ch.WaitFunctionsLoaded(ctx); err != nil {
		// Functions that loaded stay usable.
		log.Warn().Err(err).Msg("some functions failed to load")
	}
	if err := ch.SendWarmup(ctx); err != nil {
		log.Warn().Err(err).Msg("worker warmup failed")
	}
	sink.WorkerReady(true)
	h.ready = true
	log.Info().Int("functions", len(functions)).Msg("worker ready")
	return h, nil
}

func (h *host) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	h.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	h.log.Info().Str("addr", addr).Msg("serving metrics")
}

func (h *host) stopMetrics() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		h.log.Warn().Err(err).Msg("metrics server shutdown")
	}
}

// close drains in-flight invocations for up to the grace period, then
// disposes the channel.
func (h *host) close() error {
	if h.ready {
		h.metrics.WorkerReady(false)
		h.ready = false
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Channel.TerminateGracePeriod.Duration)
	defer cancel()
	if err := h.ch.DrainInvocations(ctx); err != nil {
		h.log.Warn().Err(err).Msg("invocations still running at shutdown")
	}
	err := h.ch.Dispose()
	h.stopMetrics()
	return err
}
