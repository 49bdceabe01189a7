package workerchan

import (
	"github.com/rs/zerolog"
)

// Option customizes a Channel.
type Option func(*Channel)

// WithLogger sets the channel's base logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Channel) { c.baseLog = log }
}

// WithRuntime names the worker runtime, used in logs and events.
func WithRuntime(runtime string) Option {
	return func(c *Channel) { c.runtime = runtime }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(c *Channel) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithEventSink sets the supervisor receiving worker error events.
func WithEventSink(s EventSink) Option {
	return func(c *Channel) {
		if s != nil {
			c.events = s
		}
	}
}

// WithSharedMemory enables shared memory transfer through m, subject to
// the worker's capabilities.
func WithSharedMemory(m SharedMemoryManager) Option {
	return func(c *Channel) { c.shm = m }
}

// WithHTTPProxy sets the forwarder used when the worker serves HTTP itself.
func WithHTTPProxy(p HTTPProxy) Option {
	return func(c *Channel) { c.proxy = p }
}

// WithEnvironment sets the environment consulted for capability gates.
func WithEnvironment(env Environment) Option {
	return func(c *Channel) {
		if env != nil {
			c.env = env
		}
	}
}

// WithAppDirectory sets the application directory sent to the worker.
func WithAppDirectory(dir string) Option {
	return func(c *Channel) { c.appDirectory = dir }
}

// WithWorkerDirectory sets the worker directory sent to the worker.
func WithWorkerDirectory(dir string) Option {
	return func(c *Channel) { c.workerDirectory = dir }
}
