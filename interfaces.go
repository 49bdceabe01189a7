package workerchan

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/machinefabric/workerchan-go/wire"
)

// WorkerProcess is the lifecycle of the worker's process.
type WorkerProcess interface {
	// ID returns the process id, or 0 when not started.
	ID() int
	Start(ctx context.Context) error
	WaitForExit(timeout time.Duration) bool
	// Kill stops the process, forcibly once grace has passed.
	Kill(grace time.Duration) error
}

// SharedMemoryManager owns the segments used for large binding values.
type SharedMemoryManager interface {
	Allocate(invocationID string, data []byte) (wire.SharedMemoryRef, error)
	Read(ref wire.SharedMemoryRef) ([]byte, error)
	FreeForInvocation(invocationID string) bool
}

// MetricsSink receives fire-and-forget channel events.
type MetricsSink interface {
	Event(name, function string)
	// Latency starts timing name; calling the result records it.
	Latency(name string) func()
}

type nopMetrics struct{}

func (nopMetrics) Event(string, string)   {}
func (nopMetrics) Latency(string) func() { return func() {} }

// WorkerErrorEvent tells the channel's owner the worker is unusable.
type WorkerErrorEvent struct {
	WorkerID string
	Runtime  string
	Err      error
	Time     time.Time
}

// EventSink is the owning supervisor's inbox.
type EventSink interface {
	WorkerError(ev WorkerErrorEvent)
}

type nopEvents struct{}

func (nopEvents) WorkerError(WorkerErrorEvent) {}

// HTTPProxy forwards HTTP-triggered invocations to a worker that serves
// HTTP itself.
type HTTPProxy interface {
	StartForwarding(inv *Invocation, endpoint *url.URL)
	// EnsureForwarded waits until forwarding for inv has finished.
	EnsureForwarded(ctx context.Context, inv *Invocation) error
}

// Environment resolves environment settings that gate capabilities.
type Environment interface {
	Getenv(key string) string
}

// OSEnvironment reads the process environment.
type OSEnvironment struct{}

func (OSEnvironment) Getenv(key string) string { return os.Getenv(key) }

// EnvironmentMap is a fixed environment, handy in tests.
type EnvironmentMap map[string]string

func (m EnvironmentMap) Getenv(key string) string { return m[key] }
