// Package capability tracks what a worker advertises and derives the flags
// that gate optional protocol behavior.
package capability

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Well-known capability names.
const (
	SharedMemoryDataTransfer       = "SharedMemoryDataTransfer"
	HandlesInvocationCancelMessage = "HandlesInvocationCancelMessage"
	SupportsLoadResponseCollection = "SupportsLoadResponseCollection"
	HTTPURI                        = "HttpUri"
	WorkerStatus                   = "WorkerStatus"
	HandlesWorkerWarmupMessage     = "HandlesWorkerWarmupMessage"
	HandlesWorkerTerminateMessage  = "HandlesWorkerTerminateMessage"
	EnableUserCodeException        = "EnableUserCodeException"
	WorkerOpenTelemetryEnabled     = "WorkerOpenTelemetryEnabled"
)

// Host capabilities sent in the init request.
const (
	MultiStream       = "MultiStream"
	FunctionDataCache = "FunctionDataCache"
	V2Compatible      = "V2Compatable"
)

// SharedMemoryEnvSetting is the environment setting that must be enabled
// (true or 1) before shared memory transfer is used, whatever the worker says.
const SharedMemoryEnvSetting = "WORKERCHAN_SHARED_MEMORY_DATA_TRANSFER_ENABLED"

// Strategy selects how an update combines with existing capabilities.
type Strategy int

const (
	// Merge overlays the update; unrelated existing keys survive.
	Merge Strategy = iota
	// Replace discards all existing entries before applying the update.
	Replace
)

func (s Strategy) String() string {
	switch s {
	case Merge:
		return "merge"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Flags are the gating booleans derived from the capability map.
type Flags struct {
	SharedMemoryTransfer    bool
	HandlesInvocationCancel bool
	LoadResponseCollection  bool
	WorkerStatus            bool
	HandlesWarmup           bool
	HandlesTerminate        bool
	UserCodeException       bool
	OpenTelemetry           bool
	// HTTPProxyEndpoint is non-nil when the worker serves HTTP triggers itself.
	HTTPProxyEndpoint *url.URL
}

// IsHTTPProxying reports whether the worker advertised a proxy endpoint.
func (f Flags) IsHTTPProxying() bool {
	return f.HTTPProxyEndpoint != nil
}

type snapshot struct {
	values map[string]string
	flags  Flags
}

// Set is a worker's capability map. Readers always see a complete
// snapshot; writers build the next snapshot and publish it atomically.
type Set struct {
	mu     sync.Mutex // serializes writers
	getenv func(string) string
	cur    atomic.Pointer[snapshot]
}

// NewSet creates an empty capability set. getenv resolves environment
// settings that gate some flags; nil means every setting is unset.
func NewSet(getenv func(string) string) *Set {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	s := &Set{getenv: getenv}
	s.cur.Store(&snapshot{values: map[string]string{}})
	return s
}

// Apply updates the set and recomputes the flags. The returned error
// reports a malformed HttpUri capability; the update is still published
// with no proxy endpoint.
func (s *Set) Apply(fields map[string]string, strategy Strategy) (Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cur.Load()
	next := make(map[string]string, len(prev.values)+len(fields))
	if strategy == Merge {
		for k, v := range prev.values {
			next[k] = v
		}
	}
	for k, v := range fields {
		next[k] = v
	}

	flags, err := deriveFlags(next, s.getenv)
	s.cur.Store(&snapshot{values: next, flags: flags})
	return flags, err
}

// State returns the state of a capability, or "" when it is not advertised.
func (s *Set) State(name string) string {
	return s.cur.Load().values[name]
}

// Has reports whether a capability is advertised with a non-empty state.
func (s *Set) Has(name string) bool {
	return s.State(name) != ""
}

// Flags returns the flags derived from the current snapshot.
func (s *Set) Flags() Flags {
	return s.cur.Load().flags
}

// Snapshot returns a copy of the current capability map.
func (s *Set) Snapshot() map[string]string {
	values := s.cur.Load().values
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func deriveFlags(values map[string]string, getenv func(string) string) (Flags, error) {
	flags := Flags{
		SharedMemoryTransfer:    values[SharedMemoryDataTransfer] != "" && envEnabled(getenv(SharedMemoryEnvSetting)),
		HandlesInvocationCancel: values[HandlesInvocationCancelMessage] != "",
		LoadResponseCollection:  values[SupportsLoadResponseCollection] != "",
		WorkerStatus:            values[WorkerStatus] != "",
		HandlesWarmup:           values[HandlesWorkerWarmupMessage] != "",
		HandlesTerminate:        values[HandlesWorkerTerminateMessage] != "",
		UserCodeException:       strings.EqualFold(values[EnableUserCodeException], "true"),
		OpenTelemetry:           strings.EqualFold(values[WorkerOpenTelemetryEnabled], "true"),
	}

	raw := values[HTTPURI]
	if raw == "" {
		return flags, nil
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return flags, fmt.Errorf("invalid %s capability %q: %w", HTTPURI, raw, err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return flags, fmt.Errorf("invalid %s capability %q: absolute URL required", HTTPURI, raw)
	}
	flags.HTTPProxyEndpoint = endpoint
	return flags, nil
}

// envEnabled accepts the strconv.ParseBool spellings, which include 1 and 0.
func envEnabled(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}
