package dispatch

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/machinefabric/workerchan-go/invocation"
	"github.com/machinefabric/workerchan-go/wire"
)

// Target says where the router delivered a message.
type Target int

const (
	TargetDropped Target = iota
	TargetInvocation
	TargetGeneric
)

func (t Target) String() string {
	switch t {
	case TargetInvocation:
		return "invocation"
	case TargetGeneric:
		return "generic"
	default:
		return "dropped"
	}
}

// Router picks a delivery target for each inbound message.
type Router struct {
	table   *invocation.Table
	generic Processor
	log     zerolog.Logger
	stopped atomic.Bool
}

// NewRouter creates a router over the invocation table and generic processor.
func NewRouter(table *invocation.Table, generic Processor, log zerolog.Logger) *Router {
	return &Router{table: table, generic: generic, log: log}
}

// Route delivers msg. Invocation logs and invocation responses go straight
// to the invocation's own dispatcher when it is in flight; everything else
// goes to the generic processor.
func (r *Router) Route(msg *wire.Message) Target {
	if r.stopped.Load() {
		r.log.Debug().Stringer("kind", msg.Kind).Msg("router stopped, dropping message")
		return TargetDropped
	}

	if id := invocationTarget(msg); id != "" {
		if entry, ok := r.table.Lookup(id); ok {
			entry.Dispatcher.Dispatch(msg)
			return TargetInvocation
		}
	}

	if err := r.generic.Submit(msg); err != nil {
		r.log.Debug().Err(err).Stringer("kind", msg.Kind).Msg("generic processor refused message")
		return TargetDropped
	}
	return TargetGeneric
}

// Stop makes every later Route call a no-op.
func (r *Router) Stop() {
	r.stopped.Store(true)
}

// invocationTarget returns the invocation id for messages that belong to an
// invocation's private dispatcher.
func invocationTarget(msg *wire.Message) string {
	switch msg.Kind {
	case wire.KindLog:
		if msg.Log == nil {
			return ""
		}
		if msg.Log.Category != wire.LogCategoryUser && msg.Log.Category != wire.LogCategoryCustomMetric {
			return ""
		}
		return msg.Log.InvocationID
	case wire.KindInvocationResponse:
		return msg.InvocationID()
	}
	return ""
}
