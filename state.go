package workerchan

import (
	"strings"
	"sync/atomic"
)

// State is a set of channel lifecycle flags. Flags are only ever added.
type State uint32

const (
	StateInitializing                 State = 1 << 0
	StateInitialized                  State = 1 << 1
	StateInvocationBuffersInitialized State = 1 << 2
	StateDraining                     State = 1 << 3
	StateDisposed                     State = 1 << 4
)

// Has reports whether every flag in f is set.
func (s State) Has(f State) bool {
	return s&f == f
}

// Ready reports whether invocations may be sent.
func (s State) Ready() bool {
	return s&(StateDraining|StateDisposed) == 0 &&
		s.Has(StateInitialized|StateInvocationBuffersInitialized)
}

func (s State) String() string {
	if s == 0 {
		return "Default"
	}
	var parts []string
	for _, f := range []struct {
		flag State
		name string
	}{
		{StateInitializing, "Initializing"},
		{StateInitialized, "Initialized"},
		{StateInvocationBuffersInitialized, "InvocationBuffersInitialized"},
		{StateDraining, "Draining"},
		{StateDisposed, "Disposed"},
	} {
		if s&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

type stateFlags struct {
	v atomic.Uint32
}

func (f *stateFlags) load() State {
	return State(f.v.Load())
}

// set adds flags and reports whether any of them was newly set.
func (f *stateFlags) set(flags State) bool {
	for {
		old := f.v.Load()
		next := old | uint32(flags)
		if next == old {
			return false
		}
		if f.v.CompareAndSwap(old, next) {
			return true
		}
	}
}
