package workerchan

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/workerchan-go/pending"
	"github.com/machinefabric/workerchan-go/wire"
)

// TEST730: channel errors match sentinels of their type through wrapping
func Test730_channel_error_is(t *testing.T) {
	err := fmt.Errorf("outer: %w", &ChannelError{Type: ErrorTypeClosed, Message: "worker w1 disposed"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, "outer: Channel is closed: worker w1 disposed", err.Error())

	nested := &ChannelError{Type: ErrorTypeFunctionLoad, Err: &ChannelError{Type: ErrorTypeTimeout, Message: "load"}}
	assert.ErrorIs(t, nested, ErrFunctionLoad)
	assert.ErrorIs(t, nested, ErrTimeout)
	assert.Equal(t, "Function load failed: Timed out: load", nested.Error())
}

// TEST731: pending timeouts are recognised however they are wrapped
func Test731_is_timeout(t *testing.T) {
	te := &pending.TimeoutError{Kind: wire.KindWarmupResponse, Timeout: time.Second}
	wrapped := timeoutError("waiting for warmup", te)
	assert.ErrorIs(t, wrapped, ErrTimeout)
	assert.True(t, IsTimeout(wrapped))
	assert.True(t, IsTimeout(te))

	other := errors.New("closed")
	assert.Same(t, other, timeoutError("waiting", other))
	assert.False(t, IsTimeout(other))
}

// TEST732: worker results convert to worker errors
func Test732_worker_error(t *testing.T) {
	werr := workerError(&wire.Result{Status: wire.StatusFailure, Exception: &wire.Exception{
		Message:         "boom",
		Source:          "index.js",
		IsUserException: true,
	}}, false)
	assert.Equal(t, "Worker reported failure in index.js: boom", werr.Error())
	assert.False(t, werr.UserCode)

	assert.Equal(t, "cancelled by worker", workerError(&wire.Result{Status: wire.StatusCancelled}, true).Message)
	assert.Equal(t, "no result", workerError(nil, true).Message)
}

// TEST733: state flags print and gate readiness
func Test733_state(t *testing.T) {
	assert.Equal(t, "Default", State(0).String())
	s := StateInitializing | StateInitialized
	assert.Equal(t, "Initializing|Initialized", s.String())
	assert.False(t, s.Ready())

	s |= StateInvocationBuffersInitialized
	assert.True(t, s.Ready())
	assert.False(t, (s | StateDraining).Ready())
	assert.False(t, (s | StateDisposed).Ready())

	var flags stateFlags
	require.True(t, flags.set(StateInitializing))
	assert.False(t, flags.set(StateInitializing), "setting a flag twice reports no change")
	assert.True(t, flags.set(StateInitializing|StateDraining))
	assert.Equal(t, StateInitializing|StateDraining, flags.load())
}
