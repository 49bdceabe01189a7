package workerchan

import (
	"errors"
	"fmt"

	"github.com/machinefabric/workerchan-go/pending"
	"github.com/machinefabric/workerchan-go/wire"
)

// ChannelError represents errors raised by the channel itself
type ChannelError struct {
	Type    ErrorType
	Message string
	Err     error
}

type ErrorType int

const (
	ErrorTypeTimeout ErrorType = iota
	ErrorTypeNotReady
	ErrorTypeClosed
	ErrorTypeCanceled
	ErrorTypeTransport
	ErrorTypeFunctionLoad
	ErrorTypeMetadata
	ErrorTypeInit
	ErrorTypeProtocol
)

// Sentinels for errors.Is checks by type.
var (
	ErrTimeout      = &ChannelError{Type: ErrorTypeTimeout}
	ErrNotReady     = &ChannelError{Type: ErrorTypeNotReady}
	ErrClosed       = &ChannelError{Type: ErrorTypeClosed}
	ErrCanceled     = &ChannelError{Type: ErrorTypeCanceled}
	ErrTransport    = &ChannelError{Type: ErrorTypeTransport}
	ErrFunctionLoad = &ChannelError{Type: ErrorTypeFunctionLoad}
	ErrMetadata     = &ChannelError{Type: ErrorTypeMetadata}
	ErrInit         = &ChannelError{Type: ErrorTypeInit}
	ErrProtocol     = &ChannelError{Type: ErrorTypeProtocol}
)

func (e *ChannelError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	switch e.Type {
	case ErrorTypeTimeout:
		return fmt.Sprintf("Timed out: %s", msg)
	case ErrorTypeNotReady:
		return fmt.Sprintf("Channel not ready: %s", msg)
	case ErrorTypeClosed:
		if msg == "" {
			return "Channel is closed"
		}
		return fmt.Sprintf("Channel is closed: %s", msg)
	case ErrorTypeCanceled:
		return fmt.Sprintf("Canceled: %s", msg)
	case ErrorTypeTransport:
		return fmt.Sprintf("Transport error: %s", msg)
	case ErrorTypeFunctionLoad:
		return fmt.Sprintf("Function load failed: %s", msg)
	case ErrorTypeMetadata:
		return fmt.Sprintf("Function metadata failed: %s", msg)
	case ErrorTypeInit:
		return fmt.Sprintf("Worker initialization failed: %s", msg)
	case ErrorTypeProtocol:
		return fmt.Sprintf("Protocol error: %s", msg)
	default:
		return fmt.Sprintf("Unknown error: %s", msg)
	}
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Is matches a bare sentinel of the same type.
func (e *ChannelError) Is(target error) bool {
	t, ok := target.(*ChannelError)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Message == "" && t.Err == nil
}

// WorkerError is a failure reported by the worker in a response.
type WorkerError struct {
	Message    string
	StackTrace string
	Source     string
	Type       string
	// UserCode is set when the worker attributes the failure to function code.
	UserCode bool
}

func (e *WorkerError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("Worker reported failure in %s: %s", e.Source, e.Message)
	}
	return fmt.Sprintf("Worker reported failure: %s", e.Message)
}

// workerError converts a failed result. The user-code flag is only honored
// when the worker advertised that it sets it.
func workerError(r *wire.Result, userCodeEnabled bool) *WorkerError {
	if r == nil {
		return &WorkerError{Message: "no result"}
	}
	if r.Exception == nil {
		msg := "unspecified failure"
		if r.Status == wire.StatusCancelled {
			msg = "cancelled by worker"
		}
		return &WorkerError{Message: msg}
	}
	return &WorkerError{
		Message:    r.Exception.Message,
		StackTrace: r.Exception.StackTrace,
		Source:     r.Exception.Source,
		Type:       r.Exception.Type,
		UserCode:   userCodeEnabled && r.Exception.IsUserException,
	}
}

// timeoutError wraps a pending-callback timeout.
func timeoutError(what string, err error) error {
	var te *pending.TimeoutError
	if errors.As(err, &te) {
		return &ChannelError{Type: ErrorTypeTimeout, Message: what, Err: err}
	}
	return err
}

// IsTimeout reports whether err is a channel or pending timeout.
func IsTimeout(err error) bool {
	var te *pending.TimeoutError
	return errors.Is(err, ErrTimeout) || errors.As(err, &te)
}
