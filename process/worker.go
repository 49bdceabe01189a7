// Package process runs a worker as a child process speaking the message
// protocol over its stdin and stdout.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/machinefabric/workerchan-go/transport"
)

// closers closes every element, collecting the failures.
type closers []io.Closer

func (cs closers) Close() error {
	var result *multierror.Error
	for _, c := range cs {
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Spec describes how to launch a worker.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Worker is a worker child process. Its stdio stream is registered under
// the worker id when the Worker is created.
type Worker struct {
	workerID string
	cmd      *exec.Cmd
	stream   *transport.IOStream
	registry *transport.Registry
	log      zerolog.Logger

	stderr   io.ReadCloser
	childOut []io.Closer

	mu      sync.Mutex
	started bool
	exited  chan struct{}
	exitErr error
}

// New prepares the worker process and registers its stream.
func New(workerID string, spec Spec, registry *transport.Registry, log zerolog.Logger) (*Worker, error) {
	if spec.Path == "" {
		return nil, errors.New("worker path is required")
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// os.Pipe rather than StdoutPipe: Wait must not close the read side
	// while the stream still has frames to drain.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	w := &Worker{
		workerID: workerID,
		cmd:      cmd,
		stream:   transport.NewIOStream(stdout, stdin, closers{stdin, stdout}),
		registry: registry,
		log:      log.With().Str("worker_id", workerID).Logger(),
		stderr:   stderr,
		childOut: []io.Closer{stdoutW, stderrW},
		exited:   make(chan struct{}),
	}
	if err := registry.Register(workerID, w.stream); err != nil {
		w.closeChildEnds()
		stdout.Close()
		stderr.Close()
		stdin.Close()
		return nil, err
	}
	return w, nil
}

// Stream returns the worker's stdio stream.
func (w *Worker) Stream() *transport.IOStream {
	return w.stream
}

// Start launches the process.
func (w *Worker) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker process already started")
	}
	err := w.cmd.Start()
	// The child holds its own copies now; ours would keep the reads from seeing EOF.
	w.closeChildEnds()
	if err != nil {
		return fmt.Errorf("failed to start worker %s: %w", w.workerID, err)
	}
	w.started = true
	w.log.Info().Int("pid", w.cmd.Process.Pid).Str("path", w.cmd.Path).Msg("worker process started")

	go w.forwardStderr()
	go func() {
		err := w.cmd.Wait()
		w.mu.Lock()
		w.exitErr = err
		w.mu.Unlock()
		close(w.exited)
		ev := w.log.Info()
		if err != nil {
			ev = w.log.Warn().Err(err)
		}
		ev.Int("exit_code", w.cmd.ProcessState.ExitCode()).Msg("worker process exited")
	}()
	return nil
}

func (w *Worker) closeChildEnds() {
	for _, c := range w.childOut {
		c.Close()
	}
	w.childOut = nil
}

func (w *Worker) forwardStderr() {
	defer w.stderr.Close()
	scanner := bufio.NewScanner(w.stderr)
	for scanner.Scan() {
		w.log.Info().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// ID returns the process id, or 0 before Start.
func (w *Worker) ID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return 0
	}
	return w.cmd.Process.Pid
}

// Exited is closed once the process has exited.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// ExitErr returns the error from waiting on the process, once it exited.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// WaitForExit waits up to timeout for the process to exit.
func (w *Worker) WaitForExit(timeout time.Duration) bool {
	if !w.isStarted() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.exited:
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) isStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Kill asks the process to stop with SIGTERM, then kills it if it is still
// running after grace. The stream is removed from the registry either way.
func (w *Worker) Kill(grace time.Duration) error {
	var result *multierror.Error

	if w.isStarted() {
		select {
		case <-w.exited:
		default:
			if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				result = multierror.Append(result, fmt.Errorf("sigterm: %w", err))
			}
			if !w.WaitForExit(grace) {
				w.log.Warn().Dur("grace", grace).Msg("worker did not exit within grace period, killing")
				if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					result = multierror.Append(result, fmt.Errorf("kill: %w", err))
				}
				<-w.exited
			}
		}
	}

	if _, err := w.registry.Remove(w.workerID); err != nil {
		result = multierror.Append(result, fmt.Errorf("close stream: %w", err))
	}
	return result.ErrorOrNil()
}
