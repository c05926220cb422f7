package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/eugenetaranov/hostops/internal/connector"
	"github.com/eugenetaranov/hostops/internal/connector/local"
)

// Handle is a local command dispatched without waiting. Commands of one
// batch run one after another in the background; a Handle whose
// predecessor is still running is queued and has no PID yet. The caller
// owns collecting it with Wait.
type Handle struct {
	base       ExecutionResult
	index      int
	logger     *zap.Logger
	logResults bool
	next       *Handle

	done chan struct{}

	mu       sync.Mutex
	process  *local.Process
	startErr error
	killed   bool

	once   sync.Once
	result ExecutionResult
	err    error
}

func newHandle(base ExecutionResult, index int, logger *zap.Logger, logResults bool) *Handle {
	return &Handle{
		base:       base,
		index:      index,
		logger:     logger,
		logResults: logResults,
		done:       make(chan struct{}),
	}
}

// PID returns the process id, or 0 while the command is queued.
func (h *Handle) PID() int {
	if p := h.proc(); p != nil {
		return p.PID()
	}
	return 0
}

// Done is closed once the command has exited or will never run.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the command finishes or ctx ends and returns the
// completed result. When ctx ends first the command keeps running, the
// partial result and ctx's error are returned, and Wait may be called again.
func (h *Handle) Wait(ctx context.Context) (ExecutionResult, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		partial := h.base
		partial.PID = h.PID()
		return partial, ctx.Err()
	}

	h.once.Do(h.collect)
	return h.result, h.err
}

func (h *Handle) collect() {
	res := h.base
	res.handle = nil

	h.mu.Lock()
	p, startErr := h.process, h.startErr
	h.mu.Unlock()

	if p == nil {
		h.err = &CommandExecutionError{Host: res.Hostname, Command: res.Command, Index: h.index, Err: startErr}
		h.result = res
		return
	}

	out, err := p.Wait()
	res.PID = p.PID()
	res.StartEpoch = p.Started().Unix()
	res.Duration = p.Runtime()
	res.Stdout = out.Stdout
	res.Stderr = out.Stderr
	res.ExitCode = out.ExitCode

	switch {
	case err == nil:
	case errors.Is(err, connector.ErrTimeout):
		h.logger.Error("command timed out")
	default:
		h.logger.Error("command execution failed", zap.Error(err))
		h.err = &CommandExecutionError{Host: res.Hostname, Command: res.Command, Index: h.index, Err: err}
	}

	h.logger.Debug("background command finished",
		zap.Int(fieldExitCode, res.ExitCode),
		zap.Duration(fieldDuration, res.Duration))
	if h.logResults {
		h.logger.Info("execution result\n" + res.String())
	}
	h.result = res
}

// Kill stops the command and every command queued behind it.
func (h *Handle) Kill() {
	for x := h; x != nil; x = x.next {
		x.mu.Lock()
		x.killed = true
		if x.process != nil {
			x.process.Kill()
		}
		x.mu.Unlock()
	}
}

func (h *Handle) proc() *local.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.process
}

// launch spawns the command unless it was killed or cause, an earlier
// failure in the batch, is set. It returns why the command did not start.
func (h *Handle) launch(start func() (*local.Process, error), cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case cause != nil:
		h.startErr = cause
	case h.killed:
		h.startErr = fmt.Errorf("%w: killed before it started", ErrNotStarted)
	default:
		p, err := start()
		if err != nil {
			h.startErr = err
		} else {
			h.process = p
		}
	}
	return h.startErr
}

// finish waits for the running process, if any, then marks the handle done.
func (h *Handle) finish() {
	if p := h.proc(); p != nil {
		<-p.Done()
	}
	close(h.done)
}
