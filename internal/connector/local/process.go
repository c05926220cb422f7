package local

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/eugenetaranov/hostops/internal/connector"
)

// Process is a running local command.
type Process struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	stdout *connector.Capture
	stderr *connector.Capture

	started time.Time

	done   chan struct{}
	exited time.Time
	result *connector.Result
	err    error
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits. It may be called any number of
// times and always returns the same result.
func (p *Process) Wait() (*connector.Result, error) {
	<-p.done
	return p.result, p.err
}

// WaitContext is Wait bounded by ctx. The process keeps running when ctx
// ends first.
func (p *Process) WaitContext(ctx context.Context) (*connector.Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Runtime returns the wall-clock time from spawn to exit. It is zero
// until the process has been reaped.
func (p *Process) Runtime() time.Duration {
	select {
	case <-p.done:
		return p.exited.Sub(p.started)
	default:
		return 0
	}
}

// Started returns when the process was spawned.
func (p *Process) Started() time.Time {
	return p.started
}

// Kill stops the process.
func (p *Process) Kill() {
	p.cancel()
}

func (p *Process) reap() {
	defer close(p.done)

	err := p.cmd.Wait()
	p.exited = time.Now()
	// read before cancel, which would otherwise always report Canceled
	ctxErr := p.ctx.Err()
	p.cancel()

	p.stdout.Flush()
	p.stderr.Flush()

	res := &connector.Result{
		Stdout:   p.stdout.Lines(),
		Stderr:   p.stderr.Lines(),
		ExitCode: connector.ExitCodeUnknown,
		PID:      p.PID(),
	}

	var exitErr *exec.ExitError
	switch {
	case err != nil && ctxErr != nil:
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			p.err = connector.ErrTimeout
		} else {
			p.err = fmt.Errorf("command interrupted: %w", ctxErr)
		}
	case err == nil, errors.As(err, &exitErr), errors.Is(err, exec.ErrWaitDelay):
		if p.cmd.ProcessState != nil {
			res.ExitCode = p.cmd.ProcessState.ExitCode()
		}
	default:
		p.err = fmt.Errorf("failed to wait for command: %w", err)
	}

	p.result = res
}
