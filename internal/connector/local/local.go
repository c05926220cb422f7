// Package local runs commands through the local shell, blocking or in the
// background.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"time"

	"github.com/eugenetaranov/hostops/internal/connector"
)

// ErrStart is returned when the shell process cannot be spawned.
var ErrStart = errors.New("failed to start command")

// DefaultWaitDelay bounds how long Wait keeps reading output after the
// process exits or is killed.
const DefaultWaitDelay = 5 * time.Second

// Connector spawns one shell process per command.
type Connector struct {
	shell     string
	shellArgs []string
	waitDelay time.Duration
}

// Option configures the local connector.
type Option func(*Connector)

// WithShell replaces the default shell and its command flag.
func WithShell(shell string, args ...string) Option {
	return func(c *Connector) {
		c.shell = shell
		c.shellArgs = args
	}
}

// WithWaitDelay overrides DefaultWaitDelay.
func WithWaitDelay(d time.Duration) Option {
	return func(c *Connector) {
		c.waitDelay = d
	}
}

// New returns a connector using /bin/sh -c, or cmd /C on Windows.
func New(opts ...Option) *Connector {
	c := &Connector{waitDelay: DefaultWaitDelay}

	switch runtime.GOOS {
	case "windows":
		c.shell = "cmd"
		c.shellArgs = []string{"/C"}
	default:
		c.shell = "/bin/sh"
		c.shellArgs = []string{"-c"}
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect only rejects platforms that cannot spawn processes.
func (c *Connector) Connect(ctx context.Context) error {
	switch runtime.GOOS {
	case "js", "wasip1":
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	default:
		return nil
	}
}

// StartOptions configures a single spawned command.
type StartOptions struct {
	// Timeout kills the process when exceeded. Zero means no timeout.
	Timeout time.Duration

	// Echo receives output lines as they are produced.
	Echo io.Writer
}

// Start spawns cmd through the shell and returns without waiting.
// The returned process is reaped in the background; call Wait to collect it.
func (c *Connector) Start(ctx context.Context, cmd string, opts StartOptions) (*Process, error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	args := append(append([]string{}, c.shellArgs...), cmd)
	execCmd := exec.CommandContext(runCtx, c.shell, args...)
	execCmd.WaitDelay = c.waitDelay

	stdout, stderr := connector.NewCapturePair(opts.Echo)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	started := time.Now()
	if err := execCmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrStart, err)
	}

	p := &Process{
		cmd:    execCmd,
		ctx:    runCtx,
		cancel: cancel,
		stdout: stdout,
		stderr: stderr,

		started: started,
		done:    make(chan struct{}),
	}
	go p.reap()

	return p, nil
}

// Execute runs a command locally and waits for it.
func (c *Connector) Execute(ctx context.Context, cmd string, echo io.Writer) (*connector.Result, error) {
	p, err := c.Start(ctx, cmd, StartOptions{Echo: echo})
	if err != nil {
		return nil, err
	}
	return p.Wait()
}

// Close is a no-op for local connections.
func (c *Connector) Close() error {
	return nil
}

// String returns local://user@hostname.
func (c *Connector) String() string {
	u, err := user.Current()
	if err != nil {
		return "local"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return fmt.Sprintf("local://%s@%s", u.Username, hostname)
}

var _ connector.Connector = (*Connector)(nil)
