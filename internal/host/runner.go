package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eugenetaranov/hostops/internal/connector"
	"github.com/eugenetaranov/hostops/internal/connector/local"
	sshconn "github.com/eugenetaranov/hostops/internal/connector/ssh"
	"github.com/eugenetaranov/hostops/internal/retry"
	"github.com/eugenetaranov/hostops/pkg/facts"
)

// Defaults for batch execution.
const (
	DefaultBatchRetryAttempts = 2
	DefaultBatchRetryDelay    = 2 * time.Second
)

// Dialer builds an unconnected connector for a remote identity.
type Dialer func(id *Identity, connectTimeout time.Duration) connector.Connector

// Runner executes command batches against identities. A Runner holds no
// per-batch state and may be shared; each Run owns its own connection.
type Runner struct {
	logger        *zap.Logger
	console       io.Writer
	retry         retry.Policy
	local         *local.Connector
	localOpts     []local.Option
	dial          Dialer
	hostKeyPolicy sshconn.HostKeyPolicy
	knownHosts    string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConsole sets where streamed output is echoed. Defaults to stdout.
func WithConsole(w io.Writer) RunnerOption {
	return func(r *Runner) { r.console = w }
}

// WithBatchRetry sets the retry policy applied to connection and dispatch failures.
func WithBatchRetry(p retry.Policy) RunnerOption {
	return func(r *Runner) { r.retry = p }
}

// WithHostKeyPolicy sets how SSH host keys are verified.
func WithHostKeyPolicy(p sshconn.HostKeyPolicy) RunnerOption {
	return func(r *Runner) { r.hostKeyPolicy = p }
}

// WithKnownHostsPath points the strict and trust-on-first-use policies at
// path when they were built without one.
func WithKnownHostsPath(path string) RunnerOption {
	return func(r *Runner) { r.knownHosts = path }
}

// WithShell sets the shell used for local commands, e.g. ("/bin/bash", "-c").
// It has no effect when WithLocalConnector is also given.
func WithShell(shell string, args ...string) RunnerOption {
	return func(r *Runner) { r.localOpts = append(r.localOpts, local.WithShell(shell, args...)) }
}

// WithLocalConnector replaces the local connector.
func WithLocalConnector(c *local.Connector) RunnerOption {
	return func(r *Runner) { r.local = c }
}

// WithDialer replaces how remote connectors are built.
func WithDialer(d Dialer) RunnerOption {
	return func(r *Runner) { r.dial = d }
}

// NewRunner creates a Runner. Host keys are checked strictly against
// ~/.ssh/known_hosts unless another policy is given.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:        zap.NewNop(),
		console:       os.Stdout,
		retry:         retry.Fixed(DefaultBatchRetryAttempts, DefaultBatchRetryDelay),
		hostKeyPolicy: sshconn.StrictKnownHosts{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.local == nil {
		r.local = local.New(r.localOpts...)
	}
	if r.knownHosts != "" {
		switch p := r.hostKeyPolicy.(type) {
		case sshconn.StrictKnownHosts:
			if p.Path == "" {
				r.hostKeyPolicy = sshconn.StrictKnownHosts{Path: r.knownHosts}
			}
		case sshconn.TrustOnFirstUse:
			if p.Path == "" {
				r.hostKeyPolicy = sshconn.TrustOnFirstUse{Path: r.knownHosts}
			}
		}
	}
	if r.dial == nil {
		r.dial = r.dialSSH
	}
	return r
}

func (r *Runner) dialSSH(id *Identity, connectTimeout time.Duration) connector.Connector {
	creds := id.Credentials()
	return sshconn.New(sshconn.Config{
		Host:           id.Address(),
		Port:           creds.Port,
		User:           creds.Username,
		Password:       creds.Password,
		KeyPath:        creds.PrivateKeyPath,
		Passphrase:     creds.Passphrase,
		HostKeyPolicy:  r.hostKeyPolicy,
		ConnectTimeout: connectTimeout,
		Logger:         r.logger,
	})
}

// RunOption adjusts a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	blocking          bool
	timeout           time.Duration
	sshConnectTimeout time.Duration
	verifyExitCode    bool
	stream            bool
	logResults        bool
	retry             *retry.Policy
}

// WithBlocking controls whether local commands are waited for. Remote
// commands are always waited for.
func WithBlocking(blocking bool) RunOption {
	return func(o *runOptions) { o.blocking = blocking }
}

// WithTimeout bounds each command. Zero means no timeout.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// WithSSHConnectTimeout bounds connection establishment. Zero means no timeout.
func WithSSHConnectTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.sshConnectTimeout = d }
}

// WithVerifyExitCode turns a non-zero exit code into an *ExitCodeError.
func WithVerifyExitCode(verify bool) RunOption {
	return func(o *runOptions) { o.verifyExitCode = verify }
}

// WithConsoleStream echoes output lines to the console as they arrive.
func WithConsoleStream(stream bool) RunOption {
	return func(o *runOptions) { o.stream = stream }
}

// WithResultLogging logs a rendering of each result after its command.
func WithResultLogging(enabled bool) RunOption {
	return func(o *runOptions) { o.logResults = enabled }
}

// WithRetry overrides the runner's batch retry policy for one Run.
func WithRetry(p retry.Policy) RunOption {
	return func(o *runOptions) { o.retry = &p }
}

// Run executes commands in order on id and returns one result per command.
//
// Local commands run through the platform shell; remote commands share one
// SSH connection that is closed before Run returns. Connection and dispatch
// failures are retried under the batch policy as long as no command has
// completed. A broken transport stops the batch with a
// *CommandExecutionError. With exit code verification on, every command
// still runs and the first non-zero exit is reported as an *ExitCodeError.
func (r *Runner) Run(ctx context.Context, id *Identity, commands []string, opts ...RunOption) (Results, error) {
	if id == nil {
		r.logger.Error("run called without a host identity")
		return nil, ErrNilIdentity
	}

	o := runOptions{blocking: true}
	for _, opt := range opts {
		opt(&o)
	}

	logger := r.logger.With(
		zap.String(fieldHost, id.Hostname()),
		zap.String(fieldAddress, id.Address()),
		zap.String(fieldBatch, uuid.NewString()))

	if len(commands) == 0 {
		return Results{}, nil
	}
	logger.Debug("running batch", zap.Int("commands", len(commands)), zap.Bool("local", id.IsLocal()))

	if id.IsLocal() && !o.blocking {
		return r.start(ctx, id, commands, o, logger)
	}

	policy := r.retry
	if o.retry != nil {
		policy = *o.retry
	}
	policy = policy.
		WithRetryable(isRetryableBatchError).
		WithNotify(func(err error, wait time.Duration) {
			logger.Warn("batch failed before any command completed, retrying",
				zap.Duration("wait", wait),
				zap.Error(err))
		})

	var results Results
	err := policy.Do(ctx, func() error {
		var err error
		results, err = r.runBatch(ctx, id, commands, o, logger)
		if err != nil && len(results) > 0 {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return results, err
	}

	if o.verifyExitCode {
		if idx, failed := results.FirstFailure(); failed != nil {
			err := &ExitCodeError{
				Host:     id.Hostname(),
				Index:    idx,
				Command:  failed.Command,
				ExitCode: failed.ExitCode,
				Results:  results,
			}
			logger.Error("command exited with non-zero code",
				zap.Int(fieldIndex, idx),
				zap.String(fieldCommand, failed.Command),
				zap.Int(fieldExitCode, failed.ExitCode))
			return results, err
		}
	}

	return results, nil
}

func isRetryableBatchError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var cerr *ConnectivityError
	if errors.As(err, &cerr) {
		return sshconn.IsTransient(cerr.Err)
	}
	var eerr *CommandExecutionError
	return errors.As(err, &eerr)
}

func (r *Runner) runBatch(ctx context.Context, id *Identity, commands []string, o runOptions, logger *zap.Logger) (Results, error) {
	conn, err := r.open(ctx, id, o, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("failed to close connection", zap.Stringer("connection", conn), zap.Error(err))
		}
	}()

	results := make(Results, 0, len(commands))
	for i, cmd := range commands {
		res, err := r.execute(ctx, conn, id, i, cmd, o, logger)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) open(ctx context.Context, id *Identity, o runOptions, logger *zap.Logger) (connector.Connector, error) {
	var conn connector.Connector
	if id.IsLocal() {
		conn = r.local
	} else {
		conn = r.dial(id, o.sshConnectTimeout)
	}

	if err := conn.Connect(ctx); err != nil {
		if id.IsLocal() {
			logger.Error("local execution unavailable", zap.Error(err))
			return nil, &CommandExecutionError{Host: id.Hostname(), Index: 0, Err: err}
		}
		logger.Error("connection failed", zap.Stringer("connection", conn), zap.Error(err))
		return nil, &ConnectivityError{Host: id.Hostname(), Op: OpSSH, Err: err}
	}
	logger.Debug("connected", zap.Stringer("connection", conn))
	return conn, nil
}

func (r *Runner) execute(ctx context.Context, conn connector.Connector, id *Identity, index int, cmd string, o runOptions, logger *zap.Logger) (ExecutionResult, error) {
	res := ExecutionResult{
		Hostname: id.Hostname(),
		Address:  id.Address(),
		Command:  cmd,
		ExitCode: ExitCodeUnknown,
	}
	cmdLogger := logger.With(zap.Int(fieldIndex, index), zap.String(fieldCommand, cmd))

	cmdCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.timeout > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	defer cancel()

	var echo io.Writer
	if o.stream {
		echo = r.console
	}

	start := time.Now()
	res.StartEpoch = start.Unix()
	out, err := conn.Execute(cmdCtx, cmd, echo)
	res.Duration = time.Since(start)
	if out != nil {
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
		res.ExitCode = out.ExitCode
		res.PID = out.PID
	}

	switch {
	case err == nil:
	case errors.Is(err, connector.ErrTimeout) && ctx.Err() == nil:
		cmdLogger.Error("command timed out", zap.Duration("timeout", o.timeout))
	default:
		cmdLogger.Error("command execution failed", zap.Error(err))
		return res, &CommandExecutionError{Host: id.Hostname(), Command: cmd, Index: index, Err: err}
	}

	cmdLogger.Debug("command finished",
		zap.Int(fieldExitCode, res.ExitCode),
		zap.Duration(fieldDuration, res.Duration))
	if o.logResults {
		cmdLogger.Info("execution result\n" + res.String())
	}
	return res, nil
}

// start dispatches the first command and returns without waiting. The
// remaining commands run one at a time in the background, each after the
// previous one exits. Every result carries a Handle for collecting it.
func (r *Runner) start(ctx context.Context, id *Identity, commands []string, o runOptions, logger *zap.Logger) (Results, error) {
	if err := r.local.Connect(ctx); err != nil {
		logger.Error("local execution unavailable", zap.Error(err))
		return nil, &CommandExecutionError{Host: id.Hostname(), Err: err}
	}

	var echo io.Writer
	if o.stream {
		echo = r.console
	}
	// the processes outlive this call, so they must not die with ctx
	runCtx := context.WithoutCancel(ctx)
	spawn := func(cmd string) func() (*local.Process, error) {
		return func() (*local.Process, error) {
			return r.local.Start(runCtx, cmd, local.StartOptions{Timeout: o.timeout, Echo: echo})
		}
	}

	results := make(Results, len(commands))
	handles := make([]*Handle, len(commands))
	for i, cmd := range commands {
		results[i] = ExecutionResult{
			Hostname: id.Hostname(),
			Address:  id.Address(),
			Command:  cmd,
			ExitCode: ExitCodeUnknown,
		}
		handles[i] = newHandle(results[i], i,
			logger.With(zap.Int(fieldIndex, i), zap.String(fieldCommand, cmd)), o.logResults)
		if i > 0 {
			handles[i-1].next = handles[i]
		}
	}

	first := handles[0]
	if err := first.launch(spawn(commands[0]), nil); err != nil {
		first.logger.Error("command dispatch failed", zap.Error(err))
		return Results{}, &CommandExecutionError{Host: id.Hostname(), Command: commands[0], Index: 0, Err: err}
	}
	p := first.proc()
	results[0].PID = p.PID()
	results[0].StartEpoch = p.Started().Unix()
	first.logger.Debug("command dispatched", zap.Int("pid", results[0].PID))

	for i := range results {
		results[i].handle = handles[i]
	}

	go func() {
		first.finish()
		var cause error
		for i, h := range handles[1:] {
			err := h.launch(spawn(h.base.Command), cause)
			switch {
			case err == nil:
				h.logger.Debug("command dispatched", zap.Int("pid", h.PID()))
			case errors.Is(err, ErrNotStarted):
			default:
				h.logger.Error("command dispatch failed", zap.Error(err))
				cause = fmt.Errorf("%w: command %d failed to start", ErrNotStarted, i+1)
			}
			h.finish()
		}
	}()

	return results, nil
}

// Gather collects OS facts from id, from this process for local hosts
// and through a shell over SSH for remote ones.
func (r *Runner) Gather(ctx context.Context, id *Identity, opts ...RunOption) (facts.OS, error) {
	if id == nil {
		return facts.OS{}, ErrNilIdentity
	}
	if id.IsLocal() {
		return facts.Local(ctx), nil
	}

	o := runOptions{blocking: true}
	for _, opt := range opts {
		opt(&o)
	}
	logger := r.logger.With(zap.String(fieldHost, id.Hostname()))

	conn, err := r.open(ctx, id, o, logger)
	if err != nil {
		return facts.OS{}, err
	}
	defer conn.Close()

	info, err := facts.Gather(ctx, conn)
	if err != nil {
		logger.Error("failed to gather facts", zap.Error(err))
		return info, &CommandExecutionError{Host: id.Hostname(), Command: "uname -s", Err: err}
	}
	return info, nil
}
