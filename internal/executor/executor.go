// Package executor runs an inventory of hosts one after another.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/eugenetaranov/hostops/internal/host"
	"github.com/eugenetaranov/hostops/internal/inventory"
	"github.com/eugenetaranov/hostops/internal/output"
)

// Executor runs inventories.
type Executor struct {
	// Output handles formatted output.
	Output *output.Output

	// Runner executes each host's batch.
	Runner *host.Runner

	// Logger receives structured events.
	Logger *zap.Logger

	// Credentials are the base credentials merged under inventory values.
	Credentials host.Credentials

	// HostOptions are passed to host.Resolve for every host.
	HostOptions []host.Option

	// RunOptions are passed to Runner.Run for every host.
	RunOptions []host.RunOption

	// RequireReachable checks each remote host before running its batch.
	RequireReachable bool
}

// New creates a new executor writing to stdout.
func New(runner *host.Runner) *Executor {
	return &Executor{
		Output: output.New(os.Stdout),
		Runner: runner,
		Logger: zap.NewNop(),
	}
}

// Status is the outcome of one host.
type Status string

const (
	StatusOK          Status = "ok"
	StatusFailed      Status = "failed"
	StatusUnreachable Status = "unreachable"
)

// HostResult holds the outcome of one inventory host.
type HostResult struct {
	Name    string
	Status  Status
	Results host.Results
	Err     error
}

// RunResult holds the result of an inventory run.
type RunResult struct {
	// Success is true if every host finished ok.
	Success bool

	Hosts []HostResult

	// Stats holds execution statistics.
	Stats *Stats
}

// Results returns the results of every host in order.
func (r *RunResult) Results() host.Results {
	var all host.Results
	for _, h := range r.Hosts {
		all = append(all, h.Results...)
	}
	return all
}

// Stats holds execution statistics.
type Stats struct {
	Hosts       int
	OK          int
	Failed      int
	Unreachable int
	Commands    int
	StartTime   time.Time
	EndTime     time.Time
}

// Duration returns the total execution time.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// GetOK returns the OK count (implements output.Stats).
func (s *Stats) GetOK() int { return s.OK }

// GetFailed returns the Failed count (implements output.Stats).
func (s *Stats) GetFailed() int { return s.Failed }

// GetUnreachable returns the Unreachable count (implements output.Stats).
func (s *Stats) GetUnreachable() int { return s.Unreachable }

// GetCommands returns the number of commands run (implements output.Stats).
func (s *Stats) GetCommands() int { return s.Commands }

// GetDuration returns the duration (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Duration() }

// Run executes the inventory host by host. A failing host does not stop the
// run; only ctx ending does, in which case the partial result and ctx's
// error are returned.
func (e *Executor) Run(ctx context.Context, inv *inventory.Inventory) (*RunResult, error) {
	stats := &Stats{
		StartTime: time.Now(),
		Hosts:     len(inv.Hosts),
	}
	result := &RunResult{Success: true, Stats: stats}

	e.Output.InventoryStart(inv.Path)

	var err error
	for _, h := range inv.Hosts {
		if err = ctx.Err(); err != nil {
			break
		}

		hr := e.runHost(ctx, inv, h)
		result.Hosts = append(result.Hosts, hr)
		stats.Commands += len(hr.Results)

		switch hr.Status {
		case StatusOK:
			stats.OK++
		case StatusUnreachable:
			stats.Unreachable++
			result.Success = false
		default:
			stats.Failed++
			result.Success = false
		}
	}

	stats.EndTime = time.Now()
	e.Output.Recap(stats)
	if err != nil {
		result.Success = false
	}
	return result, err
}

func (e *Executor) runHost(ctx context.Context, inv *inventory.Inventory, h *inventory.Host) HostResult {
	e.Output.HostStart(h.Name)
	logger := e.Logger.With(zap.String("host", h.Name))
	hr := HostResult{Name: h.Name}

	opts := append([]host.Option{
		host.WithLogger(e.Logger),
		host.WithRunner(e.Runner),
		host.WithCredentials(inv.CredentialsFor(h, e.Credentials)),
	}, e.HostOptions...)

	id, err := host.Resolve(ctx, h.Name, opts...)
	if err != nil {
		return e.fail(hr, err, logger)
	}

	if e.RequireReachable && !id.IsLocal() {
		ok, err := id.IsReachable(ctx)
		if err == nil && !ok {
			err = &host.ConnectivityError{Host: id.Hostname(), Op: host.OpSSH, Err: errors.New("host is not reachable")}
		}
		if err != nil {
			return e.fail(hr, err, logger)
		}
	}

	runOpts := e.RunOptions
	if inv.VerifyExitCode {
		runOpts = append(append([]host.RunOption{}, runOpts...), host.WithVerifyExitCode(true))
	}

	hr.Results, err = e.Runner.Run(ctx, id, inv.CommandsFor(h), runOpts...)
	for _, res := range hr.Results {
		e.Output.CommandResult(res)
	}
	if err != nil {
		return e.fail(hr, err, logger)
	}

	// a host is ok only when every command exited 0, verified or not
	if idx, failed := hr.Results.FirstFailure(); failed != nil {
		var err error = &host.ExitCodeError{
			Host:     id.Hostname(),
			Index:    idx,
			Command:  failed.Command,
			ExitCode: failed.ExitCode,
			Results:  hr.Results,
		}
		if !failed.Completed() {
			err = fmt.Errorf("command %d %q on %s timed out", idx, failed.Command, id.Hostname())
		}
		return e.fail(hr, err, logger)
	}

	hr.Status = StatusOK
	return hr
}

func (e *Executor) fail(hr HostResult, err error, logger *zap.Logger) HostResult {
	hr.Err = err
	hr.Status = StatusFailed

	var cerr *host.ConnectivityError
	var rerr *host.ResolutionError
	if errors.As(err, &cerr) || errors.As(err, &rerr) {
		hr.Status = StatusUnreachable
	}

	logger.Error("host failed", zap.String("status", string(hr.Status)), zap.Error(err))
	e.Output.HostFailed(hr.Name, string(hr.Status), err)
	return hr
}
