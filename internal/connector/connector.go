// Package connector defines the interface for executing commands on target systems.
package connector

import (
	"context"
	"errors"
	"io"
)

// ExitCodeUnknown marks a command that has not completed.
const ExitCodeUnknown = -1

// Result holds the output from command execution.
type Result struct {
	Stdout   []string
	Stderr   []string
	ExitCode int

	// PID is set only for local processes.
	PID int
}

// Connector is the interface for connecting to and executing commands on targets.
type Connector interface {
	// Connect establishes a connection to the target.
	Connect(ctx context.Context) error

	// Execute runs a command on the target and returns the result.
	// Output lines are copied to echo as they arrive when echo is not nil.
	// A non-zero exit code is reported in the result, not as an error.
	Execute(ctx context.Context, cmd string, echo io.Writer) (*Result, error)

	// Close terminates the connection.
	Close() error

	// String returns a human-readable description of the connection.
	String() string
}

// ErrTimeout is returned alongside a partial result when a command does
// not finish within its deadline.
var ErrTimeout = errors.New("command timed out")
