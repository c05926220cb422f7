package host

import (
	"errors"
	"fmt"
)

var (
	// ErrNilIdentity is returned when Run is given no identity.
	ErrNilIdentity = errors.New("host identity is nil")

	// ErrNotPingable is the cause of a ConnectivityError raised by a failed ping gate.
	ErrNotPingable = errors.New("host did not answer ping")

	// ErrNotStarted is the cause reported by a background command that never
	// ran because an earlier command of its batch failed to start or was killed.
	ErrNotStarted = errors.New("command not started")
)

// InvalidHostnameError reports a syntactically malformed host. It is never retried.
type InvalidHostnameError struct {
	Host   string
	Reason string
}

func (e *InvalidHostnameError) Error() string {
	return fmt.Sprintf("invalid hostname %q: %s", e.Host, e.Reason)
}

// ResolutionError reports a failed DNS lookup.
type ResolutionError struct {
	Host      string
	Temporary bool
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Op names the step that failed in a ConnectivityError.
type Op string

const (
	OpPing Op = "ping"
	OpSSH  Op = "ssh"
)

// ConnectivityError reports a host that could not be reached.
type ConnectivityError struct {
	Host string
	Op   Op
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// CommandExecutionError reports an I/O or protocol failure while running
// a command, as opposed to a command that ran and exited non-zero.
type CommandExecutionError struct {
	Host    string
	Command string
	Index   int
	Err     error
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("run %q on %s (command %d): %v", e.Command, e.Host, e.Index, e.Err)
}

func (e *CommandExecutionError) Unwrap() error { return e.Err }

// ExitCodeError is returned when exit code verification is on and a
// command exited non-zero. Results holds every command of the batch.
type ExitCodeError struct {
	Host     string
	Index    int
	Command  string
	ExitCode int
	Results  Results
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("command %d %q on %s exited with code %d", e.Index, e.Command, e.Host, e.ExitCode)
}
