package host

import (
	"fmt"
	"strings"
	"time"

	"github.com/eugenetaranov/hostops/internal/connector"
)

// ExitCodeUnknown marks a result whose command has not completed.
const ExitCodeUnknown = connector.ExitCodeUnknown

// ExecutionResult is the outcome of one command.
type ExecutionResult struct {
	Hostname   string        `yaml:"hostname"`
	Address    string        `yaml:"address"`
	Command    string        `yaml:"command"`
	ExitCode   int           `yaml:"exit_code"`
	StartEpoch int64         `yaml:"start_epoch"`
	Duration   time.Duration `yaml:"duration"`
	PID        int           `yaml:"pid,omitempty"`
	Stdout     []string      `yaml:"stdout"`
	Stderr     []string      `yaml:"stderr"`

	handle *Handle
}

// Succeeded reports whether the command exited with code 0.
func (r ExecutionResult) Succeeded() bool {
	return r.ExitCode == 0
}

// Completed reports whether the exit code is known.
func (r ExecutionResult) Completed() bool {
	return r.ExitCode != ExitCodeUnknown
}

// DurationSeconds returns the wall-clock duration in seconds.
func (r ExecutionResult) DurationSeconds() float64 {
	return r.Duration.Seconds()
}

// Handle returns the live process of a background command, or nil.
func (r ExecutionResult) Handle() *Handle {
	return r.handle
}

func (r ExecutionResult) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "CMD: %s\n", r.Command)
	fmt.Fprintf(&b, "RC: %d\n", r.ExitCode)
	fmt.Fprintf(&b, "EPOCH: %d\n", r.StartEpoch)
	if r.PID > 0 {
		fmt.Fprintf(&b, "PID: %d\n", r.PID)
	} else {
		b.WriteString("PID: -\n")
	}
	if r.Address != "" && r.Address != r.Hostname {
		fmt.Fprintf(&b, "HOST: %s (%s)\n", r.Hostname, r.Address)
	} else {
		fmt.Fprintf(&b, "HOST: %s\n", r.Hostname)
	}
	fmt.Fprintf(&b, "RUNTIME: %.3fs\n", r.DurationSeconds())
	b.WriteString("STDOUT:\n")
	for _, line := range r.Stdout {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("STDERR:\n")
	for _, line := range r.Stderr {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	return b.String()
}

// Results is the ordered outcome of a batch.
type Results []ExecutionResult

// Succeeded reports whether every command exited with code 0.
func (rs Results) Succeeded() bool {
	_, failed := rs.FirstFailure()
	return failed == nil
}

// FirstFailure returns the first result that did not succeed and its
// index, or -1 and nil.
func (rs Results) FirstFailure() (int, *ExecutionResult) {
	for i := range rs {
		if !rs[i].Succeeded() {
			return i, &rs[i]
		}
	}
	return -1, nil
}
