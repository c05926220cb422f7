// Package output renders hosts, command results and run summaries for the terminal.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/eugenetaranov/hostops/internal/host"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Stats holds execution statistics for output.
type Stats interface {
	GetOK() int
	GetFailed() int
	GetUnreachable() int
	GetCommands() int
	GetDuration() time.Duration
}

// Output handles formatted output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// Writer returns the destination writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// InventoryStart prints the inventory banner.
func (o *Output) InventoryStart(path string) {
	if path == "" {
		path = "(command line)"
	}
	o.printf("\n%s %s\n", o.color(colorBold, "INVENTORY"), path)
	if o.debug {
		o.printf("%s\n", strings.Repeat("-", 60))
	}
}

// HostStart prints the host banner.
func (o *Output) HostStart(name string) {
	o.printf("\n%s %s\n", o.color(colorBold, "HOST"), name)
}

// HostFailed prints a host that could not be run.
func (o *Output) HostFailed(name, status string, err error) {
	o.printf("  %s %s %s\n", o.color(colorRed, "✗"), name, o.color(colorRed, status))
	if err != nil {
		o.printf("    %s %v\n", o.color(colorGray, "→"), err)
	}
}

// CommandResult prints one result on a single line. Debug mode adds the
// captured output.
func (o *Output) CommandResult(res host.ExecutionResult) {
	var indicator, statusColor, status string
	switch {
	case !res.Completed() && res.Handle() != nil && res.PID == 0:
		indicator, statusColor, status = "○", colorGray, "queued"
	case !res.Completed() && res.Handle() != nil:
		indicator, statusColor, status = "○", colorCyan, fmt.Sprintf("started pid=%d", res.PID)
	case !res.Completed():
		indicator, statusColor, status = "✗", colorRed, "timed out"
	case res.Succeeded():
		indicator, statusColor, status = "✓", colorGreen, "rc=0"
	default:
		indicator, statusColor, status = "✗", colorRed, fmt.Sprintf("rc=%d", res.ExitCode)
	}

	o.printf("  %s %s %s %s\n",
		o.color(statusColor, indicator),
		res.Command,
		o.color(statusColor, status),
		o.color(colorGray, fmt.Sprintf("(%.2fs)", res.DurationSeconds())))

	if o.debug {
		o.lines("stdout:", res.Stdout)
		o.lines("stderr:", res.Stderr)
	}
}

func (o *Output) lines(label string, lines []string) {
	if len(lines) == 0 {
		return
	}
	o.printf("      %s\n", o.color(colorGray, label))
	for _, line := range lines {
		o.printf("        %s\n", line)
	}
}

// Results prints the full rendering of each result, separated by blank lines.
func (o *Output) Results(rs host.Results) {
	for i, r := range rs {
		if i > 0 {
			o.printf("\n")
		}
		o.printf("%s", r.String())
	}
}

// Identity prints what is known about a resolved host.
func (o *Output) Identity(id *host.Identity) {
	o.printf("%s %s\n", o.color(colorBold, "HOST"), id.Hostname())
	o.field("address", id.Address())
	o.field("family", id.Family().String())
	o.field("local", fmt.Sprintf("%t", id.IsLocal()))
	o.field("state", id.State().String())
	if name := id.CanonicalName(); name != "" {
		o.field("canonical", name)
	}
	if sys := id.OS(); sys.System != "" {
		o.field("os", strings.TrimSpace(sys.System+" "+sys.Distribution+" "+sys.Version))
		o.field("family_os", sys.Family)
		o.field("arch", sys.Arch)
		o.field("kernel", sys.Kernel)
	}
}

func (o *Output) field(key, value string) {
	if value == "" {
		return
	}
	o.printf("  %s %s\n", o.color(colorGray, key+":"), value)
}

// Recap prints the run summary.
func (o *Output) Recap(stats Stats) {
	o.printf("\n%s ", o.color(colorBold, "RECAP"))

	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", stats.GetOK()))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", stats.GetFailed()))
	unreachable := o.color(colorYellow, fmt.Sprintf("unreachable=%d", stats.GetUnreachable()))
	commands := o.color(colorCyan, fmt.Sprintf("commands=%d", stats.GetCommands()))

	o.printf("%s %s %s %s", ok, failed, unreachable, commands)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}
