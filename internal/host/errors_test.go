package host

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "invalid hostname",
			err:  &InvalidHostnameError{Host: "-bad", Reason: "empty hostname"},
			want: `invalid hostname "-bad": empty hostname`,
		},
		{
			name: "resolution",
			err:  &ResolutionError{Host: "web-1", Err: errors.New("no such host")},
			want: "resolve web-1: no such host",
		},
		{
			name: "connectivity",
			err:  &ConnectivityError{Host: "web-1", Op: OpPing, Err: ErrNotPingable},
			want: "ping web-1: host did not answer ping",
		},
		{
			name: "command execution",
			err:  &CommandExecutionError{Host: "web-1", Command: "uptime", Index: 2, Err: errors.New("broken pipe")},
			want: `run "uptime" on web-1 (command 2): broken pipe`,
		},
		{
			name: "exit code",
			err:  &ExitCodeError{Host: "web-1", Index: 1, Command: "false", ExitCode: 1},
			want: `command 1 "false" on web-1 exited with code 1`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorsUnwrapToCause(t *testing.T) {
	cause := context.DeadlineExceeded

	var conn *ConnectivityError
	wrapped := error(&CommandExecutionError{Host: "db", Err: &ConnectivityError{Host: "db", Op: OpSSH, Err: cause}})
	assert.ErrorIs(t, wrapped, cause)
	assert.ErrorAs(t, wrapped, &conn)
	assert.Equal(t, OpSSH, conn.Op)

	assert.ErrorIs(t, &ResolutionError{Host: "db", Err: cause}, cause)
	assert.ErrorIs(t, &ConnectivityError{Host: "db", Op: OpPing, Err: ErrNotPingable}, ErrNotPingable)
}
