package host

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/eugenetaranov/hostops/internal/connector"
	"github.com/eugenetaranov/hostops/internal/connector/local"
	"github.com/eugenetaranov/hostops/internal/retry"
)

// Pinger sends one echo request. A nil error means the host answered.
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context, addr netip.Addr) error

func (f PingerFunc) Ping(ctx context.Context, addr netip.Addr) error { return f(ctx, addr) }

// CommandPinger runs the platform ping binary once per attempt.
type CommandPinger struct {
	conn    connector.Connector
	timeout time.Duration
}

// NewCommandPinger returns a pinger running ping through a local shell.
func NewCommandPinger() *CommandPinger {
	return &CommandPinger{conn: local.New(), timeout: 5 * time.Second}
}

func (p *CommandPinger) Ping(ctx context.Context, addr netip.Addr) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.conn.Execute(ctx, pingCommand(runtime.GOOS, addr), nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ping exited with code %d", res.ExitCode)
	}
	return nil
}

func pingCommand(goos string, addr netip.Addr) string {
	switch goos {
	case "windows":
		return fmt.Sprintf("ping -n 1 -w 2000 %s", addr)
	case "darwin":
		if addr.Is6() && !addr.Is4In6() {
			return fmt.Sprintf("ping6 -c 1 %s", addr)
		}
		return fmt.Sprintf("ping -c 1 -t 2 %s", addr)
	default:
		return fmt.Sprintf("ping -c 1 -W 2 %s", addr)
	}
}

// PingOption adjusts a single IsPingable call.
type PingOption func(*pingOptions)

type pingOptions struct {
	attempts int
	delay    time.Duration
}

// WithAttempts sets the number of echo requests.
func WithAttempts(n int) PingOption {
	return func(o *pingOptions) { o.attempts = n }
}

// WithAttemptDelay sets the wait between echo requests.
func WithAttemptDelay(d time.Duration) PingOption {
	return func(o *pingOptions) { o.delay = d }
}

// IsPingable pings the host up to the configured number of attempts and
// reports whether any attempt succeeded. There is no wait after the last
// attempt. A local identity is always pingable. Failure is not an error.
func (id *Identity) IsPingable(ctx context.Context, opts ...PingOption) bool {
	if id.local {
		id.pingable = ProbePassed
		return true
	}

	po := pingOptions{attempts: id.pingAttempts, delay: id.pingDelay}
	for _, opt := range opts {
		opt(&po)
	}
	if po.attempts < 1 {
		po.attempts = 1
	}

	logger := id.logger.With(zap.String(fieldHost, id.Hostname()), zap.String(fieldAddress, id.Address()))

	for attempt := 1; attempt <= po.attempts; attempt++ {
		err := id.pinger.Ping(ctx, id.addr)
		if err == nil {
			id.pingable = ProbePassed
			logger.Debug("host answered ping", zap.Int(fieldAttempt, attempt))
			return true
		}
		logger.Debug("ping attempt failed", zap.Int(fieldAttempt, attempt), zap.Error(err))

		if attempt == po.attempts {
			break
		}
		if err := id.sleep(ctx, po.delay); err != nil {
			break
		}
	}

	id.pingable = ProbeFailed
	logger.Warn("host is not pingable", zap.Int("attempts", po.attempts))
	return false
}

// RequirePingable is a gate for callers that treat an unpingable host as
// unusable: IsPingable is retried under policy and exhaustion yields a
// *ConnectivityError.
func (id *Identity) RequirePingable(ctx context.Context, policy retry.Policy) error {
	err := policy.Do(ctx, func() error {
		if id.IsPingable(ctx) {
			return nil
		}
		return ErrNotPingable
	})
	if err == nil {
		return nil
	}

	cerr := &ConnectivityError{Host: id.Hostname(), Op: OpPing, Err: err}
	id.logger.Error("host failed ping gate",
		zap.String(fieldHost, id.Hostname()),
		zap.String(fieldAddress, id.Address()),
		zap.Error(err))
	return cerr
}

// IsReachable checks that the host answers ping and runs a trivial command.
// Under ReachabilityProbe an unreachable host yields false and a nil error;
// under ReachabilityPrecondition it yields a *ConnectivityError.
func (id *Identity) IsReachable(ctx context.Context) (bool, error) {
	if id.local {
		id.reachable = ProbePassed
		return true, nil
	}

	if id.pingable == ProbeUnknown {
		id.IsPingable(ctx)
	}
	if id.pingable != ProbePassed {
		id.reachable = ProbeFailed
		return id.unreachable(&ConnectivityError{Host: id.Hostname(), Op: OpPing, Err: ErrNotPingable})
	}

	results, err := id.runner.Run(ctx, id, []string{"echo"},
		WithTimeout(DefaultReachTimeout),
		WithSSHConnectTimeout(DefaultReachTimeout),
		WithRetry(retry.Once))
	if err == nil && results.Succeeded() {
		id.reachable = ProbePassed
		id.logger.Debug("host is reachable", zap.String(fieldHost, id.Hostname()))
		return true, nil
	}

	id.reachable = ProbeFailed

	var cerr *ConnectivityError
	if errors.As(err, &cerr) {
		return id.unreachable(cerr)
	}
	if err == nil {
		err = fmt.Errorf("echo exited with code %d", results[0].ExitCode)
	}
	return id.unreachable(&ConnectivityError{Host: id.Hostname(), Op: OpSSH, Err: err})
}

func (id *Identity) unreachable(err *ConnectivityError) (bool, error) {
	if id.reachability == ReachabilityPrecondition {
		id.logger.Error("host is unreachable",
			zap.String(fieldHost, id.Hostname()),
			zap.String("op", string(err.Op)),
			zap.Error(err.Err))
		return false, err
	}
	id.logger.Warn("host is unreachable",
		zap.String(fieldHost, id.Hostname()),
		zap.String("op", string(err.Op)),
		zap.Error(err.Err))
	return false, nil
}
