package host

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenetaranov/hostops/internal/retry"
	"github.com/eugenetaranov/hostops/pkg/facts"
)

// Log field names shared by the package.
const (
	fieldHost     = "host"
	fieldAddress  = "address"
	fieldCommand  = "command"
	fieldIndex    = "index"
	fieldExitCode = "exit_code"
	fieldBatch    = "batch_id"
	fieldAttempt  = "attempt"
	fieldDuration = "duration"
)

// Defaults for probing.
const (
	DefaultPingAttempts     = 3
	DefaultPingDelay        = 2 * time.Second
	DefaultReachTimeout     = 5 * time.Second
	DefaultDNSRetryAttempts = 3
	DefaultDNSRetryDelay    = time.Second
)

// ProbeMode selects whether remote identities are probed during Resolve.
type ProbeMode int

const (
	// ProbeLazy resolves only; callers probe explicitly.
	ProbeLazy ProbeMode = iota
	// ProbeEager pings and checks reachability during Resolve.
	ProbeEager
)

func (m ProbeMode) String() string {
	if m == ProbeEager {
		return "eager"
	}
	return "lazy"
}

// ParseProbeMode parses "lazy" or "eager". Empty means lazy.
func ParseProbeMode(s string) (ProbeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lazy":
		return ProbeLazy, nil
	case "eager":
		return ProbeEager, nil
	default:
		return ProbeLazy, fmt.Errorf("unknown probe mode %q (want lazy or eager)", s)
	}
}

// ReachabilityPolicy selects how a failed reachability check is reported.
type ReachabilityPolicy int

const (
	// ReachabilityProbe reports an unreachable host as false.
	ReachabilityProbe ReachabilityPolicy = iota
	// ReachabilityPrecondition reports an unreachable host as a *ConnectivityError.
	ReachabilityPrecondition
)

func (p ReachabilityPolicy) String() string {
	if p == ReachabilityPrecondition {
		return "precondition"
	}
	return "probe"
}

// ParseReachabilityPolicy parses "probe" or "precondition". Empty means probe.
func ParseReachabilityPolicy(s string) (ReachabilityPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "probe":
		return ReachabilityProbe, nil
	case "precondition":
		return ReachabilityPrecondition, nil
	default:
		return ReachabilityProbe, fmt.Errorf("unknown reachability policy %q (want probe or precondition)", s)
	}
}

type options struct {
	logger        *zap.Logger
	credentials   Credentials
	resolver      Resolver
	reverseLookup bool
	dnsRetry      retry.Policy
	probe         ProbeMode
	reachability  ReachabilityPolicy
	pinger        Pinger
	pingAttempts  int
	pingDelay     time.Duration
	sleep         func(context.Context, time.Duration) error
	runner        *Runner
	facts         func(context.Context) facts.OS
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		resolver:     net.DefaultResolver,
		dnsRetry:     retry.Fixed(DefaultDNSRetryAttempts, DefaultDNSRetryDelay),
		pinger:       NewCommandPinger(),
		pingAttempts: DefaultPingAttempts,
		pingDelay:    DefaultPingDelay,
		sleep:        sleepContext,
		facts:        facts.Local,
	}
}

// Option configures Resolve.
type Option func(*options)

// WithLogger sets the logger used by the identity and its probes.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCredentials sets the credentials for remote execution.
func WithCredentials(c Credentials) Option {
	return func(o *options) { o.credentials = c }
}

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithReverseLookup makes Resolve look up a display name for the address.
func WithReverseLookup(enabled bool) Option {
	return func(o *options) { o.reverseLookup = enabled }
}

// WithDNSRetry sets the policy for temporary DNS failures.
func WithDNSRetry(p retry.Policy) Option {
	return func(o *options) { o.dnsRetry = p }
}

// WithProbing selects eager or lazy probing.
func WithProbing(m ProbeMode) Option {
	return func(o *options) { o.probe = m }
}

// WithReachabilityPolicy selects how IsReachable reports failure.
func WithReachabilityPolicy(p ReachabilityPolicy) Option {
	return func(o *options) { o.reachability = p }
}

// WithPinger replaces the ping implementation.
func WithPinger(p Pinger) Option {
	return func(o *options) { o.pinger = p }
}

// WithPingDefaults sets the attempts and delay IsPingable uses by default.
func WithPingDefaults(attempts int, delay time.Duration) Option {
	return func(o *options) {
		o.pingAttempts = attempts
		o.pingDelay = delay
	}
}

// WithRunner sets the runner used by IsReachable.
func WithRunner(r *Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithFacts replaces the local OS facts source.
func WithFacts(fn func(context.Context) facts.OS) Option {
	return func(o *options) { o.facts = fn }
}

func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
