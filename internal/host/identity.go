// Package host resolves targets into identities and runs commands on them,
// locally through a shell or remotely over SSH.
//
// An Identity is owned by one caller at a time and does no locking.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenetaranov/hostops/pkg/facts"
)

const maxHostnameLength = 255

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,63}$`)

// Family is the address family of a resolved address.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	default:
		return "unknown"
	}
}

// ProbeResult is the tri-state outcome of a ping or reachability probe.
type ProbeResult int

const (
	ProbeUnknown ProbeResult = iota
	ProbePassed
	ProbeFailed
)

func (p ProbeResult) String() string {
	switch p {
	case ProbePassed:
		return "passed"
	case ProbeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the position of an identity in its probe lifecycle.
type State int

const (
	StateLocal State = iota
	StateRemoteUnprobed
	StateRemotePingChecked
	StateReachable
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateLocal:
		return "local"
	case StateRemoteUnprobed:
		return "remote-unprobed"
	case StateRemotePingChecked:
		return "remote-ping-checked"
	case StateReachable:
		return "reachable"
	case StateUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Credentials authenticate remote execution. They are unused for local hosts.
type Credentials struct {
	Username       string `yaml:"user" mapstructure:"user"`
	Password       string `yaml:"password" mapstructure:"password"`
	PrivateKeyPath string `yaml:"key_path" mapstructure:"key_path"`
	Passphrase     string `yaml:"passphrase" mapstructure:"passphrase"`
	Port           int    `yaml:"port" mapstructure:"port"`
}

// Resolver is the DNS interface used by Resolve. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Identity is a validated, resolved and classified target.
type Identity struct {
	raw           string
	hostname      string
	canonicalName string
	addr          netip.Addr
	local         bool
	creds         Credentials
	os            facts.OS

	pingable  ProbeResult
	reachable ProbeResult

	logger       *zap.Logger
	pinger       Pinger
	runner       *Runner
	reachability ReachabilityPolicy
	pingAttempts int
	pingDelay    time.Duration
	sleep        func(context.Context, time.Duration) error
}

// Resolve validates raw, resolves it to an address and classifies it.
// Malformed input fails with *InvalidHostnameError and lookup failures
// with *ResolutionError. Local identities get OS facts; remote ones are
// probed right away when eager probing is configured.
func Resolve(ctx context.Context, raw string, opts ...Option) (*Identity, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	id := &Identity{
		raw:          raw,
		creds:        o.credentials,
		logger:       o.logger,
		pinger:       o.pinger,
		runner:       o.runner,
		reachability: o.reachability,
		pingAttempts: o.pingAttempts,
		pingDelay:    o.pingDelay,
		sleep:        o.sleep,
	}
	if id.runner == nil {
		id.runner = NewRunner(WithRunnerLogger(o.logger))
	}

	if err := id.resolve(ctx, o); err != nil {
		return nil, err
	}

	id.logger.Debug("host resolved",
		zap.String(fieldHost, id.Hostname()),
		zap.String(fieldAddress, id.Address()),
		zap.Stringer("family", id.Family()),
		zap.Bool("local", id.local))

	if id.local {
		id.os = o.facts(ctx)
		return id, nil
	}

	if o.probe == ProbeEager {
		id.IsPingable(ctx)
		if _, err := id.IsReachable(ctx); err != nil {
			return nil, err
		}
	}

	return id, nil
}

func (id *Identity) resolve(ctx context.Context, o options) error {
	raw := id.raw

	if len(raw) > maxHostnameLength {
		return id.invalid("longer than 255 characters")
	}

	if addr, ok := parseIPLiteral(raw); ok {
		id.hostname = raw
		id.setAddr(addr)
		if o.reverseLookup {
			id.reverse(ctx, o.resolver)
		}
		return nil
	}

	name, reason := validateHostname(raw)
	if reason != "" {
		return id.invalid(reason)
	}
	id.hostname = name

	if strings.EqualFold(name, "localhost") {
		id.setAddr(netip.AddrFrom4([4]byte{127, 0, 0, 1}))
		return nil
	}

	var answers []net.IPAddr
	policy := o.dnsRetry.
		WithRetryable(isTemporaryDNSError).
		WithNotify(func(err error, wait time.Duration) {
			id.logger.Warn("dns lookup failed, retrying",
				zap.String(fieldHost, name),
				zap.Duration("wait", wait),
				zap.Error(err))
		})
	err := policy.Do(ctx, func() error {
		var err error
		answers, err = o.resolver.LookupIPAddr(ctx, name)
		return err
	})
	if err == nil && len(answers) == 0 {
		err = errors.New("no addresses found")
	}
	if err != nil {
		rerr := &ResolutionError{Host: name, Temporary: isTemporaryDNSError(err), Err: err}
		id.logger.Error("host resolution failed",
			zap.String(fieldHost, name),
			zap.Bool("temporary", rerr.Temporary),
			zap.Error(err))
		return rerr
	}

	addr, ok := pickAddress(answers)
	if !ok {
		rerr := &ResolutionError{Host: name, Err: fmt.Errorf("unusable addresses %v", answers)}
		id.logger.Error("host resolution failed", zap.String(fieldHost, name), zap.Error(rerr.Err))
		return rerr
	}
	id.setAddr(addr)

	if o.reverseLookup {
		id.reverse(ctx, o.resolver)
	}
	return nil
}

func (id *Identity) setAddr(addr netip.Addr) {
	id.addr = addr
	id.local = addr.Unmap().IsLoopback()
}

func (id *Identity) reverse(ctx context.Context, resolver Resolver) {
	names, err := resolver.LookupAddr(ctx, id.addr.String())
	if err != nil || len(names) == 0 {
		id.logger.Debug("reverse lookup returned nothing",
			zap.String(fieldAddress, id.addr.String()),
			zap.Error(err))
		return
	}
	id.canonicalName = strings.TrimSuffix(names[0], ".")
}

func (id *Identity) invalid(reason string) error {
	err := &InvalidHostnameError{Host: id.raw, Reason: reason}
	id.logger.Error("invalid hostname", zap.String(fieldHost, id.raw), zap.String("reason", reason))
	return err
}

// parseIPLiteral accepts IPv4 and IPv6 literals, with or without brackets.
func parseIPLiteral(raw string) (netip.Addr, bool) {
	s := raw
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// ValidateHostname checks raw the way Resolve does, without any lookup.
// IP literals are accepted.
func ValidateHostname(raw string) error {
	if len(raw) > maxHostnameLength {
		return &InvalidHostnameError{Host: raw, Reason: "longer than 255 characters"}
	}
	if _, ok := parseIPLiteral(raw); ok {
		return nil
	}
	if _, reason := validateHostname(raw); reason != "" {
		return &InvalidHostnameError{Host: raw, Reason: reason}
	}
	return nil
}

// validateHostname returns the name without its trailing dot, or a reason
// the name is malformed.
func validateHostname(raw string) (string, string) {
	name := strings.TrimSuffix(raw, ".")
	if name == "" {
		return "", "empty hostname"
	}

	for _, label := range strings.Split(name, ".") {
		switch {
		case !labelPattern.MatchString(label):
			return "", fmt.Sprintf("label %q must be 1-63 letters, digits or hyphens", label)
		case strings.HasPrefix(label, "-"), strings.HasSuffix(label, "-"):
			return "", fmt.Sprintf("label %q must not start or end with a hyphen", label)
		}
	}
	return name, ""
}

// pickAddress prefers the first IPv4 answer.
func pickAddress(answers []net.IPAddr) (netip.Addr, bool) {
	var fallback netip.Addr
	for _, a := range answers {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() {
			return addr, true
		}
		if !fallback.IsValid() {
			fallback = addr.WithZone(a.Zone)
		}
	}
	return fallback, fallback.IsValid()
}

func isTemporaryDNSError(err error) bool {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return false
	}
	if dnsErr.IsNotFound {
		return false
	}
	return dnsErr.IsTemporary || dnsErr.IsTimeout
}

// Raw returns the host text as supplied.
func (id *Identity) Raw() string { return id.raw }

// Hostname returns the reverse-resolved name when known, else the validated input.
func (id *Identity) Hostname() string {
	if id.canonicalName != "" {
		return id.canonicalName
	}
	return id.hostname
}

// CanonicalName returns the reverse DNS name, empty unless reverse lookup ran.
func (id *Identity) CanonicalName() string { return id.canonicalName }

// Address returns the resolved address in canonical text form.
func (id *Identity) Address() string { return id.addr.String() }

// Addr returns the resolved address.
func (id *Identity) Addr() netip.Addr { return id.addr }

// Family returns the address family of the resolved address.
func (id *Identity) Family() Family {
	switch {
	case !id.addr.IsValid():
		return FamilyUnknown
	case id.addr.Is4():
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}

// IsLocal reports whether the target is this machine.
func (id *Identity) IsLocal() bool { return id.local }

// Credentials returns the credentials used for remote execution.
func (id *Identity) Credentials() Credentials { return id.creds }

// OS returns operating system facts. It is the zero value for remote hosts.
func (id *Identity) OS() facts.OS { return id.os }

// Pingable returns the last ping probe outcome.
func (id *Identity) Pingable() ProbeResult { return id.pingable }

// Reachable returns the last reachability probe outcome.
func (id *Identity) Reachable() ProbeResult { return id.reachable }

// State returns the current lifecycle state.
func (id *Identity) State() State {
	switch {
	case id.local:
		return StateLocal
	case id.reachable == ProbePassed:
		return StateReachable
	case id.reachable == ProbeFailed:
		return StateUnreachable
	case id.pingable != ProbeUnknown:
		return StateRemotePingChecked
	default:
		return StateRemoteUnprobed
	}
}

func (id *Identity) String() string {
	if id.Hostname() == id.Address() {
		return id.Address()
	}
	return fmt.Sprintf("%s (%s)", id.Hostname(), id.Address())
}
