package host

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eugenetaranov/hostops/internal/retry"
)

func TestResolveInvalidHostname(t *testing.T) {
	tests := []struct {
		name string
		host string
	}{
		{"too long", strings.Repeat("a", 300)},
		{"leading hyphen", "-bad-"},
		{"trailing hyphen label", "bad-.example.com"},
		{"empty label", "a..b"},
		{"empty", ""},
		{"only dot", "."},
		{"two trailing dots", "example.com.."},
		{"underscore", "under_score.example.com"},
		{"label over 63", strings.Repeat("x", 64) + ".com"},
		{"space", "exa mple.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{}
			core, logs := observer.New(zap.ErrorLevel)

			id, err := Resolve(context.Background(), tt.host, WithResolver(resolver), WithLogger(zap.New(core)))
			require.Error(t, err)
			assert.Nil(t, id)

			var invalid *InvalidHostnameError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, tt.host, invalid.Host)
			assert.Zero(t, resolver.lookups)
			assert.Equal(t, 1, logs.FilterMessage("invalid hostname").Len())
		})
	}
}

func TestResolveValidHostnames(t *testing.T) {
	long := strings.Repeat(strings.Repeat("a", 63)+".", 3) + strings.Repeat("b", 61)
	require.Len(t, long, 253)

	tests := []struct {
		name     string
		host     string
		wantName string
	}{
		{"simple", "example.com", "example.com"},
		{"trailing dot", "example.com.", "example.com"},
		{"hyphen inside", "web-01.prod", "web-01.prod"},
		{"single label", "db", "db"},
		{"max length", long, long},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{answers: map[string][]net.IPAddr{tt.wantName: ipAddrs("192.0.2.10")}}

			id, err := Resolve(context.Background(), tt.host, WithResolver(resolver))
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, id.Hostname())
			assert.Equal(t, "192.0.2.10", id.Address())
			assert.Equal(t, 1, resolver.lookups)
		})
	}
}

func TestResolveIPLiteral(t *testing.T) {
	tests := []struct {
		host       string
		wantAddr   string
		wantFamily Family
		wantLocal  bool
	}{
		{"127.0.0.1", "127.0.0.1", FamilyIPv4, true},
		{"127.0.1.1", "127.0.1.1", FamilyIPv4, true},
		{"10.0.0.5", "10.0.0.5", FamilyIPv4, false},
		{"::1", "::1", FamilyIPv6, true},
		{"[::1]", "::1", FamilyIPv6, true},
		{"2001:db8::1", "2001:db8::1", FamilyIPv6, false},
		{"fe80::1%eth0", "fe80::1%eth0", FamilyIPv6, false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			resolver := &fakeResolver{}
			pinger := &countingPinger{}

			id, err := Resolve(context.Background(), tt.host,
				WithResolver(resolver), WithPinger(pinger), WithFacts(stubFacts))
			require.NoError(t, err)

			assert.Equal(t, tt.wantAddr, id.Address())
			assert.Equal(t, tt.wantFamily, id.Family())
			assert.Equal(t, tt.wantLocal, id.IsLocal())
			assert.Zero(t, resolver.lookups)
			assert.Zero(t, pinger.calls)
		})
	}
}

func TestResolveLocalhost(t *testing.T) {
	resolver := &fakeResolver{}
	pinger := &countingPinger{}
	remote := &fakeRemote{}

	for _, host := range []string{"localhost", "LOCALHOST", "localhost."} {
		t.Run(host, func(t *testing.T) {
			id, err := Resolve(context.Background(), host,
				WithResolver(resolver),
				WithPinger(pinger),
				WithProbing(ProbeEager),
				WithRunner(NewRunner(WithDialer(remote.dial))),
				WithFacts(stubFacts))
			require.NoError(t, err)

			assert.True(t, id.IsLocal())
			assert.Equal(t, "127.0.0.1", id.Address())
			assert.Equal(t, FamilyIPv4, id.Family())
			assert.Equal(t, StateLocal, id.State())
			assert.Equal(t, "Linux", id.OS().System)
			assert.Equal(t, "12", id.OS().Version)
		})
	}

	assert.Zero(t, resolver.lookups)
	assert.Zero(t, pinger.calls)
	dials, _, _, _ := remote.snapshot()
	assert.Zero(t, dials)
}

func TestResolveRemoteHasNoOSFacts(t *testing.T) {
	id, err := Resolve(context.Background(), "192.0.2.1", WithFacts(stubFacts))
	require.NoError(t, err)
	assert.Empty(t, id.OS().System)
	assert.Equal(t, StateRemoteUnprobed, id.State())
}

func TestResolveDNS(t *testing.T) {
	tests := []struct {
		name       string
		answers    []string
		wantAddr   string
		wantFamily Family
		wantLocal  bool
	}{
		{"prefers ipv4", []string{"2001:db8::5", "192.0.2.5"}, "192.0.2.5", FamilyIPv4, false},
		{"ipv6 only", []string{"2001:db8::5"}, "2001:db8::5", FamilyIPv6, false},
		{"loopback answer is local", []string{"127.0.0.1"}, "127.0.0.1", FamilyIPv4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{answers: map[string][]net.IPAddr{"app.internal": ipAddrs(tt.answers...)}}

			id, err := Resolve(context.Background(), "app.internal", WithResolver(resolver), WithFacts(stubFacts))
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, id.Address())
			assert.Equal(t, tt.wantFamily, id.Family())
			assert.Equal(t, tt.wantLocal, id.IsLocal())
			assert.Equal(t, "app.internal", id.Raw())
		})
	}
}

func TestResolveDNSFailure(t *testing.T) {
	notFound := &net.DNSError{Err: "no such host", Name: "gone.example", IsNotFound: true}
	temporary := &net.DNSError{Err: "server misbehaving", Name: "flaky.example", IsTemporary: true}

	tests := []struct {
		name        string
		errs        []error
		answers     []string
		wantErr     bool
		wantTemp    bool
		wantLookups int
	}{
		{"not found is not retried", []error{notFound}, nil, true, false, 1},
		{"temporary is retried until exhausted", []error{temporary, temporary, temporary}, nil, true, true, 3},
		{"temporary then success", []error{temporary}, []string{"192.0.2.9"}, false, false, 2},
		{"empty answer", nil, nil, true, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{
				errs:    tt.errs,
				answers: map[string][]net.IPAddr{"svc.example": ipAddrs(tt.answers...)},
			}
			core, logs := observer.New(zap.ErrorLevel)

			id, err := Resolve(context.Background(), "svc.example",
				WithResolver(resolver),
				WithDNSRetry(retry.Fixed(3, 0)),
				WithLogger(zap.New(core)))

			assert.Equal(t, tt.wantLookups, resolver.lookups)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "192.0.2.9", id.Address())
				return
			}

			require.Error(t, err)
			assert.Nil(t, id)
			var rerr *ResolutionError
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, "svc.example", rerr.Host)
			assert.Equal(t, tt.wantTemp, rerr.Temporary)
			assert.Equal(t, 1, logs.FilterMessage("host resolution failed").Len())
		})
	}
}

func TestResolveReverseLookup(t *testing.T) {
	resolver := &fakeResolver{
		names: map[string][]string{"192.0.2.7": {"web-7.example.net."}},
	}

	id, err := Resolve(context.Background(), "192.0.2.7", WithResolver(resolver), WithReverseLookup(true))
	require.NoError(t, err)
	assert.Equal(t, "web-7.example.net", id.Hostname())
	assert.Equal(t, "web-7.example.net", id.CanonicalName())
	assert.Equal(t, "web-7.example.net (192.0.2.7)", id.String())

	// a failed reverse lookup keeps the input as the name
	id, err = Resolve(context.Background(), "192.0.2.8", WithResolver(resolver), WithReverseLookup(true))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.8", id.Hostname())
	assert.Equal(t, "192.0.2.8", id.String())
	assert.Equal(t, 2, resolver.reverses)
}

func TestResolveEagerProbing(t *testing.T) {
	t.Run("unpingable host is unreachable", func(t *testing.T) {
		pinger := &countingPinger{}
		sleeps := &sleepRecorder{}
		remote := &fakeRemote{}

		id, err := Resolve(context.Background(), "192.0.2.20",
			WithProbing(ProbeEager),
			WithPinger(pinger),
			withSleep(sleeps.sleep),
			WithRunner(NewRunner(WithDialer(remote.dial))))
		require.NoError(t, err)

		assert.Equal(t, ProbeFailed, id.Pingable())
		assert.Equal(t, ProbeFailed, id.Reachable())
		assert.Equal(t, StateUnreachable, id.State())
		assert.Equal(t, DefaultPingAttempts, pinger.calls)
		dials, _, _, _ := remote.snapshot()
		assert.Zero(t, dials)
	})

	t.Run("reachable host", func(t *testing.T) {
		remote := &fakeRemote{}

		id, err := Resolve(context.Background(), "192.0.2.21",
			WithProbing(ProbeEager),
			WithPinger(PingerFunc(func(context.Context, netip.Addr) error { return nil })),
			WithRunner(NewRunner(WithDialer(remote.dial))))
		require.NoError(t, err)

		assert.Equal(t, StateReachable, id.State())
		_, _, closes, executed := remote.snapshot()
		assert.Equal(t, []string{"echo"}, executed)
		assert.Equal(t, 1, closes)
	})

	t.Run("precondition policy fails resolve", func(t *testing.T) {
		id, err := Resolve(context.Background(), "192.0.2.22",
			WithProbing(ProbeEager),
			WithReachabilityPolicy(ReachabilityPrecondition),
			WithPinger(&countingPinger{}),
			withSleep((&sleepRecorder{}).sleep))
		require.Error(t, err)
		assert.Nil(t, id)

		var cerr *ConnectivityError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, OpPing, cerr.Op)
		assert.Equal(t, "192.0.2.22", cerr.Host)
	})
}

func TestParseProbeMode(t *testing.T) {
	for in, want := range map[string]ProbeMode{"": ProbeLazy, "lazy": ProbeLazy, "EAGER": ProbeEager} {
		got, err := ParseProbeMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseProbeMode("sometimes")
	assert.Error(t, err)
}

func TestParseReachabilityPolicy(t *testing.T) {
	for in, want := range map[string]ReachabilityPolicy{"": ReachabilityProbe, "probe": ReachabilityProbe, "precondition": ReachabilityPrecondition} {
		got, err := ParseReachabilityPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseReachabilityPolicy("strict")
	assert.Error(t, err)
}

func TestValidateHostname(t *testing.T) {
	for _, ok := range []string{"web-1.example.com", "db", "10.0.0.1", "[::1]", "localhost."} {
		assert.NoError(t, ValidateHostname(ok), ok)
	}
	for _, bad := range []string{"", "-x", "a..b", "under_score", strings.Repeat("a", 256)} {
		var invalid *InvalidHostnameError
		assert.True(t, errors.As(ValidateHostname(bad), &invalid), bad)
	}
}
