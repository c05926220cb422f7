package host

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/eugenetaranov/hostops/internal/connector"
	"github.com/eugenetaranov/hostops/pkg/facts"
)

type fakeResolver struct {
	mu       sync.Mutex
	answers  map[string][]net.IPAddr
	errs     []error
	names    map[string][]string
	lookups  int
	reverses int
}

func (f *fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.answers[host], nil
}

func (f *fakeResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverses++
	names, ok := f.names[addr]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
	}
	return names, nil
}

func ipAddrs(addrs ...string) []net.IPAddr {
	out := make([]net.IPAddr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.IPAddr{IP: net.ParseIP(a)})
	}
	return out
}

type countingPinger struct {
	calls   int
	succeed func(call int) bool
}

func (p *countingPinger) Ping(context.Context, netip.Addr) error {
	p.calls++
	if p.succeed != nil && p.succeed(p.calls) {
		return nil
	}
	return io.ErrUnexpectedEOF
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func stubFacts(context.Context) facts.OS {
	return facts.OS{System: "Linux", Family: "Debian", Version: "12"}
}

// fakeRemote stands in for an SSH server. Each dial returns a new
// connection sharing the counters.
type fakeRemote struct {
	mu          sync.Mutex
	connectErrs []error
	exitCodes   map[string]int
	stdout      map[string][]string
	execErrs    map[string]error
	dials       int
	connects    int
	closes      int
	executed    []string
}

func (f *fakeRemote) dial(*Identity, time.Duration) connector.Connector {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	return &fakeConn{remote: f}
}

func (f *fakeRemote) snapshot() (dials, connects, closes int, executed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials, f.connects, f.closes, append([]string(nil), f.executed...)
}

type fakeConn struct {
	remote    *fakeRemote
	connected bool
}

func (c *fakeConn) Connect(context.Context) error {
	f := c.remote
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	c.connected = true
	return nil
}

func (c *fakeConn) Execute(_ context.Context, cmd string, echo io.Writer) (*connector.Result, error) {
	f := c.remote
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cmd)
	if err, ok := f.execErrs[cmd]; ok {
		return &connector.Result{ExitCode: connector.ExitCodeUnknown}, err
	}
	out := f.stdout[cmd]
	if echo != nil {
		for _, line := range out {
			_, _ = io.WriteString(echo, line+"\n")
		}
	}
	return &connector.Result{Stdout: out, Stderr: []string{}, ExitCode: f.exitCodes[cmd]}, nil
}

func (c *fakeConn) Close() error {
	f := c.remote
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (c *fakeConn) String() string { return "fake://remote" }
