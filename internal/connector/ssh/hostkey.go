package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/eugenetaranov/hostops/internal/fsutil"
)

// Host key policy names accepted by ParseHostKeyPolicy.
const (
	PolicyStrict    = "strict"
	PolicyTOFU      = "tofu"
	PolicyAcceptAny = "accept-any"
)

// DefaultKnownHostsPath is the known_hosts file used when none is configured.
const DefaultKnownHostsPath = "~/.ssh/known_hosts"

// HostKeyPolicy decides whether a server's host key is accepted.
type HostKeyPolicy interface {
	Callback(logger *zap.Logger) (cryptossh.HostKeyCallback, error)
	String() string
}

// StrictKnownHosts accepts only keys already listed in a known_hosts file.
type StrictKnownHosts struct {
	Path string
}

func (p StrictKnownHosts) Callback(_ *zap.Logger) (cryptossh.HostKeyCallback, error) {
	path := knownHostsPath(p.Path)
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKnownHosts, path, err)
	}
	return cb, nil
}

func (p StrictKnownHosts) String() string { return PolicyStrict }

// TrustOnFirstUse records keys of hosts never seen before and rejects
// hosts whose key changed.
type TrustOnFirstUse struct {
	Path string
}

func (p TrustOnFirstUse) Callback(logger *zap.Logger) (cryptossh.HostKeyCallback, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := knownHostsPath(p.Path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKnownHosts, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKnownHosts, err)
	}
	_ = f.Close()

	known, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKnownHosts, path, err)
	}

	var mu sync.Mutex
	learned := map[string]cryptossh.PublicKey{}

	return func(hostname string, remote net.Addr, key cryptossh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()

		if prev, ok := learned[hostname]; ok {
			if string(prev.Marshal()) == string(key.Marshal()) {
				return nil
			}
			return fmt.Errorf("host key for %s changed since it was first trusted", hostname)
		}

		err := known(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if err := appendLine(path, line); err != nil {
			return fmt.Errorf("%w: %w", ErrKnownHosts, err)
		}
		learned[hostname] = key

		logger.Warn("trusting host key on first use",
			zap.String("host", hostname),
			zap.String("fingerprint", cryptossh.FingerprintSHA256(key)),
			zap.String("known_hosts", path))
		return nil
	}, nil
}

func (p TrustOnFirstUse) String() string { return PolicyTOFU }

// AcceptAny skips host key verification entirely. Every connection made
// under it is logged as a warning.
type AcceptAny struct{}

func (AcceptAny) Callback(logger *zap.Logger) (cryptossh.HostKeyCallback, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(hostname string, _ net.Addr, key cryptossh.PublicKey) error {
		logger.Warn("host key verification disabled, accepting any key",
			zap.String("host", hostname),
			zap.String("fingerprint", cryptossh.FingerprintSHA256(key)))
		return nil
	}, nil
}

func (AcceptAny) String() string { return PolicyAcceptAny }

// ParseHostKeyPolicy maps a policy name to a HostKeyPolicy. An empty name
// selects the strict policy.
func ParseHostKeyPolicy(name, knownHosts string) (HostKeyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyStrict:
		return StrictKnownHosts{Path: knownHosts}, nil
	case PolicyTOFU:
		return TrustOnFirstUse{Path: knownHosts}, nil
	case PolicyAcceptAny:
		return AcceptAny{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHostKeyPolicy, name)
	}
}

func knownHostsPath(path string) string {
	if path == "" {
		path = DefaultKnownHostsPath
	}
	return fsutil.ExpandHome(path)
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
