package ssh

import (
	"errors"

	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrNoAuthMethod         = errors.New("no SSH authentication method available")
	ErrNotConnected         = errors.New("ssh connector is not connected")
	ErrDial                 = errors.New("failed to dial")
	ErrHandshake            = errors.New("ssh handshake failed")
	ErrSession              = errors.New("failed to open ssh session")
	ErrTransport            = errors.New("ssh transport failure")
	ErrKnownHosts           = errors.New("failed to load known hosts")
	ErrUnknownHostKeyPolicy = errors.New("unknown host key policy")
)

// IsTransient reports whether err is a connection failure worth retrying.
// Authentication setup and host key rejections are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return false
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return false
	}
	return errors.Is(err, ErrDial) || errors.Is(err, ErrHandshake) || errors.Is(err, ErrSession)
}
