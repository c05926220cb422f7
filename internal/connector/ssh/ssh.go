// Package ssh provides a connector for executing commands on remote hosts over SSH.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/melbahja/goph"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/hostops/internal/connector"
	"github.com/eugenetaranov/hostops/internal/fsutil"
)

// DefaultPort is used when Config.Port is zero.
const DefaultPort = 22

// DefaultCancelGrace is used when Config.CancelGrace is zero.
const DefaultCancelGrace = 2 * time.Second

// Config describes one SSH target.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	KeyPath    string
	Passphrase string

	// HostKeyPolicy defaults to StrictKnownHosts on DefaultKnownHostsPath.
	HostKeyPolicy HostKeyPolicy

	// ConnectTimeout bounds the TCP connect and the SSH handshake together.
	// Zero means no timeout.
	ConnectTimeout time.Duration

	// CancelGrace bounds how long a cancelled command may take to release
	// its session. Past it the whole connection is dropped.
	CancelGrace time.Duration

	Logger *zap.Logger
}

// Connector runs commands over a single SSH connection, one session per command.
type Connector struct {
	cfg    Config
	logger *zap.Logger
	client *goph.Client
}

// New creates an unconnected SSH connector.
func New(cfg Config) *Connector {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.HostKeyPolicy == nil {
		cfg.HostKeyPolicy = StrictKnownHosts{}
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{cfg: cfg, logger: logger}
}

// Connect dials the host and authenticates.
func (c *Connector) Connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	auth, err := c.authMethods()
	if err != nil {
		return err
	}

	callback, err := c.cfg.HostKeyPolicy.Callback(c.logger)
	if err != nil {
		return err
	}

	clientConfig := &cryptossh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: callback,
		Timeout:         c.cfg.ConnectTimeout,
	}

	addr := c.address()
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrDial, addr, err)
	}

	// the handshake is bounded by the same timeout as the dial
	if c.cfg.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sshConn, chans, reqs, err := cryptossh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w with %s: %w", ErrHandshake, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = &goph.Client{Client: cryptossh.NewClient(sshConn, chans, reqs)}
	c.logger.Debug("ssh connected",
		zap.String("host", c.cfg.Host),
		zap.String("address", addr),
		zap.String("host_key_policy", c.cfg.HostKeyPolicy.String()))
	return nil
}

// authMethods orders key authentication before password authentication.
func (c *Connector) authMethods() ([]cryptossh.AuthMethod, error) {
	var (
		methods []cryptossh.AuthMethod
		keyErr  error
	)

	if c.cfg.KeyPath != "" {
		keyPath := fsutil.ExpandHome(c.cfg.KeyPath)
		if _, err := os.Stat(keyPath); err == nil {
			key, err := goph.Key(keyPath, c.cfg.Passphrase)
			if err != nil {
				keyErr = fmt.Errorf("load private key %s: %w", keyPath, err)
				c.logger.Warn("private key unusable",
					zap.String("host", c.cfg.Host),
					zap.String("key_path", keyPath),
					zap.Error(err))
			} else {
				methods = append(methods, key...)
			}
		} else {
			c.logger.Debug("private key not found",
				zap.String("host", c.cfg.Host),
				zap.String("key_path", keyPath))
		}
	}

	if c.cfg.User != "" && c.cfg.Password != "" {
		methods = append(methods, goph.Password(c.cfg.Password)...)
	}

	if len(methods) == 0 {
		return nil, multierr.Append(fmt.Errorf("%w for %s", ErrNoAuthMethod, c.cfg.Host), keyErr)
	}
	return methods, nil
}

// Execute runs cmd in a fresh session on the shared connection.
func (c *Connector) Execute(ctx context.Context, cmd string, echo io.Writer) (*connector.Result, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}

	command, err := c.client.Command(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSession, err)
	}
	defer command.Close()

	stdout, stderr := connector.NewCapturePair(echo)
	command.Stdout = stdout
	command.Stderr = stderr

	errCh := make(chan error, 1)
	go func() {
		errCh <- command.Run()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		// best effort; the remote process may outlive the session
		_ = command.Signal(cryptossh.SIGKILL)
		_ = command.Close()
		grace := time.NewTimer(c.cfg.CancelGrace)
		select {
		case <-errCh:
			grace.Stop()
		case <-grace.C:
			// a dead or silent peer never acknowledges the close
			c.logger.Warn("session did not end after cancel, dropping connection",
				zap.String("connection", c.String()),
				zap.Duration("grace", c.cfg.CancelGrace))
			_ = c.Close()
		}
		res := collect(stdout, stderr, connector.ExitCodeUnknown)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, connector.ErrTimeout
		}
		return res, fmt.Errorf("command interrupted: %w", ctx.Err())
	case runErr = <-errCh:
	}

	res := collect(stdout, stderr, 0)

	var exitErr *cryptossh.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		res.ExitCode = connector.ExitCodeUnknown
		return res, fmt.Errorf("%w: %w", ErrTransport, runErr)
	}

	return res, nil
}

func collect(stdout, stderr *connector.Capture, exitCode int) *connector.Result {
	stdout.Flush()
	stderr.Flush()
	return &connector.Result{
		Stdout:   stdout.Lines(),
		Stderr:   stderr.Lines(),
		ExitCode: exitCode,
	}
}

// Close terminates the connection. Closing twice is a no-op.
func (c *Connector) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// String returns a description of the connection.
func (c *Connector) String() string {
	if c.cfg.User == "" {
		return fmt.Sprintf("ssh://%s", c.address())
	}
	return fmt.Sprintf("ssh://%s@%s", c.cfg.User, c.address())
}

func (c *Connector) address() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
