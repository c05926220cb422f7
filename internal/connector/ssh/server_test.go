package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	testUser     = "alice"
	testPassword = "secret"
)

// reply is what the test server sends back for one exec request.
// A negative status closes the channel without an exit-status.
type reply struct {
	stdout string
	stderr string
	status int
	delay  time.Duration
}

type testServer struct {
	t        *testing.T
	listener net.Listener
	hostKey  cryptossh.Signer
	handler  func(cmd string) reply

	mu       sync.Mutex
	commands []string
}

func newTestServer(t *testing.T, authorized cryptossh.PublicKey, handler func(cmd string) reply) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := cryptossh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &cryptossh.ServerConfig{
		PasswordCallback: func(meta cryptossh.ConnMetadata, pass []byte) (*cryptossh.Permissions, error) {
			if meta.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, io.EOF
		},
		PublicKeyCallback: func(meta cryptossh.ConnMetadata, key cryptossh.PublicKey) (*cryptossh.Permissions, error) {
			if authorized != nil && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, io.EOF
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{t: t, listener: ln, hostKey: hostKey, handler: handler}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, cfg)
		}
	}()

	return s
}

func (s *testServer) addr() string { return s.listener.Addr().String() }

func (s *testServer) hostPort() (string, int) {
	tcp := s.listener.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func (s *testServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testServer) serve(conn net.Conn, cfg *cryptossh.ServerConfig) {
	_, chans, reqs, err := cryptossh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	go cryptossh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(cryptossh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, chReqs)
	}
}

func (s *testServer) session(ch cryptossh.Channel, reqs <-chan *cryptossh.Request) {
	defer ch.Close()

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := cryptossh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		// the client may pad the command line with a trailing space
		cmd := strings.TrimSpace(payload.Command)
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		r := s.handler(cmd)
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
		_, _ = io.WriteString(ch, r.stdout)
		_, _ = io.WriteString(ch.Stderr(), r.stderr)

		if r.status >= 0 {
			status := struct{ Status uint32 }{uint32(r.status)}
			_, _ = ch.SendRequest("exit-status", false, cryptossh.Marshal(&status))
		}
		return
	}
}

// knownHostsFile writes a known_hosts file trusting the server.
func (s *testServer) knownHostsFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(s.addr())}, s.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))
	return path
}

// clientKey writes an unencrypted ed25519 private key and returns its path
// with the matching public key.
func clientKey(t *testing.T) (string, cryptossh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := cryptossh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	sshPub, err := cryptossh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

// echoHandler answers "echo X" with X, "fail" with status 2 and stderr,
// "sleep" after a delay and "drop" without an exit status.
func echoHandler(cmd string) reply {
	switch {
	case cmd == "fail":
		return reply{stderr: "boom\n", status: 2}
	case cmd == "sleep":
		return reply{delay: 2 * time.Second, status: 0}
	case cmd == "drop":
		return reply{status: -1}
	case strings.HasPrefix(cmd, "echo "):
		return reply{stdout: strings.TrimPrefix(cmd, "echo ") + "\n"}
	default:
		return reply{}
	}
}

// relay forwards TCP traffic to a test server until frozen. A frozen relay
// keeps reading from both sides and drops everything, like a peer that
// went silent without closing the connection.
type relay struct {
	listener net.Listener
	frozen   atomic.Bool
}

func newRelay(t *testing.T, target string) *relay {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &relay{listener: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			client, err := ln.Accept()
			if err != nil {
				return
			}
			server, err := net.Dial("tcp", target)
			if err != nil {
				_ = client.Close()
				continue
			}
			t.Cleanup(func() {
				_ = client.Close()
				_ = server.Close()
			})
			go r.pipe(server, client)
			go r.pipe(client, server)
		}
	}()
	return r
}

func (r *relay) pipe(dst, src net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 && !r.frozen.Load() {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *relay) freeze() { r.frozen.Store(true) }

func (r *relay) hostPort() (string, int) {
	tcp := r.listener.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}
