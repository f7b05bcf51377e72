package testing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ExecHandler answers one exec request with output and an exit status.
type ExecHandler func(cmd string, stdin []byte) (stdout string, exitCode int)

// Server is an in-process SSH server for exercising real dials in tests.
// It accepts password or public key auth and serves exec requests.
type Server struct {
	Host string
	Port int

	config   *ssh.ServerConfig
	listener net.Listener
	handler  ExecHandler

	mu       sync.Mutex
	commands []string
	env      map[string]string
	conns    int
}

// ServerOption configures a Server.
type ServerOption func(*ssh.ServerConfig)

// WithPassword accepts the given password for any user.
func WithPassword(password string) ServerOption {
	return func(c *ssh.ServerConfig) {
		c.PasswordCallback = func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", meta.User())
		}
	}
}

// WithAuthorizedKey accepts the given public key for any user.
func WithAuthorizedKey(key ssh.PublicKey) ServerOption {
	return func(c *ssh.ServerConfig) {
		c.PublicKeyCallback = func(meta ssh.ConnMetadata, offered ssh.PublicKey) (*ssh.Permissions, error) {
			if string(offered.Marshal()) == string(key.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("key rejected for %s", meta.User())
		}
	}
}

// NewServer starts a server on a random loopback port.
func NewServer(handler ExecHandler, opts ...ServerOption) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &Server{
		Host:     host,
		Port:     port,
		config:   cfg,
		listener: ln,
		handler:  handler,
		env:      make(map[string]string),
	}
	go s.acceptLoop()
	return s, nil
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Commands returns every exec command received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Env returns the last value received for an env request.
func (s *Server) Env(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env[name]
}

// Connections returns how many handshakes succeeded.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	defer sconn.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	go replyGlobal(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

// replyGlobal acknowledges keepalives.
func replyGlobal(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			_ = req.Reply(true, nil)
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err == nil {
				s.mu.Lock()
				s.env[kv.Name] = kv.Value
				s.mu.Unlock()
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			stdin, _ := io.ReadAll(ch)
			out, code := "", 0
			if s.handler != nil {
				out, code = s.handler(payload.Command, stdin)
			}
			_, _ = io.WriteString(ch, out)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}
