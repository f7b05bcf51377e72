package sshutil

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/rileyhilliard/fleet/internal/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how credentials are presented to the server.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// Target identifies the remote end of a connection. Host may be an alias
// from ~/.ssh/config; Port 0 and an empty User fall back to the alias
// settings, then to 22 and the local user.
type Target struct {
	Host string
	Port int
	User string
}

// Credentials are the decrypted secrets for one connection attempt.
type Credentials struct {
	Method     AuthMethod
	Password   string
	PrivateKey []byte
	Passphrase string
}

// Options tunes a dial.
type Options struct {
	Timeout       time.Duration
	StrictHostKey bool
	KnownHosts    string
	// SSHConfig overrides the ssh_config path used for alias resolution.
	SSHConfig string
}

// Client wraps an SSH connection with additional metadata.
type Client struct {
	*ssh.Client
	Host    string // The original host/alias used to connect
	Address string // The resolved address (host:port)

	envMu       sync.Mutex
	term        string
	keepaliveOn bool
	stopOnce    sync.Once
	keepalive   chan struct{}
}

// Dial establishes an authenticated SSH connection. Authentication failures
// come back as AUTH errors; every other failure (DNS, TCP, handshake
// transport, timeout) as NETWORK.
func Dial(ctx context.Context, target Target, creds Credentials, opts Options) (*Client, error) {
	settings := resolveSettings(target, opts.SSHConfig)

	config, err := buildSSHConfig(settings, creds, opts)
	if err != nil {
		var fleetErr *errors.Error
		if stderrors.As(err, &fleetErr) {
			return nil, err
		}
		return nil, errors.WrapWithCode(err, errors.ErrAuth,
			fmt.Sprintf("Couldn't set up SSH credentials for '%s'", target.Host),
			"Re-enter the host credentials with 'fleet hosts add --update'.")
	}

	address := settings.address()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrNetwork,
			fmt.Sprintf("Can't reach '%s' at %s", target.Host, address),
			suggestionForDialError(err))
	}

	// The handshake has no timeout of its own.
	_ = conn.SetDeadline(time.Now().Add(timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()

		var hostKeyErr *HostKeyMismatchError
		if stderrors.As(err, &hostKeyErr) {
			return nil, errors.New(errors.ErrAuth,
				hostKeyErr.Error(),
				hostKeyErr.Suggestion())
		}

		return nil, errors.WrapWithCode(err, classifyHandshakeError(err),
			fmt.Sprintf("SSH handshake with '%s' didn't go through", target.Host),
			suggestionForHandshakeError(err, creds.Method))
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{
		Client:    ssh.NewClient(sshConn, chans, reqs),
		Host:      target.Host,
		Address:   address,
		keepalive: make(chan struct{}),
	}, nil
}

// Close stops the keepalive loop and closes the SSH connection.
func (c *Client) Close() error {
	c.stopKeepalive()
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// GetHost returns the original host/alias used to connect.
func (c *Client) GetHost() string {
	return c.Host
}

// GetAddress returns the resolved host:port address.
func (c *Client) GetAddress() string {
	return c.Address
}

// SendRequest sends a global request on the SSH connection. Used as a
// liveness check without the cost of opening a session.
func (c *Client) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	return c.Client.SendRequest(name, wantReply, payload)
}

// settings holds resolved SSH connection parameters.
type settings struct {
	hostname string
	port     string
	user     string
}

func (s *settings) address() string {
	return net.JoinHostPort(s.hostname, s.port)
}

// resolveSettings applies ssh_config alias values underneath the explicit
// target fields.
func resolveSettings(target Target, configPath string) *settings {
	s := &settings{
		hostname: target.Host,
		port:     "22",
		user:     currentUser(),
	}

	if configPath == "" {
		configPath = filepath.Join(homeDir(), ".ssh", "config")
	}

	if content, _, err := preprocessSSHConfig(configPath); err == nil {
		if cfg, err := ssh_config.Decode(bytes.NewReader(content)); err == nil {
			if hostname, _ := cfg.Get(target.Host, "HostName"); hostname != "" {
				s.hostname = hostname
			}
			if port, _ := cfg.Get(target.Host, "Port"); port != "" {
				s.port = port
			}
			if user, _ := cfg.Get(target.Host, "User"); user != "" {
				s.user = user
			}
		}
	}

	if target.Port > 0 {
		s.port = strconv.Itoa(target.Port)
	}
	if target.User != "" {
		s.user = target.User
	}
	return s
}

// buildSSHConfig creates an SSH client config from stored credentials.
func buildSSHConfig(s *settings, creds Credentials, opts Options) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch creds.Method {
	case AuthPassword:
		if creds.Password == "" {
			return nil, errors.New(errors.ErrAuth, "No password stored for this host",
				"Re-enter the host credentials with 'fleet hosts add --update'.")
		}
		auth = append(auth, ssh.Password(creds.Password), keyboardInteractive(creds.Password))
	case AuthKey:
		signer, err := parseKey(creds.PrivateKey, creds.Passphrase)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	default:
		return nil, errors.New(errors.ErrConfig,
			fmt.Sprintf("Unknown auth method %q", creds.Method),
			"Use 'password' or 'key'.")
	}

	var hostKeyCallback ssh.HostKeyCallback
	if opts.StrictHostKey {
		path := opts.KnownHosts
		if path == "" {
			path = filepath.Join(homeDir(), ".ssh", "known_hosts")
		}
		cb, err := createHostKeyCallback(path)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Failed to load known_hosts", "Check transport.known_hosts in your fleet config.")
		}
		hostKeyCallback = cb
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // strict_host_key is off
	}

	return &ssh.ClientConfig{
		User:            s.user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	}, nil
}

// keyboardInteractive answers every prompt with the password. Some servers
// disable the password method but accept the same secret this way.
func keyboardInteractive(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	})
}

func parseKey(pem []byte, passphrase string) (ssh.Signer, error) {
	if len(pem) == 0 {
		return nil, errors.New(errors.ErrAuth, "No private key stored for this host",
			"Re-enter the host credentials with 'fleet hosts add --update'.")
	}

	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if stderrors.As(err, &missing) || (isEncryptedPEM(pem) && passphrase == "") {
			return nil, errors.New(errors.ErrAuth, "Private key is passphrase protected",
				"Store the key passphrase with 'fleet hosts add --update --passphrase'.")
		}
		return nil, errors.WrapWithCode(err, errors.ErrAuth, "Couldn't parse the stored private key",
			"Check the key is an OpenSSH or PEM private key and the passphrase is right.")
	}
	return signer, nil
}

// classifyHandshakeError separates credential and trust rejection from
// transport trouble.
func classifyHandshakeError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "key is unknown"):
		return errors.ErrAuth
	default:
		return errors.ErrNetwork
	}
}

// Helper functions

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func suggestionForDialError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") {
		return "Is SSH running on that box? Check the port in the host record."
	}
	if strings.Contains(errStr, "no route to host") || strings.Contains(errStr, "network is unreachable") {
		return "Can't route to the host. Check your network connection."
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout") {
		return "Connection timed out. Host might be offline or blocked by a firewall."
	}
	if strings.Contains(errStr, "no such host") {
		return "The hostname doesn't resolve. Check the host address."
	}
	return "Make sure the host is reachable: ping <host>"
}

func suggestionForHandshakeError(err error, method AuthMethod) string {
	errStr := err.Error()
	if strings.Contains(errStr, "unable to authenticate") || strings.Contains(errStr, "no supported methods") {
		if method == AuthPassword {
			return "The server rejected the password. Update it with 'fleet hosts add --update'."
		}
		return "The server rejected the key. Check it's in the remote authorized_keys."
	}
	if strings.Contains(errStr, "host key") {
		return "Host key issue. Try connecting manually first: ssh <host>"
	}
	return "The connection dropped during the SSH handshake. Try again shortly."
}

// HostKeyMismatchError provides helpful context when known_hosts verification fails.
type HostKeyMismatchError struct {
	Hostname     string
	ReceivedType string
	KnownHosts   string
	Want         []knownhosts.KnownKey
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: server sent %s key", e.Hostname, e.ReceivedType)
}

// Suggestion returns actionable steps to fix the host key mismatch.
func (e *HostKeyMismatchError) Suggestion() string {
	host := e.Hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	var wantTypes []string
	for _, k := range e.Want {
		wantTypes = append(wantTypes, k.Key.Type())
	}
	wantStr := "unknown"
	if len(wantTypes) > 0 {
		wantStr = strings.Join(wantTypes, ", ")
	}

	return fmt.Sprintf(
		"The server's host key doesn't match what's in known_hosts.\n"+
			"  Known types: %s\n"+
			"  Server sent: %s\n\n"+
			"  If the server was rebuilt, remove the old entry:\n"+
			"    ssh-keygen -R %s -f %s",
		wantStr, e.ReceivedType, host, e.KnownHosts)
}

// preprocessSSHConfig reads the SSH config and returns content up to the
// first Match directive, which ssh_config can't parse. Also returns the
// 1-indexed line of that directive (0 if none).
func preprocessSSHConfig(configPath string) ([]byte, int, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, 0, err
	}

	lines := strings.Split(string(content), "\n")
	var result []string
	matchLine := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "match ") {
			matchLine = i + 1
			break
		}
		result = append(result, line)
	}

	return []byte(strings.Join(result, "\n")), matchLine, nil
}

func isEncryptedPEM(data []byte) bool {
	return bytes.Contains(data, []byte("ENCRYPTED"))
}

// createHostKeyCallback wraps the knownhosts callback to provide better error messages.
func createHostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("known_hosts file %s does not exist", knownHostsPath)
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, err
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		if err != nil {
			var keyErr *knownhosts.KeyError
			if stderrors.As(err, &keyErr) && len(keyErr.Want) > 0 {
				return &HostKeyMismatchError{
					Hostname:     hostname,
					ReceivedType: key.Type(),
					KnownHosts:   knownHostsPath,
					Want:         keyErr.Want,
				}
			}
		}
		return err
	}, nil
}
