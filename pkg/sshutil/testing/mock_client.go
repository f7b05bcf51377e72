package testing

import (
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rileyhilliard/fleet/pkg/sshutil"
)

// CommandResponse defines a canned response for a specific command pattern.
type CommandResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Error    error
}

type patternResponse struct {
	pattern string
	re      *regexp.Regexp
	resp    CommandResponse
}

// MockClient simulates an SSH connection for testing.
// Canned responses are checked first (exact match, then regex patterns in
// registration order); anything else runs against a virtual filesystem.
type MockClient struct {
	mu        sync.Mutex
	host      string
	address   string
	fs        *MockFS
	closed    bool
	dead      bool
	exact     map[string]CommandResponse
	patterns  []patternResponse
	calls     []string
	inputs    map[string]string
	term      string
	keepalive time.Duration
}

var _ sshutil.SSHClient = (*MockClient)(nil)

// NewMockClient creates a new mock SSH client with an empty filesystem.
func NewMockClient(host string) *MockClient {
	return &MockClient{
		host:    host,
		address: host + ":22",
		fs:      NewMockFS(),
		exact:   make(map[string]CommandResponse),
		inputs:  make(map[string]string),
	}
}

// Exec runs a command against the canned responses or the virtual filesystem.
func (m *MockClient) Exec(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	return m.ExecInput(cmd, nil)
}

// ExecInput records stdin and otherwise behaves like Exec.
func (m *MockClient) ExecInput(cmd string, stdin io.Reader) (stdout, stderr []byte, exitCode int, err error) {
	var input string
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		input = string(b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, -1, errors.New("connection closed")
	}

	m.calls = append(m.calls, cmd)
	if stdin != nil {
		m.inputs[cmd] = input
	}

	if resp, ok := m.exact[cmd]; ok {
		return resp.Stdout, resp.Stderr, resp.ExitCode, resp.Error
	}
	for _, p := range m.patterns {
		if p.re != nil && p.re.MatchString(cmd) {
			return p.resp.Stdout, p.resp.Stderr, p.resp.ExitCode, p.resp.Error
		}
	}

	return m.parseAndExecute(cmd)
}

// ExecStream runs a command and writes output to the provided writers.
func (m *MockClient) ExecStream(cmd string, stdout, stderr io.Writer) (exitCode int, err error) {
	out, errOut, code, execErr := m.Exec(cmd)
	if execErr != nil {
		return -1, execErr
	}
	if stdout != nil && len(out) > 0 {
		_, _ = stdout.Write(out)
	}
	if stderr != nil && len(errOut) > 0 {
		_, _ = stderr.Write(errOut)
	}
	return code, nil
}

// SendRequest fails once the client is closed or marked dead.
func (m *MockClient) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.dead {
		return false, nil, errors.New("connection lost")
	}
	return true, nil, nil
}

// SetupEnvironment records the terminal type.
func (m *MockClient) SetupEnvironment(term string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
}

// StartKeepalive records the keepalive interval.
func (m *MockClient) StartKeepalive(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keepalive = interval
}

// Close marks the connection as closed.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetHost returns the host name.
func (m *MockClient) GetHost() string {
	return m.host
}

// GetAddress returns the host:port address.
func (m *MockClient) GetAddress() string {
	return m.address
}

// SetCommandResponse registers a canned response. The pattern matches a
// command exactly, or otherwise as a regular expression.
func (m *MockClient) SetCommandResponse(pattern string, resp CommandResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exact[pattern] = resp

	re, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	for i := range m.patterns {
		if m.patterns[i].pattern == pattern {
			m.patterns[i].resp = resp
			return
		}
	}
	m.patterns = append(m.patterns, patternResponse{pattern: pattern, re: re, resp: resp})
}

// SetOutput is shorthand for a successful response with stdout.
func (m *MockClient) SetOutput(pattern, stdout string) {
	m.SetCommandResponse(pattern, CommandResponse{Stdout: []byte(stdout)})
}

// MarkDead makes liveness checks fail without closing the client.
func (m *MockClient) MarkDead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = true
}

// Closed reports whether Close was called.
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Calls returns every command executed, in order.
func (m *MockClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Input returns the stdin recorded for the last run of cmd.
func (m *MockClient) Input(cmd string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inputs[cmd]
	return in, ok
}

// Term returns the recorded terminal type.
func (m *MockClient) Term() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.term
}

// Keepalive returns the recorded keepalive interval.
func (m *MockClient) Keepalive() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepalive
}

// GetFS returns the mock filesystem for direct manipulation in tests.
func (m *MockClient) GetFS() *MockFS {
	return m.fs
}

// parseAndExecute handles the file probes fleet issues.
func (m *MockClient) parseAndExecute(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	cmd = strings.TrimSuffix(cmd, " 2>/dev/null")
	cmd = strings.TrimSpace(cmd)

	switch {
	case strings.HasPrefix(cmd, "cat "):
		path := extractPath(strings.TrimPrefix(cmd, "cat "))
		content, err := m.fs.ReadFile(path)
		if err != nil {
			return nil, []byte("cat: " + path + ": No such file or directory"), 1, nil
		}
		return content, nil, 0, nil
	case strings.HasPrefix(cmd, "test -f "):
		if m.fs.IsFile(extractPath(strings.TrimPrefix(cmd, "test -f "))) {
			return nil, nil, 0, nil
		}
		return nil, nil, 1, nil
	case strings.HasPrefix(cmd, "test -d "):
		if m.fs.IsDir(extractPath(strings.TrimPrefix(cmd, "test -d "))) {
			return nil, nil, 0, nil
		}
		return nil, nil, 1, nil
	case strings.HasPrefix(cmd, "test -e "):
		if m.fs.Exists(extractPath(strings.TrimPrefix(cmd, "test -e "))) {
			return nil, nil, 0, nil
		}
		return nil, nil, 1, nil
	}

	// Unknown command: success with no output.
	return nil, nil, 0, nil
}

// extractPath extracts a path from a command argument.
// Handles both quoted and unquoted paths.
func extractPath(arg string) string {
	arg = strings.TrimSpace(arg)

	for _, q := range []string{"'", "\""} {
		if strings.HasPrefix(arg, q) {
			if end := strings.Index(arg[1:], q); end != -1 {
				return arg[1 : end+1]
			}
		}
	}

	parts := strings.Fields(arg)
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}
