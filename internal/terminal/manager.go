// Package terminal runs operator commands on hosts on behalf of logical
// terminal clients and reports every step as a terminal.output event.
package terminal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/safety"
	"github.com/rileyhilliard/fleet/internal/store"
	"github.com/rileyhilliard/fleet/internal/telemetry"
	"github.com/rileyhilliard/fleet/internal/transport"
	"github.com/rileyhilliard/fleet/internal/util"
)

// Output kinds.
const (
	KindWelcome  = "welcome"
	KindOutput   = "output"
	KindRejected = "rejected"
	KindError    = "error"
	KindGoodbye  = "goodbye"
)

// Output is the payload of a terminal.output event.
type Output struct {
	HostID   uint   `json:"hostId"`
	ClientID string `json:"clientId"`
	Kind     string `json:"kind"`
	Command  string `json:"command,omitempty"`
	Text     string `json:"text"`
	ExitCode int    `json:"exitCode"`
}

// Sudo requests privileged execution. An empty Password falls back to the
// host's stored login password.
type Sudo struct {
	Password string
}

// Manager maps logical terminal clients onto pooled host sessions.
type Manager struct {
	Store   *store.Store
	Pool    *transport.Pool
	Creds   transport.CredentialSource
	Sink    events.Sink
	Log     logger.Logger
	Metrics *telemetry.Metrics
	// Timeout bounds each command. Zero means no bound beyond ctx.
	Timeout time.Duration

	mu      sync.Mutex
	clients map[uint]map[string]bool
}

func (m *Manager) log() logger.Logger {
	if m.Log == nil {
		return logger.Noop()
	}
	return m.Log
}

func (m *Manager) emit(out Output) {
	if m.Sink == nil {
		return
	}
	m.Sink.Publish(events.TerminalChannel(out.HostID), events.New(events.TerminalOutput, out))
}

func (m *Manager) fail(hostID uint, clientID, command string, err error) error {
	m.emit(Output{HostID: hostID, ClientID: clientID, Kind: KindError, Command: command, Text: errors.Summary(err), ExitCode: -1})
	return err
}

// Connect opens (or reuses) the host's shell session for clientID.
func (m *Manager) Connect(ctx context.Context, hostID uint, clientID string) error {
	host, err := m.host(ctx, hostID)
	if err != nil {
		return m.fail(hostID, clientID, "", err)
	}
	if _, err := m.Pool.AcquireShell(ctx, host, false); err != nil {
		return m.fail(hostID, clientID, "", err)
	}

	m.mu.Lock()
	if m.clients == nil {
		m.clients = make(map[uint]map[string]bool)
	}
	if m.clients[hostID] == nil {
		m.clients[hostID] = make(map[string]bool)
	}
	m.clients[hostID][clientID] = true
	m.mu.Unlock()

	m.emit(Output{
		HostID:   hostID,
		ClientID: clientID,
		Kind:     KindWelcome,
		Text:     fmt.Sprintf("Connected to %s (%s@%s)\r\n", host.Name, host.Username, host.Address),
	})
	m.log().Info("terminal client %s connected to %s", clientID, host.Name)
	return nil
}

// Execute runs command on the host. Commands the safety filter flags are
// rejected with BLOCKED and never reach the host. With sudo set the
// password travels on stdin only.
func (m *Manager) Execute(ctx context.Context, hostID uint, command, clientID string, sudo *Sudo) (transport.Result, error) {
	if verdict := safety.Check(command); verdict.Dangerous {
		m.Metrics.IncCommandBlocked()
		m.log().Warn("blocked command from client %s on host %d (%s rule)", clientID, hostID, verdict.Group)
		m.emit(Output{
			HostID:   hostID,
			ClientID: clientID,
			Kind:     KindRejected,
			Command:  command,
			Text:     fmt.Sprintf("Command blocked: it matches a %s safety rule and was not sent.\r\n", verdict.Group),
			ExitCode: -1,
		})
		return transport.Result{ExitCode: -1}, errors.New(errors.ErrBlocked,
			fmt.Sprintf("Command blocked by the %s safety rule", verdict.Group),
			"Run destructive maintenance through a reviewed change, not the terminal.")
	}

	host, err := m.host(ctx, hostID)
	if err != nil {
		return transport.Result{ExitCode: -1}, m.fail(hostID, clientID, command, err)
	}

	cmd, stdin := command, []byte(nil)
	if sudo != nil {
		password, err := m.sudoPassword(ctx, host, sudo)
		if err != nil {
			return transport.Result{ExitCode: -1}, m.fail(hostID, clientID, command, err)
		}
		cmd, stdin = util.SudoCommand(command), []byte(password+"\n")
	}

	res, err := transport.Bounded(m.Pool.For(host), m.Timeout).ExecuteInput(ctx, cmd, stdin)
	if err != nil {
		return res, m.fail(hostID, clientID, command, err)
	}

	m.emit(Output{
		HostID:   hostID,
		ClientID: clientID,
		Kind:     KindOutput,
		Command:  command,
		Text:     joinOutput(res),
		ExitCode: res.ExitCode,
	})
	m.log().Debug("client %s ran %q on %s (sudo=%t, exit %d)", clientID, command, host.Name, sudo != nil, res.ExitCode)
	return res, nil
}

// Disconnect detaches clientID and releases the host's pooled sessions.
// Other clients of the same host reconnect on their next command.
func (m *Manager) Disconnect(ctx context.Context, hostID uint, clientID string) error {
	m.mu.Lock()
	delete(m.clients[hostID], clientID)
	if len(m.clients[hostID]) == 0 {
		delete(m.clients, hostID)
	}
	m.mu.Unlock()

	host, err := m.Store.GetHost(ctx, hostID)
	if err != nil {
		return m.fail(hostID, clientID, "", err)
	}
	m.Pool.Release(host)

	m.emit(Output{HostID: hostID, ClientID: clientID, Kind: KindGoodbye, Text: fmt.Sprintf("Disconnected from %s\r\n", host.Name)})
	m.log().Info("terminal client %s disconnected from %s", clientID, host.Name)
	return nil
}

// Clients returns the client ids attached to a host.
func (m *Manager) Clients(hostID uint) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.clients[hostID]))
	for id := range m.clients[hostID] {
		out = append(out, id)
	}
	return out
}

func (m *Manager) host(ctx context.Context, hostID uint) (*model.Host, error) {
	host, err := m.Store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if err := transport.RequireConnection(host); err != nil {
		return nil, err
	}
	return host, nil
}

func (m *Manager) sudoPassword(ctx context.Context, host *model.Host, sudo *Sudo) (string, error) {
	if sudo.Password != "" {
		return sudo.Password, nil
	}
	if host.Connection.AuthMode == model.AuthPassword && m.Creds != nil {
		creds, err := m.Creds.Credentials(ctx, host.Connection)
		if err != nil {
			return "", err
		}
		if creds.Password != "" {
			return creds.Password, nil
		}
	}
	return "", errors.New(errors.ErrConfig,
		fmt.Sprintf("No sudo password for '%s'", host.Name),
		"Key-authenticated hosts need the sudo password supplied explicitly.")
}

func joinOutput(res transport.Result) string {
	out := res.Stdout
	if res.Stderr != "" {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += res.Stderr
	}
	return strings.ReplaceAll(out, "\n", "\r\n")
}
