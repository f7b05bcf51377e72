package terminal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/store"
	"github.com/rileyhilliard/fleet/internal/telemetry"
	transporttest "github.com/rileyhilliard/fleet/internal/transport/testing"
	sshtest "github.com/rileyhilliard/fleet/pkg/sshutil/testing"
)

type fixture struct {
	m      *Manager
	dialer *transporttest.Dialer
	sink   *events.MemorySink
	log    *logger.BufferLogger
	host   *model.Host
	keyed  *model.Host
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	host := &model.Host{Name: "web-1", Address: "web-1.internal", Username: "deploy", Active: true}
	require.NoError(t, st.CreateHost(ctx, host))
	require.NoError(t, st.SaveConnection(ctx, &model.AgentConnection{HostID: host.ID, AuthMode: model.AuthPassword}))
	keyed := &model.Host{Name: "db-1", Address: "db-1.internal", Username: "deploy", Active: true}
	require.NoError(t, st.CreateHost(ctx, keyed))
	require.NoError(t, st.SaveConnection(ctx, &model.AgentConnection{HostID: keyed.ID, AuthMode: model.AuthKey}))

	dialer := transporttest.NewDialer()
	pool := transporttest.NewPool(dialer)
	t.Cleanup(pool.Close)

	sink := events.NewMemorySink()
	log := logger.NewBufferLogger()
	return &fixture{
		m: &Manager{
			Store:   st,
			Pool:    pool,
			Creds:   transporttest.Credentials{Password: "s3cret-pw"},
			Sink:    sink,
			Log:     log,
			Metrics: telemetry.NewMetrics(),
			Timeout: 5 * time.Second,
		},
		dialer: dialer,
		sink:   sink,
		log:    log,
		host:   host,
		keyed:  keyed,
	}
}

func (f *fixture) outputs(hostID uint) []Output {
	var out []Output
	for _, ev := range f.sink.On(events.TerminalChannel(hostID)) {
		out = append(out, ev.Data.(Output))
	}
	return out
}

func counterValue(t *testing.T, m *telemetry.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			var total float64
			for _, metric := range mf.GetMetric() {
				total += metric.GetCounter().GetValue()
			}
			return total
		}
	}
	return 0
}

func TestSessionLifecycleEmitsOneEventPerCall(t *testing.T) {
	f := newFixture(t)
	f.dialer.SetupShell(f.host.Address, func(c *sshtest.MockClient) {
		c.SetOutput(`^uptime$`, " 10:00:00 up 3 days\n")
	})
	ctx := context.Background()

	require.NoError(t, f.m.Connect(ctx, f.host.ID, "tab-1"))
	res, err := f.m.Execute(ctx, f.host.ID, "uptime", "tab-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"tab-1"}, f.m.Clients(f.host.ID))
	require.NoError(t, f.m.Disconnect(ctx, f.host.ID, "tab-1"))

	outs := f.outputs(f.host.ID)
	require.Len(t, outs, 3)
	assert.Equal(t, KindWelcome, outs[0].Kind)
	assert.Contains(t, outs[0].Text, "deploy@web-1.internal")
	assert.Equal(t, KindOutput, outs[1].Kind)
	assert.Equal(t, " 10:00:00 up 3 days\r\n", outs[1].Text)
	assert.Equal(t, KindGoodbye, outs[2].Kind)
	for _, o := range outs {
		assert.Equal(t, "tab-1", o.ClientID)
	}
	assert.Empty(t, f.m.Clients(f.host.ID))
}

func TestExecute_BlockedNeverReachesHost(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.Execute(context.Background(), f.host.ID, "rm -rf /", "tab-2", nil)
	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))

	shell, _ := f.dialer.Dials()
	assert.Zero(t, shell)

	outs := f.outputs(f.host.ID)
	require.Len(t, outs, 1)
	assert.Equal(t, KindRejected, outs[0].Kind)
	assert.Equal(t, "tab-2", outs[0].ClientID)
	assert.Contains(t, outs[0].Text, "blocked")
	assert.Equal(t, 1.0, counterValue(t, f.m.Metrics, "fleet_commands_blocked_total"))
}

func TestExecute_SudoPasswordOnStdinOnly(t *testing.T) {
	f := newFixture(t)
	f.dialer.SetupShell(f.host.Address, func(c *sshtest.MockClient) {
		c.SetOutput(`systemctl restart nginx`, "")
	})
	ctx := context.Background()

	_, err := f.m.Execute(ctx, f.host.ID, "systemctl restart nginx", "tab-3", &Sudo{})
	require.NoError(t, err)

	shell := f.dialer.LastShell(f.host.Address)
	calls := shell.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sudo -S -p '' sh -c 'systemctl restart nginx'", calls[0])
	assert.NotContains(t, calls[0], "s3cret-pw")

	stdin, ok := shell.Input(calls[0])
	require.True(t, ok)
	assert.Equal(t, "s3cret-pw\n", stdin)

	for _, m := range f.log.Messages {
		assert.NotContains(t, m.Message, "s3cret-pw")
	}
	for _, o := range f.outputs(f.host.ID) {
		assert.NotContains(t, o.Text, "s3cret-pw")
		assert.NotContains(t, o.Command, "s3cret-pw")
	}
}

func TestExecute_SudoExplicitPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.Execute(ctx, f.keyed.ID, "whoami", "tab-4", &Sudo{Password: "other"})
	require.NoError(t, err)
	shell := f.dialer.LastShell(f.keyed.Address)
	stdin, _ := shell.Input(shell.Calls()[0])
	assert.Equal(t, "other\n", stdin)
}

func TestExecute_SudoWithoutPasswordOnKeyHost(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.Execute(context.Background(), f.keyed.ID, "whoami", "tab-5", &Sudo{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))

	outs := f.outputs(f.keyed.ID)
	require.Len(t, outs, 1)
	assert.Equal(t, KindError, outs[0].Kind)
}

func TestExecute_NonZeroExitIsOutput(t *testing.T) {
	f := newFixture(t)
	f.dialer.SetupShell(f.host.Address, func(c *sshtest.MockClient) {
		c.SetCommandResponse(`^ls /nope$`, sshtest.CommandResponse{Stderr: []byte("ls: cannot access '/nope'"), ExitCode: 2})
	})

	res, err := f.m.Execute(context.Background(), f.host.ID, "ls /nope", "tab-6", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)

	outs := f.outputs(f.host.ID)
	require.Len(t, outs, 1)
	assert.Equal(t, 2, outs[0].ExitCode)
	assert.Contains(t, outs[0].Text, "cannot access")
}

func TestConnect_FailureEmitsError(t *testing.T) {
	f := newFixture(t)
	f.dialer.FailShell(errors.New(errors.ErrNetwork, "no route to host", ""))

	err := f.m.Connect(context.Background(), f.host.ID, "tab-7")
	require.Error(t, err)
	assert.True(t, errors.IsNetwork(err))

	outs := f.outputs(f.host.ID)
	require.Len(t, outs, 1)
	assert.Equal(t, KindError, outs[0].Kind)
	assert.Empty(t, f.m.Clients(f.host.ID))
}

func TestDisconnect_ReleasesSharedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.m.Connect(ctx, f.host.ID, "a"))
	require.NoError(t, f.m.Connect(ctx, f.host.ID, "b"))
	first := f.dialer.LastShell(f.host.Address)

	require.NoError(t, f.m.Disconnect(ctx, f.host.ID, "a"))
	assert.True(t, first.Closed(), "disconnect drops the host session for every client")
	assert.Equal(t, []string{"b"}, f.m.Clients(f.host.ID))

	_, err := f.m.Execute(ctx, f.host.ID, "hostname", "b", nil)
	require.NoError(t, err)
	assert.Len(t, f.dialer.Shells(f.host.Address), 2, "client b reconnects transparently")
}
