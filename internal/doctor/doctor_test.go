package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/secrets"
	"github.com/rileyhilliard/fleet/internal/store"
	transporttest "github.com/rileyhilliard/fleet/internal/transport/testing"
)

type staticCheck struct {
	name   string
	result CheckResult
}

func (c staticCheck) Name() string                    { return c.name }
func (c staticCheck) Category() string                { return "TEST" }
func (c staticCheck) Run(context.Context) CheckResult { return c.result }

func TestRunAll_KeepsOrderAndFillsNames(t *testing.T) {
	checks := []Check{
		staticCheck{"a", pass("one")},
		staticCheck{"b", warn("two", "fix it")},
		staticCheck{"c", fail("three", "")},
	}
	results := RunAll(context.Background(), checks, 3)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Name)
	assert.Equal(t, "TEST", results[1].Category)
	assert.Equal(t, StatusFail, results[2].Status)

	assert.True(t, HasFailures(results))
	assert.True(t, HasIssues(results))
	assert.Equal(t, "2 issues found", Summary(results))
	assert.Equal(t, "Everything looks good", Summary(results[:1]))
}

func TestCheckStatus_MarshalText(t *testing.T) {
	b, err := StatusWarn.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "warn", string(b))
	assert.Equal(t, "unknown", CheckStatus(9).String())
}

func TestConfigCheck(t *testing.T) {
	ctx := context.Background()
	missing := (&ConfigCheck{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")}).Run(ctx)
	assert.Equal(t, StatusFail, missing.Status)

	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runner:\n  workers: 0\n"), 0o600))
	invalid := (&ConfigCheck{ConfigPath: path}).Run(ctx)
	assert.Equal(t, StatusFail, invalid.Status)
	assert.Contains(t, invalid.Message, "runner.workers")

	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o600))
	ok := (&ConfigCheck{ConfigPath: path}).Run(ctx)
	assert.Equal(t, StatusPass, ok.Status)
}

func TestPassphraseCheck(t *testing.T) {
	ctx := context.Background()
	v, err := secrets.NewVault("right", 10)
	require.NoError(t, err)
	sealed, err := v.Seal("pw")
	require.NoError(t, err)

	assert.Equal(t, StatusFail, (&PassphraseCheck{EnvVar: "FLEET_SECRET"}).Run(ctx).Status)
	assert.Equal(t, StatusPass, (&PassphraseCheck{EnvVar: "FLEET_SECRET", Passphrase: "x"}).Run(ctx).Status)
	assert.Equal(t, StatusPass, (&PassphraseCheck{EnvVar: "FLEET_SECRET", Passphrase: "right", WorkFactor: 10, Sealed: sealed}).Run(ctx).Status)

	wrong := (&PassphraseCheck{EnvVar: "FLEET_SECRET", Passphrase: "wrong", WorkFactor: 10, Sealed: sealed}).Run(ctx)
	assert.Equal(t, StatusFail, wrong.Status)
	assert.Contains(t, wrong.Message, "does not open")
}

func TestKnownHostsCheck(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusWarn, (&KnownHostsCheck{}).Run(ctx).Status)
	assert.Equal(t, StatusFail, (&KnownHostsCheck{Strict: true, Path: filepath.Join(t.TempDir(), "known_hosts")}).Run(ctx).Status)

	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	assert.Equal(t, StatusPass, (&KnownHostsCheck{Strict: true, Path: path}).Run(ctx).Status)
}

func TestStoreAndHostChecks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fleet.db")

	empty := &StoreCheck{Path: path}
	assert.Equal(t, StatusWarn, empty.Run(ctx).Status)

	st, err := store.Open(path)
	require.NoError(t, err)
	up := &model.Host{Name: "web-1", Address: "10.0.0.11", Port: 22, Username: "deploy", Active: true}
	bare := &model.Host{Name: "web-2", Address: "10.0.0.12", Port: 22, Username: "deploy", Active: true}
	require.NoError(t, st.CreateHost(ctx, up))
	require.NoError(t, st.CreateHost(ctx, bare))
	require.NoError(t, st.SaveConnection(ctx, &model.AgentConnection{HostID: up.ID, AuthMode: model.AuthPassword, EncryptedSecret: "sealed"}))
	require.NoError(t, st.Close())

	sc := &StoreCheck{Path: path}
	require.Equal(t, StatusPass, sc.Run(ctx).Status)
	require.Len(t, sc.Hosts, 2)
	assert.Equal(t, "sealed", FirstSealed(sc.Hosts))

	dialer := transporttest.NewDialer()
	pool := transporttest.NewPool(dialer)
	t.Cleanup(pool.Close)

	results := RunAll(ctx, NewHostsChecks(sc.Hosts, pool), 2)
	require.Len(t, results, 2)
	assert.Equal(t, "host_web-1", results[0].Name)
	assert.Equal(t, StatusPass, results[0].Status)
	assert.Equal(t, StatusFail, results[1].Status)
	assert.Contains(t, results[1].Message, "no stored credentials")

	dialer.FailShell(errors.New(errors.ErrNetwork, "connection refused", ""))
	down := (&HostConnectivityCheck{Host: &sc.Hosts[0], Pool: pool}).Run(ctx)
	assert.Equal(t, StatusFail, down.Status)
	assert.Contains(t, down.Suggestion, "offline")
}
