package inventory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/secrets"
	"github.com/rileyhilliard/fleet/internal/store"
	"github.com/rileyhilliard/fleet/pkg/sshutil"
)

const sample = `
hosts:
  - name: web-1
    address: 10.0.0.11
    user: deploy
    auth: password
    password_env: WEB_PW
  - name: db-1
    address: db.internal
    port: 2222
    user: root
    auth: key
    key_file: /keys/db
    passphrase_env: DB_PASSPHRASE
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, f.Hosts, 2)
	assert.Equal(t, "web-1", f.Hosts[0].Name)
	assert.Equal(t, model.AuthKey, f.Hosts[1].Auth)
	assert.Equal(t, 2222, f.Hosts[1].Port)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "hosts: []", "Inventory is invalid"},
		{"unknown key", "hosts:\n  - name: a\n    address: h\n    user: u\n    auth: key\n    key_file: /k\n    colour: red", "not valid YAML"},
		{"bad auth", "hosts:\n  - name: a\n    address: h\n    user: u\n    auth: token", "auth must be one of"},
		{"key without file", "hosts:\n  - name: a\n    address: h\n    user: u\n    auth: key", "key_file is required"},
		{"whitespace name", "hosts:\n  - name: a b\n    address: h\n    user: u\n    auth: key\n    key_file: /k", "contains whitespace"},
		{"duplicate", "hosts:\n  - {name: a, address: h, user: u, auth: key, key_file: /k}\n  - {name: a, address: h2, user: u, auth: key, key_file: /k}", "appears twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrConfig))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFromSSHConfig(t *testing.T) {
	entries := []sshutil.SSHHostEntry{
		{Alias: "mini", Hostname: "192.168.1.50", User: "riley", Port: "2200", IdentityFile: "/keys/mini"},
		{Alias: "bare"},
	}

	got, err := FromSSHConfig(entries, []string{"mini", "bare"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Entry{Name: "mini", Address: "192.168.1.50", Port: 2200, User: "riley", Auth: model.AuthKey, KeyFile: "/keys/mini"}, got[0])
	assert.Equal(t, "bare", got[1].Address)
	assert.Equal(t, "root", got[1].User)
	assert.Equal(t, 22, got[1].Port)

	_, err = FromSSHConfig(entries, []string{"nope"})
	assert.True(t, errors.IsCode(err, errors.ErrNotFound))
}

func TestEnvResolver(t *testing.T) {
	env := map[string]string{"WEB_PW": "hunter2", "DB_PASSPHRASE": "phrase"}
	files := map[string][]byte{"/keys/db": []byte("-----BEGIN KEY-----")}
	resolve := EnvResolver(func(k string) string { return env[k] }, func(p string) ([]byte, error) {
		if b, ok := files[p]; ok {
			return b, nil
		}
		return nil, fmt.Errorf("open %s: no such file", p)
	})

	c, err := resolve(Entry{Name: "web-1", Auth: model.AuthPassword, PasswordEnv: "WEB_PW"})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", c.Password)

	c, err = resolve(Entry{Name: "db-1", Auth: model.AuthKey, KeyFile: "/keys/db", PassphraseEnv: "DB_PASSPHRASE"})
	require.NoError(t, err)
	assert.Equal(t, []byte("-----BEGIN KEY-----"), c.PrivateKey)
	assert.Equal(t, "phrase", c.Passphrase)

	_, err = resolve(Entry{Name: "x", Auth: model.AuthPassword, PasswordEnv: "MISSING"})
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
	_, err = resolve(Entry{Name: "y", Auth: model.AuthKey, KeyFile: "/keys/none"})
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func newRegistrar(t *testing.T) (*Registrar, *secrets.Vault) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	vault, err := secrets.NewVault("inventory-test", 10)
	require.NoError(t, err)
	return &Registrar{Store: st, Vault: vault, Log: logger.Noop()}, vault
}

func TestRegistrar_AddSealsCredentials(t *testing.T) {
	r, vault := newRegistrar(t)
	ctx := context.Background()

	host, err := r.Add(ctx, Entry{Name: "web-1", Address: "10.0.0.11", User: "deploy", Auth: model.AuthPassword}, Credentials{Password: "hunter2"})
	require.NoError(t, err)
	assert.True(t, host.Active)

	got, err := r.Store.GetHostByName(ctx, "web-1")
	require.NoError(t, err)
	require.NotNil(t, got.Connection)
	assert.NotContains(t, got.Connection.EncryptedSecret, "hunter2")
	plain, err := vault.Open(got.Connection.EncryptedSecret)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	_, err = r.Add(ctx, Entry{Name: "web-2", Address: "10.0.0.12", User: "deploy", Auth: model.AuthPassword}, Credentials{})
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestRegistrar_UpdateCredentials(t *testing.T) {
	r, vault := newRegistrar(t)
	ctx := context.Background()
	_, err := r.Add(ctx, Entry{Name: "db-1", Address: "db.internal", User: "root", Auth: model.AuthPassword}, Credentials{Password: "old"})
	require.NoError(t, err)

	require.NoError(t, r.UpdateCredentials(ctx, "db-1", model.AuthKey, Credentials{PrivateKey: []byte("KEY"), Passphrase: "pp"}))

	got, err := r.Store.GetHostByName(ctx, "db-1")
	require.NoError(t, err)
	assert.Equal(t, model.AuthKey, got.Connection.AuthMode)
	pp, err := vault.Open(got.Connection.EncryptedPassphrase)
	require.NoError(t, err)
	assert.Equal(t, "pp", pp)

	err = r.UpdateCredentials(ctx, "ghost", model.AuthPassword, Credentials{Password: "x"})
	assert.True(t, errors.IsCode(err, errors.ErrNotFound))
}

func TestRegistrar_ImportSkipsFailures(t *testing.T) {
	r, _ := newRegistrar(t)
	ctx := context.Background()
	_, err := r.Add(ctx, Entry{Name: "existing", Address: "10.0.0.1", User: "u", Auth: model.AuthPassword}, Credentials{Password: "p"})
	require.NoError(t, err)

	entries := []Entry{
		{Name: "existing", Address: "10.0.0.1", User: "u", Auth: model.AuthPassword, PasswordEnv: "PW"},
		{Name: "fresh", Address: "10.0.0.2", User: "u", Auth: model.AuthPassword, PasswordEnv: "PW"},
		{Name: "nokey", Address: "10.0.0.3", User: "u", Auth: model.AuthKey, KeyFile: "/missing"},
	}
	resolve := EnvResolver(func(string) string { return "pw" }, func(p string) ([]byte, error) {
		return nil, fmt.Errorf("open %s: no such file", p)
	})

	rep := r.Import(ctx, entries, resolve)
	assert.Equal(t, []string{"fresh"}, rep.Added)
	assert.Len(t, rep.Skipped, 2)
	assert.Contains(t, rep.Skipped, "existing")
	assert.Contains(t, rep.Skipped, "nokey")
}
