package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/server"
	transporttest "github.com/rileyhilliard/fleet/internal/transport/testing"
	sshtest "github.com/rileyhilliard/fleet/pkg/sshutil/testing"
)

// env is one isolated fleet installation: a config file, a store and a
// mock SSH dialer shared by every command run against it.
type env struct {
	t      *testing.T
	dir    string
	config string
	dialer *transporttest.Dialer
	vars   map[string]string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "fleet.yaml")
	content := "version: 1\n" +
		"store:\n  path: " + filepath.Join(dir, "fleet.db") + "\n" +
		"secrets:\n  work_factor: 10\n" +
		"transport:\n  attempts: 1\n  retry_delay: 0s\n" +
		"transfer:\n  download_dir: " + filepath.Join(dir, "downloads") + "\n"
	require.NoError(t, os.WriteFile(cfg, []byte(content), 0o600))

	return &env{
		t:      t,
		dir:    dir,
		config: cfg,
		dialer: transporttest.NewDialer(),
		vars:   map[string]string{"FLEET_SECRET": "correct horse battery staple"},
	}
}

type result struct {
	stdout string
	stderr string
	err    error
}

func (e *env) run(stdin string, args ...string) result {
	e.t.Helper()
	a := &app{
		dialer: e.dialer,
		getenv: func(k string) string { return e.vars[k] },
		stdin:  strings.NewReader(stdin),
	}
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(a)
	cmd.SetArgs(append([]string{"--config", e.config, "--no-color"}, args...))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.ExecuteContext(context.Background())
	a.close()
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func (e *env) addHost(name, address string) {
	e.t.Helper()
	r := e.run("s3cret\n", "hosts", "add", name, address, "--user", "deploy", "--password-stdin")
	require.NoError(e.t, r.err, r.stderr)
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	code, ok := errors.GetExitCode(err)
	require.True(t, ok, "expected an exit error, got %v", err)
	return code
}

func TestHostsAdd(t *testing.T) {
	e := newEnv(t)

	r := e.run("s3cret\n", "hosts", "add", "web-1", "10.0.0.11", "--user", "deploy", "--password-stdin")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "Added web-1 (deploy@10.0.0.11:22)")
	assert.Contains(t, r.stdout, "Connected to web-1")

	shell, _ := e.dialer.Dials()
	assert.Equal(t, 1, shell)

	r = e.run("", "hosts", "list")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "web-1")
	assert.Contains(t, r.stdout, "deploy@10.0.0.11:22")
	assert.Contains(t, r.stdout, "online")
}

func TestHostsAdd_Duplicate(t *testing.T) {
	e := newEnv(t)
	e.addHost("web-1", "10.0.0.11")

	r := e.run("other\n", "hosts", "add", "web-1", "10.0.0.12", "--user", "deploy", "--password-stdin", "--skip-probe")
	require.Error(t, r.err)
	assert.Contains(t, errors.Summary(r.err), "web-1")

	r = e.run("other\n", "hosts", "add", "web-1", "10.0.0.11", "--user", "deploy", "--password-stdin", "--skip-probe", "--update")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "Updated credentials for web-1")
}

func TestHostsAdd_UnreachableStillRegisters(t *testing.T) {
	e := newEnv(t)
	e.dialer.FailShell(errors.New(errors.ErrNetwork, "connection refused", ""))

	r := e.run("s3cret\n", "hosts", "add", "web-1", "10.0.0.11", "--user", "deploy", "--password-stdin")
	require.NoError(t, r.err)
	assert.Contains(t, r.stderr, "web-1 is unreachable")

	r = e.run("", "hosts", "list")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "offline")
}

func TestHostsAdd_RequiresPassphrase(t *testing.T) {
	e := newEnv(t)
	delete(e.vars, "FLEET_SECRET")

	r := e.run("s3cret\n", "hosts", "add", "web-1", "10.0.0.11", "--password-stdin")
	require.Error(t, r.err)
	assert.True(t, errors.IsCode(r.err, errors.ErrConfig))
	assert.Contains(t, errors.Summary(r.err), "FLEET_SECRET")
}

func TestHostsAdd_InvalidAddress(t *testing.T) {
	e := newEnv(t)
	r := e.run("s3cret\n", "hosts", "add", "web-1", "not a host!", "--password-stdin")
	require.Error(t, r.err)
	assert.True(t, errors.IsCode(r.err, errors.ErrConfig))
}

func TestHostsList_Empty(t *testing.T) {
	e := newEnv(t)
	r := e.run("", "hosts", "list")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "No hosts registered")
}

func TestHostsRemove(t *testing.T) {
	e := newEnv(t)
	e.addHost("web-1", "10.0.0.11")

	r := e.run("", "hosts", "remove", "web-1")
	require.Error(t, r.err, "non-interactive removal needs --yes")

	r = e.run("", "hosts", "remove", "web-1", "--yes")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Removed web-1")

	r = e.run("", "hosts", "remove", "web-1", "--yes")
	require.Error(t, r.err)
	assert.True(t, errors.IsCode(r.err, errors.ErrNotFound))
}

func TestHostsImport(t *testing.T) {
	e := newEnv(t)
	e.vars["WEB_PW"] = "s3cret"
	inv := filepath.Join(e.dir, "hosts.yaml")
	require.NoError(t, os.WriteFile(inv, []byte(`hosts:
  - name: web-1
    address: 10.0.0.11
    user: deploy
    auth: password
    password_env: WEB_PW
  - name: web-2
    address: 10.0.0.12
    user: deploy
    auth: password
    password_env: MISSING_PW
`), 0o600))

	r := e.run("", "hosts", "import", inv)
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "Added web-1")
	assert.Contains(t, r.stderr, "Skipped web-2")

	// Everything already present: nothing added.
	r = e.run("", "hosts", "import", inv)
	assert.Equal(t, 1, exitCode(t, r.err))
}

func TestMetricsRefresh_NoHosts(t *testing.T) {
	e := newEnv(t)
	r := e.run("", "metrics", "refresh", "--all")
	assert.Equal(t, 1, exitCode(t, r.err))
	assert.Contains(t, r.stderr, "No active hosts")
}

func TestMetricsRefresh_HostAndAllConflict(t *testing.T) {
	e := newEnv(t)
	r := e.run("", "metrics", "refresh", "web-1", "--all")
	require.Error(t, r.err)
	assert.True(t, errors.IsCode(r.err, errors.ErrConfig))
}

func TestMetricsRefresh_NoHostNonInteractive(t *testing.T) {
	e := newEnv(t)
	r := e.run("", "metrics", "refresh")
	require.Error(t, r.err)
	assert.Contains(t, errors.Summary(r.err), "No host given")
}

func TestServicesDiscover_NoHosts(t *testing.T) {
	e := newEnv(t)
	r := e.run("", "services", "discover", "--all")
	assert.Equal(t, 1, exitCode(t, r.err))
}

func TestExec(t *testing.T) {
	e := newEnv(t)
	e.dialer.SetupShell("10.0.0.11", func(c *sshtest.MockClient) {
		c.SetOutput("^uptime$", " 10:00:00 up 3 days,  load average: 0.10\n")
		c.SetCommandResponse("^false$", sshtest.CommandResponse{Stderr: []byte("nope\n"), ExitCode: 3})
	})
	e.addHost("web-1", "10.0.0.11")

	r := e.run("", "exec", "web-1", "--", "uptime")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "up 3 days")

	r = e.run("", "exec", "web-1", "--", "false")
	assert.Equal(t, 3, exitCode(t, r.err))
	assert.Contains(t, r.stdout, "nope")
}

func TestExec_Blocked(t *testing.T) {
	e := newEnv(t)
	e.addHost("web-1", "10.0.0.11")

	r := e.run("", "exec", "web-1", "--", "rm", "-rf", "/")
	require.Error(t, r.err)
	assert.True(t, errors.IsCode(r.err, errors.ErrBlocked))

	for _, c := range e.dialer.Shells("10.0.0.11") {
		assert.NotContains(t, c.Calls(), "rm -rf /")
	}
}

func TestExec_SudoPasswordOnStdin(t *testing.T) {
	e := newEnv(t)
	e.addHost("web-1", "10.0.0.11")

	r := e.run("rootpw\n", "exec", "web-1", "--sudo-password-stdin", "--", "whoami")
	require.NoError(t, r.err, r.stderr)

	shell := e.dialer.LastShell("10.0.0.11")
	require.NotNil(t, shell)
	var found bool
	for _, call := range shell.Calls() {
		if strings.Contains(call, "whoami") {
			found = true
			assert.NotContains(t, call, "rootpw")
			in, ok := shell.Input(call)
			require.True(t, ok)
			assert.Equal(t, "rootpw\n", in)
		}
	}
	assert.True(t, found)
}

func TestTransferLs_UnknownHost(t *testing.T) {
	e := newEnv(t)
	r := e.run("", "transfer", "ls", "ghost")
	require.Error(t, r.err)
	assert.True(t, errors.IsCode(r.err, errors.ErrNotFound))
}

func TestTransferUploadAndStatus(t *testing.T) {
	e := newEnv(t)
	e.addHost("web-1", "10.0.0.11")
	local := filepath.Join(e.dir, "release.tar.gz")
	require.NoError(t, os.WriteFile(local, bytes.Repeat([]byte("x"), 4096), 0o600))

	r := e.run("", "transfer", "upload", "web-1", local, "/tmp/release.tar.gz")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "Uploaded /tmp/release.tar.gz")
	assert.True(t, e.dialer.FS("10.0.0.11").IsFile("/tmp/release.tar.gz"))

	r = e.run("", "transfer", "list")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "/tmp/release.tar.gz")
	assert.Contains(t, r.stdout, "complete")

	r = e.run("", "transfer", "status", "1")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "/tmp/release.tar.gz")
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2026-01-01")
	t.Cleanup(func() { SetVersionInfo("dev", "none", "unknown") })

	var out bytes.Buffer
	cmd := newRootCmd(&app{})
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--short"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "1.2.3\n", out.String())

	out.Reset()
	cmd = newRootCmd(&app{})
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "fleet v1.2.3")
	assert.Contains(t, out.String(), "commit: abc123")
}

func TestServerURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8088", serverURL(":8088"))
	assert.Equal(t, "http://10.0.0.5:9000", serverURL("10.0.0.5:9000"))
	assert.Equal(t, "https://fleet.example.com", serverURL("https://fleet.example.com"))
}

func TestEventsTest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := events.NewHub(logger.Noop())
	go hub.Run(ctx)

	srv := httptest.NewServer(server.New(server.Deps{Hub: hub, Log: logger.Noop()}))
	defer srv.Close()

	e := newEnv(t)
	r := e.run("", "events", "test", "--server", srv.URL, "--channel", events.ChannelHosts, "--message", "hello")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, `Broadcast on "hosts" to 0 subscriber(s)`)
}

func TestEventsTest_ServerDown(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	e := newEnv(t)
	r := e.run("", "events", "test", "--server", url, "--timeout", "2s")
	require.Error(t, r.err)
	assert.True(t, errors.IsCode(r.err, errors.ErrNetwork))
}

func TestDoctor(t *testing.T) {
	e := newEnv(t)
	e.addHost("web-1", "10.0.0.11")

	r := e.run("", "doctor")
	require.NoError(t, r.err, r.stdout)
	assert.Contains(t, r.stdout, "FLEET_SECRET opens stored credentials")
	assert.Contains(t, r.stdout, "web-1 (deploy@10.0.0.11:22)")

	e.vars["FLEET_SECRET"] = "wrong passphrase"
	r = e.run("", "doctor", "--json")
	assert.Equal(t, 1, exitCode(t, r.err))
	var report DoctorOutput
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &report))
	assert.Equal(t, 1, report.Summary.Fail)
	assert.False(t, report.Summary.AllClear)
}

func TestDoctor_BadConfig(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(e.config, []byte("runner:\n  workers: 0\n"), 0o600))

	r := e.run("", "doctor")
	assert.Equal(t, 1, exitCode(t, r.err))
	assert.Contains(t, r.stdout, "runner.workers")
}
