package sshutil_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/pkg/sshutil"
	sshtest "github.com/rileyhilliard/fleet/pkg/sshutil/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func echoHandler(cmd string, stdin []byte) (string, int) {
	switch {
	case cmd == "false":
		return "", 1
	case strings.HasPrefix(cmd, "cat"):
		return string(stdin), 0
	default:
		return "ran: " + cmd + "\n", 0
	}
}

func testOptions() sshutil.Options {
	return sshutil.Options{Timeout: 2 * time.Second, SSHConfig: "/nonexistent/ssh_config"}
}

func startServer(t *testing.T, opts ...sshtest.ServerOption) *sshtest.Server {
	t.Helper()
	srv, err := sshtest.NewServer(echoHandler, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestDial_PasswordAndExec(t *testing.T) {
	srv := startServer(t, sshtest.WithPassword("pw"))

	client, err := sshutil.Dial(context.Background(),
		sshutil.Target{Host: srv.Host, Port: srv.Port, User: "deploy"},
		sshutil.Credentials{Method: sshutil.AuthPassword, Password: "pw"},
		testOptions())
	require.NoError(t, err)
	defer client.Close()

	client.SetupEnvironment("xterm")
	stdout, _, code, err := client.Exec("uptime")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "ran: uptime\n", string(stdout))
	assert.Equal(t, "xterm", srv.Env("TERM"))

	_, _, code, err = client.Exec("false")
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	stdout, _, _, err = client.ExecInput("cat", strings.NewReader("secret\n"))
	require.NoError(t, err)
	assert.Equal(t, "secret\n", string(stdout))

	var buf bytes.Buffer
	code, err = client.ExecStream("hostname", &buf, &buf)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "ran: hostname\n", buf.String())

	ok, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDial_WrongPasswordIsAuth(t *testing.T) {
	srv := startServer(t, sshtest.WithPassword("pw"))

	_, err := sshutil.Dial(context.Background(),
		sshutil.Target{Host: srv.Host, Port: srv.Port, User: "deploy"},
		sshutil.Credentials{Method: sshutil.AuthPassword, Password: "nope"},
		testOptions())
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err), "got %v", err)
}

func TestDial_KeyAuth(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	srv := startServer(t, sshtest.WithAuthorizedKey(sshPub))

	client, err := sshutil.Dial(context.Background(),
		sshutil.Target{Host: srv.Host, Port: srv.Port, User: "deploy"},
		sshutil.Credentials{Method: sshutil.AuthKey, PrivateKey: pem.EncodeToMemory(block)},
		testOptions())
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, srv.Host, client.GetHost())
	assert.Equal(t, net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port)), client.GetAddress())
}

func TestDial_RefusedIsNetwork(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = sshutil.Dial(context.Background(),
		sshutil.Target{Host: "127.0.0.1", Port: port, User: "deploy"},
		sshutil.Credentials{Method: sshutil.AuthPassword, Password: "pw"},
		testOptions())
	require.Error(t, err)
	assert.True(t, errors.IsNetwork(err), "got %v", err)
}

func TestDial_ContextCancelled(t *testing.T) {
	srv := startServer(t, sshtest.WithPassword("pw"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sshutil.Dial(ctx,
		sshutil.Target{Host: srv.Host, Port: srv.Port, User: "deploy"},
		sshutil.Credentials{Method: sshutil.AuthPassword, Password: "pw"},
		testOptions())
	assert.True(t, errors.IsNetwork(err))
}

func TestClient_KeepaliveStopsOnClose(t *testing.T) {
	srv := startServer(t, sshtest.WithPassword("pw"))

	client, err := sshutil.Dial(context.Background(),
		sshutil.Target{Host: srv.Host, Port: srv.Port, User: "deploy"},
		sshutil.Credentials{Method: sshutil.AuthPassword, Password: "pw"},
		testOptions())
	require.NoError(t, err)

	client.StartKeepalive(10 * time.Millisecond)
	client.StartKeepalive(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, client.Close())
	assert.NotPanics(t, func() { _ = client.Close() })
}
