package testing

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockFS_MkdirAndRemove(t *testing.T) {
	fs := NewMockFS()

	require.NoError(t, fs.Mkdir("/tmp"))
	assert.Error(t, fs.Mkdir("/tmp"), "mkdir twice")

	require.NoError(t, fs.MkdirAll("/a/b/c"))
	assert.True(t, fs.IsDir("/a"))
	assert.True(t, fs.IsDir("/a/b/c"))

	require.NoError(t, fs.WriteFile("/a/b/c/file.txt", []byte("x")))
	require.NoError(t, fs.Remove("/a/b"))
	assert.False(t, fs.Exists("/a/b/c/file.txt"))
	assert.True(t, fs.IsDir("/a"))
}

func TestMockFS_WriteFileCreatesAncestors(t *testing.T) {
	fs := NewMockFS()
	require.NoError(t, fs.WriteFile("/var/www/shop/artisan", []byte("php")))

	assert.True(t, fs.IsDir("/var"))
	assert.True(t, fs.IsDir("/var/www/shop"))

	content, err := fs.ReadFile("/var/www/shop/artisan")
	require.NoError(t, err)
	assert.Equal(t, "php", string(content))

	_, err = fs.ReadFile("/missing")
	assert.Error(t, err)
}

func TestMockFS_List(t *testing.T) {
	fs := NewMockFS()
	require.NoError(t, fs.WriteFile("/srv/b.log", []byte("12345")))
	require.NoError(t, fs.WriteFile("/srv/sub/a.txt", []byte("1")))

	entries, err := fs.List("/srv")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, DirEntry{Name: "b.log", Size: 5}, entries[0])
	assert.Equal(t, DirEntry{Name: "sub", IsDir: true}, entries[1])

	_, err = fs.List("/nope")
	assert.Error(t, err)
}

func TestMockClient_FileProbes(t *testing.T) {
	client := NewMockClient("web-1")
	WithFiles(client, map[string]string{"/app/package.json": `{"name":"shop"}`})
	WithDirs(client, []string{"/app/node_modules"})

	stdout, _, code, err := client.Exec(`cat '/app/package.json'`)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, `{"name":"shop"}`, string(stdout))

	_, stderr, code, _ := client.Exec("cat /app/missing 2>/dev/null")
	assert.Equal(t, 1, code)
	assert.Contains(t, string(stderr), "No such file")

	_, _, code, _ = client.Exec(`test -f "/app/package.json"`)
	assert.Equal(t, 0, code)
	_, _, code, _ = client.Exec(`test -d /app/node_modules`)
	assert.Equal(t, 0, code)
	_, _, code, _ = client.Exec(`test -e /app/nothing`)
	assert.Equal(t, 1, code)

	_, _, code, err = client.Exec("some-unknown-command")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestMockClient_CannedResponses(t *testing.T) {
	client := NewMockClient("web-1")
	client.SetCommandResponse("exact-cmd", CommandResponse{Stdout: []byte("exact"), ExitCode: 42})
	client.SetOutput(`cat /proc/loadavg`, "0.50 0.40 0.30 1/200 999\n")
	client.SetOutput(`^systemctl`, "first\n")
	client.SetOutput(`systemctl show`, "second\n")

	stdout, _, code, err := client.Exec("exact-cmd")
	require.NoError(t, err)
	assert.Equal(t, 42, code)
	assert.Equal(t, "exact", string(stdout))

	stdout, _, _, _ = client.Exec("nice -n 19 cat /proc/loadavg")
	assert.Equal(t, "0.50 0.40 0.30 1/200 999\n", string(stdout), "regex matches inside prefixed commands")

	stdout, _, _, _ = client.Exec("systemctl show nginx")
	assert.Equal(t, "first\n", string(stdout), "patterns match in registration order")

	client.SetCommandResponse("boom", CommandResponse{Error: errors.New("transport down")})
	_, _, _, err = client.Exec("boom")
	assert.Error(t, err)
}

func TestMockClient_RecordsCallsAndInput(t *testing.T) {
	client := NewMockClient("web-1")

	_, _, _, err := client.ExecInput("sudo -S -p '' wc -l /var/log/nginx/access.log", strings.NewReader("pw\n"))
	require.NoError(t, err)
	_, _, _, err = client.Exec("uptime")
	require.NoError(t, err)

	assert.Equal(t, []string{"sudo -S -p '' wc -l /var/log/nginx/access.log", "uptime"}, client.Calls())

	in, ok := client.Input("sudo -S -p '' wc -l /var/log/nginx/access.log")
	require.True(t, ok)
	assert.Equal(t, "pw\n", in)

	_, ok = client.Input("uptime")
	assert.False(t, ok)
}

func TestMockClient_ExecStream(t *testing.T) {
	client := NewMockClient("web-1")
	client.SetCommandResponse("build", CommandResponse{Stdout: []byte("out"), Stderr: []byte("err"), ExitCode: 3})

	var stdout, stderr bytes.Buffer
	code, err := client.ExecStream("build", &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "out", stdout.String())
	assert.Equal(t, "err", stderr.String())
}

func TestMockClient_Liveness(t *testing.T) {
	client := NewMockClient("web-1")

	ok, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	client.MarkDead()
	_, _, err = client.SendRequest("keepalive@openssh.com", true, nil)
	assert.Error(t, err)
	assert.False(t, client.Closed())

	require.NoError(t, client.Close())
	assert.True(t, client.Closed())
	_, _, _, err = client.Exec("uptime")
	assert.Error(t, err)
}

func TestMockClient_Environment(t *testing.T) {
	client := NewMockClient("web-1")
	client.SetupEnvironment("xterm")
	client.StartKeepalive(30 * time.Second)

	assert.Equal(t, "xterm", client.Term())
	assert.Equal(t, 30*time.Second, client.Keepalive())
	assert.Equal(t, "web-1", client.GetHost())
	assert.Equal(t, "web-1:22", client.GetAddress())
}

func TestMockFileClient_ReadWrite(t *testing.T) {
	fc := NewMockFileClient("web-1", nil)
	require.NoError(t, fc.FS().WriteFile("/data/dump.sql", []byte("0123456789")))

	info, err := fc.Stat("/data/dump.sql")
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size())
	assert.False(t, info.IsDir())

	fc.OverrideSize("/data/dump.sql", 99)
	info, _ = fc.Stat("/data/dump.sql")
	assert.Equal(t, int64(99), info.Size())

	fc.SlowReads(3, 0)
	r, err := fc.Open("/data/dump.sql")
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, _ := r.Read(buf)
	assert.Equal(t, 3, n)
	rest, _ := io.ReadAll(r)
	assert.Equal(t, "3456789", string(rest))

	w, err := fc.Create("/upload/file.bin")
	require.NoError(t, err)
	_, _ = w.Write([]byte("abc"))
	assert.False(t, fc.FS().IsFile("/upload/file.bin"), "written on close")
	require.NoError(t, w.Close())
	assert.True(t, fc.FS().IsFile("/upload/file.bin"))

	_, err = fc.Stat("/nope")
	assert.True(t, os.IsNotExist(err))
}

func TestMockFileClient_DirAndFailures(t *testing.T) {
	fc := NewMockFileClient("web-1", nil)
	require.NoError(t, fc.FS().WriteFile("/logs/app.log", []byte("x")))

	entries, err := fc.ReadDir("/logs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "app.log", entries[0].Name())

	require.NoError(t, fc.Remove("/logs/app.log"))
	assert.Equal(t, []string{"/logs/app.log"}, fc.Removed())
	assert.Error(t, fc.Remove("/logs/app.log"))

	fc.FailOpen(errors.New("permission denied"))
	_, err = fc.Open("/logs/app.log")
	assert.Error(t, err)
	_, err = fc.Create("/logs/new.log")
	assert.Error(t, err)

	fc.MarkDead()
	_, _, err = fc.SendRequest("keepalive@openssh.com", true, nil)
	assert.Error(t, err)
}
