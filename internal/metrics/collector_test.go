package metrics

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/transport"
	sshtest "github.com/rileyhilliard/fleet/pkg/sshutil/testing"
)

const (
	procStatTwice = "cpu  1000 0 1000 7000 1000 0 0 0 0 0\ncpu  1400 0 1200 7300 1100 0 0 0 0 0\n"
	meminfo       = "MemTotal: 8000000 kB\nMemFree: 1000000 kB\nMemAvailable: 6000000 kB\nSwapTotal: 0 kB\nSwapFree: 0 kB\n"
	dfOutput      = "Filesystem 1024-blocks Used Available Capacity Mounted on\n/dev/vda1 1000 250 750 25% /\n"
	netDev        = "h1\nh2\n  eth0: 100 1 0 0 0 0 0 0 200 2 0 0 0 0 0 0\n"
	osRelease     = "NAME=\"Ubuntu\"\nID=ubuntu\n"
)

var fixedNow = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

func healthyHost(c *sshtest.MockClient) {
	c.SetOutput(`/proc/stat`, procStatTwice)
	c.SetOutput(`/proc/meminfo`, meminfo)
	c.SetOutput(`df -P`, dfOutput)
	c.SetOutput(`/proc/loadavg`, "0.50 0.40 0.30 1/200 999\n")
	c.SetOutput(`/proc/net/dev`, netDev)
	c.SetOutput(`ps -e`, "187\n")
	c.SetOutput(`uptime -p`, "up 2 days, 3 hours, 45 minutes\n")
	c.SetOutput(`/etc/os-release`, osRelease)
}

func newTestCollector(log logger.Logger) *Collector {
	return NewCollector(WithLogger(log), WithClock(func() time.Time { return fixedNow }))
}

func TestCollectHost(t *testing.T) {
	client := sshtest.NewMockClient("web-1")
	healthyHost(client)

	report := newTestCollector(logger.Noop()).CollectHost(context.Background(), transport.ClientExecutor{Client: client})
	snap := report.Snapshot

	assert.Empty(t, report.Failed)
	assert.Equal(t, OSUbuntu, report.OSFamily)
	assert.Equal(t, 60.0, snap.CPUPercent)
	assert.Equal(t, 25.0, snap.MemoryPercent)
	assert.Equal(t, int64(1000*1024), snap.DiskTotal)
	assert.Equal(t, 25.0, snap.DiskPercent)
	assert.Equal(t, 0.5, snap.Load1)
	assert.Equal(t, 0.3, snap.Load15)
	assert.Equal(t, int64(100), snap.NetworkRx)
	assert.Equal(t, int64(200), snap.NetworkTx)
	assert.Equal(t, 187, snap.ProcessCount)
	assert.Equal(t, int64(2*86400+3*3600+45*60), snap.UptimeSeconds)
	assert.Equal(t, fixedNow, snap.RecordedAt)

	for _, cmd := range client.Calls() {
		assert.Contains(t, cmd, "nice -n 19 ionice -c3 ", "every probe runs at low priority")
	}
}

func TestCollectHost_ProbeFailuresDegradeFields(t *testing.T) {
	client := sshtest.NewMockClient("web-1")
	healthyHost(client)
	client.SetCommandResponse(`/proc/meminfo`, sshtest.CommandResponse{ExitCode: 1, Stderr: []byte("Permission denied")})
	client.SetCommandResponse(`df -P`, sshtest.CommandResponse{Error: stderrors.New("session closed")})
	client.SetOutput(`/proc/loadavg`, "garbage")

	log := logger.NewBufferLogger()
	report := newTestCollector(log).CollectHost(context.Background(), transport.ClientExecutor{Client: client})

	assert.ElementsMatch(t, []string{"memory", "disk", "load"}, report.Failed)
	assert.Zero(t, report.Snapshot.MemoryPercent)
	assert.Zero(t, report.Snapshot.DiskTotal)
	assert.Zero(t, report.Snapshot.Load1)
	assert.Equal(t, 60.0, report.Snapshot.CPUPercent, "other probes still run")
	assert.Equal(t, 3, log.Count("warn"))
}

func TestCollector_CommandPrefix(t *testing.T) {
	assert.Equal(t, "uptime -p", NewCollector(WithPrefix("")).Command(ProbeUptime))
	assert.Equal(t, "nice -n 10 uptime -p", NewCollector(WithPrefix(" nice -n 10 ")).Command(ProbeUptime))
}

func TestCollectApplication_UptimePrefersWebServer(t *testing.T) {
	client := sshtest.NewMockClient("web-1")
	client.SetOutput(`ActiveEnterTimestampMonotonic --value 'nginx'`, "1000000000\n")
	client.SetOutput(`ActiveEnterTimestampMonotonic --value 'mysql'`, "200000000\n")
	client.SetOutput(`cat /proc/uptime`, "4600.52 9100.10\n")
	client.SetOutput(`uptime -p`, "up 9 days\n")

	app := &model.Application{ID: 4, WebServerUnit: "nginx", DatabaseUnit: "mysql"}
	snap := newTestCollector(logger.Noop()).CollectApplication(context.Background(), transport.ClientExecutor{Client: client}, app, "")

	assert.Equal(t, uint(4), snap.ApplicationID)
	assert.Equal(t, int64(3600), snap.UptimeSeconds)
}

func TestCollectApplication_UptimeFallbacks(t *testing.T) {
	client := sshtest.NewMockClient("web-1")
	client.SetOutput(`ActiveEnterTimestampMonotonic --value 'nginx'`, "0\n")
	client.SetOutput(`ActiveEnterTimestampMonotonic --value 'mysql'`, "1000000000\n")
	client.SetOutput(`cat /proc/uptime`, "15400.00 30000.00\n")
	client.SetOutput(`uptime -p`, "up 45 minutes\n")
	exec := transport.ClientExecutor{Client: client}
	c := newTestCollector(logger.Noop())

	snap := c.CollectApplication(context.Background(), exec, &model.Application{WebServerUnit: "nginx", DatabaseUnit: "mysql"}, "")
	assert.Equal(t, int64(4*3600), snap.UptimeSeconds, "database unit when web server has no timestamp")

	snap = c.CollectApplication(context.Background(), exec, &model.Application{WebServerUnit: "nginx"}, "")
	assert.Equal(t, int64(2700), snap.UptimeSeconds, "host uptime when no unit is usable")

	snap = c.CollectApplication(context.Background(), exec, &model.Application{}, "")
	assert.Equal(t, int64(2700), snap.UptimeSeconds)
}

func TestCollectApplication_LogCountsUseSudoOnStdin(t *testing.T) {
	client := sshtest.NewMockClient("web-1")
	client.SetOutput(`access\.log`, "1500\n")
	client.SetCommandResponse(`error\.log`, sshtest.CommandResponse{ExitCode: 1, Stderr: []byte("sudo: incorrect password")})
	client.SetOutput(`uptime -p`, "up 1 hour\n")

	app := &model.Application{
		AccessLogPath: "/var/log/nginx/access.log",
		ErrorLogPath:  "/var/log/nginx/error.log",
	}
	snap := newTestCollector(logger.Noop()).CollectApplication(context.Background(), transport.ClientExecutor{Client: client}, app, "s3cret")

	assert.Equal(t, int64(1500), snap.RequestCount)
	assert.Zero(t, snap.ErrorCount, "failures count as zero")

	for _, cmd := range client.Calls() {
		assert.NotContains(t, cmd, "s3cret")
	}
	var sudoCmd string
	for _, cmd := range client.Calls() {
		if strings.Contains(cmd, "access.log") {
			sudoCmd = cmd
		}
	}
	require.NotEmpty(t, sudoCmd)
	assert.Contains(t, sudoCmd, "sudo -S -p ''")
	in, ok := client.Input(sudoCmd)
	require.True(t, ok)
	assert.Equal(t, "s3cret\n", in)
}

func TestCollectApplication_UnitUsage(t *testing.T) {
	client := sshtest.NewMockClient("web-1")
	client.SetOutput(`MainPID --value 'php-fpm'`, "4242\n")
	client.SetOutput(`ps -o %cpu=,%mem= -p 4242`, " 12.5  3.2\n")
	client.SetOutput(`uptime -p`, "up 1 hour\n")

	snap := newTestCollector(logger.Noop()).CollectApplication(context.Background(),
		transport.ClientExecutor{Client: client}, &model.Application{WebServerUnit: "php-fpm"}, "")

	assert.Equal(t, 12.5, snap.CPUPercent)
	assert.Equal(t, 3.2, snap.MemoryPercent)
}
