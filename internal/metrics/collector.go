// Package metrics collects host and application metrics by running a fixed
// battery of shell probes over a transport session.
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/telemetry"
	"github.com/rileyhilliard/fleet/internal/transport"
	"github.com/rileyhilliard/fleet/internal/util"
)

// Probe commands. Each is run behind the collector's priority prefix.
const (
	ProbeCPU       = "sh -c 'head -n1 /proc/stat; sleep 1; head -n1 /proc/stat'"
	ProbeMemory    = "cat /proc/meminfo"
	ProbeDisk      = "df -P -k /"
	ProbeLoad      = "cat /proc/loadavg"
	ProbeNetwork   = "cat /proc/net/dev"
	ProbeProcesses = "ps -e --no-headers | wc -l"
	ProbeUptime    = "uptime -p"
	ProbeOS        = "cat /etc/os-release"
	ProbeBootClock = "cat /proc/uptime"
)

// HostReport is the result of one host collection cycle.
type HostReport struct {
	Snapshot model.HostMetricsSnapshot
	OSFamily string
	// Failed lists the probes that failed and were zeroed.
	Failed []string
}

// Collector runs probes and parses their output. Individual probe failures
// are logged and leave the corresponding fields zero.
type Collector struct {
	prefix  string
	log     logger.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithPrefix sets the command prefix used to lower probe priority.
func WithPrefix(prefix string) Option {
	return func(c *Collector) { c.prefix = strings.TrimSpace(prefix) }
}

func WithLogger(l logger.Logger) Option { return func(c *Collector) { c.log = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(c *Collector) { c.metrics = m } }

func WithClock(now func() time.Time) Option { return func(c *Collector) { c.now = now } }

// NewCollector creates a collector with the default priority prefix.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		prefix: "nice -n 19 ionice -c3",
		log:    logger.Noop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Command returns probe as it is sent to the host.
func (c *Collector) Command(probe string) string {
	if c.prefix == "" {
		return probe
	}
	return c.prefix + " " + probe
}

// probe runs one command and returns stdout. Any failure, including a
// non-zero exit, is reported as a PROBE error.
func (c *Collector) probe(ctx context.Context, exec transport.Executor, name, cmd string) (string, error) {
	res, err := exec.Execute(ctx, c.Command(cmd))
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrProbe, fmt.Sprintf("%s probe failed", name), "")
	}
	if !res.OK() {
		return "", errors.New(errors.ErrProbe,
			fmt.Sprintf("%s probe exited %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr)), "")
	}
	return res.Stdout, nil
}

func (c *Collector) failed(report *HostReport, name string, err error) {
	report.Failed = append(report.Failed, name)
	c.metrics.IncProbeFailure(name)
	c.log.Warn("%s probe failed: %s", name, errors.Summary(err))
}

// CollectHost runs the host probe battery. It never fails as a whole.
func (c *Collector) CollectHost(ctx context.Context, exec transport.Executor) HostReport {
	report := HostReport{OSFamily: OSOther}
	snap := &report.Snapshot

	run := func(name, cmd string, parse func(string) error) {
		out, err := c.probe(ctx, exec, name, cmd)
		if err == nil {
			err = parse(out)
		}
		if err != nil {
			c.failed(&report, name, err)
		}
	}

	run("cpu", ProbeCPU, func(out string) error {
		samples, err := ParseCPUSamples(out)
		if err != nil {
			return err
		}
		snap.CPUPercent = CPUPercent(samples)
		return nil
	})
	run("memory", ProbeMemory, func(out string) error {
		m, err := ParseMeminfo(out)
		if err != nil {
			return err
		}
		snap.MemoryTotal, snap.MemoryUsed, snap.MemoryPercent, snap.SwapPercent = m.Total, m.Used, m.Percent, m.SwapPercent
		return nil
	})
	run("disk", ProbeDisk, func(out string) error {
		d, err := ParseDF(out)
		if err != nil {
			return err
		}
		snap.DiskTotal, snap.DiskUsed, snap.DiskPercent = d.Total, d.Used, d.Percent
		return nil
	})
	run("load", ProbeLoad, func(out string) error {
		load, err := ParseLoadavg(out)
		if err != nil {
			return err
		}
		snap.Load1, snap.Load5, snap.Load15 = load[0], load[1], load[2]
		return nil
	})
	run("network", ProbeNetwork, func(out string) error {
		rx, tx, err := ParseNetDev(out)
		if err != nil {
			return err
		}
		snap.NetworkRx, snap.NetworkTx = rx, tx
		return nil
	})
	run("processes", ProbeProcesses, func(out string) error {
		n, err := ParseCount(out)
		if err != nil {
			return err
		}
		snap.ProcessCount = int(n)
		return nil
	})
	run("uptime", ProbeUptime, func(out string) error {
		snap.UptimeSeconds = ParseUptime(out)
		return nil
	})
	run("os", ProbeOS, func(out string) error {
		report.OSFamily = ParseOSRelease(out)
		return nil
	})

	snap.RecordedAt = c.now()
	return report
}

// CollectApplication gathers metrics for app. sudoPassword gates the log
// reads; when empty they run unprivileged.
func (c *Collector) CollectApplication(ctx context.Context, exec transport.Executor, app *model.Application, sudoPassword string) model.ApplicationMetricsSnapshot {
	snap := model.ApplicationMetricsSnapshot{ApplicationID: app.ID}

	snap.UptimeSeconds = c.applicationUptime(ctx, exec, app)
	snap.RequestCount = c.countLines(ctx, exec, app.AccessLogPath, sudoPassword)
	snap.ErrorCount = c.countLines(ctx, exec, app.ErrorLogPath, sudoPassword)

	if unit := app.WebServerUnit; unit != "" {
		cpu, mem, err := c.unitUsage(ctx, exec, unit)
		if err != nil {
			c.metrics.IncProbeFailure("app_usage")
			c.log.Warn("usage probe for %s failed: %s", unit, errors.Summary(err))
		}
		snap.CPUPercent, snap.MemoryPercent = cpu, mem
	}

	snap.RecordedAt = c.now()
	return snap
}

// applicationUptime prefers the web server unit, then the database unit,
// then host uptime.
func (c *Collector) applicationUptime(ctx context.Context, exec transport.Executor, app *model.Application) int64 {
	for _, unit := range []string{app.WebServerUnit, app.DatabaseUnit} {
		if unit == "" {
			continue
		}
		if secs := c.ServiceUptime(ctx, exec, unit); secs > 0 {
			return secs
		}
	}

	out, err := c.probe(ctx, exec, "uptime", ProbeUptime)
	if err != nil {
		c.metrics.IncProbeFailure("uptime")
		c.log.Warn("uptime probe failed: %s", errors.Summary(err))
		return 0
	}
	return ParseUptime(out)
}

// ServiceUptime returns seconds since unit became active, or 0 when unknown.
func (c *Collector) ServiceUptime(ctx context.Context, exec transport.Executor, unit string) int64 {
	active, err := c.probe(ctx, exec, "service_uptime",
		"systemctl show -p ActiveEnterTimestampMonotonic --value "+util.ShellQuote(unit))
	if err == nil {
		var boot string
		boot, err = c.probe(ctx, exec, "service_uptime", ProbeBootClock)
		if err == nil {
			var secs int64
			secs, err = ParseActiveSince(active, boot)
			if err == nil {
				return secs
			}
		}
	}
	c.log.Debug("no uptime for unit %s: %s", unit, errors.Summary(err))
	return 0
}

// countLines counts lines of a log file, with sudo when a password is given.
// The password travels on stdin only. Any failure counts as zero.
func (c *Collector) countLines(ctx context.Context, exec transport.Executor, path, sudoPassword string) int64 {
	if path == "" {
		return 0
	}

	cmd := "wc -l < " + util.ShellQuote(path)
	var (
		res transport.Result
		err error
	)
	if sudoPassword != "" {
		res, err = exec.ExecuteInput(ctx, c.Command(util.SudoCommand(cmd)), []byte(sudoPassword+"\n"))
	} else {
		res, err = exec.Execute(ctx, c.Command("sh -c "+util.ShellQuote(cmd)))
	}
	if err == nil && !res.OK() {
		err = fmt.Errorf("exit %d", res.ExitCode)
	}

	var n int64
	if err == nil {
		n, err = ParseCount(res.Stdout)
	}
	if err != nil {
		c.metrics.IncProbeFailure("log_lines")
		c.log.Warn("couldn't count lines of %s: %v", path, err)
		return 0
	}
	return n
}

// unitUsage samples CPU and memory share of a unit's main process.
func (c *Collector) unitUsage(ctx context.Context, exec transport.Executor, unit string) (cpu, mem float64, err error) {
	out, err := c.probe(ctx, exec, "app_usage", "systemctl show -p MainPID --value "+util.ShellQuote(unit))
	if err != nil {
		return 0, 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || pid <= 0 {
		return 0, 0, fmt.Errorf("unit %s is not running", unit)
	}

	out, err = c.probe(ctx, exec, "app_usage", "ps -o %cpu=,%mem= -p "+strconv.Itoa(pid))
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("unexpected ps output %q", out)
	}
	cpu, errCPU := strconv.ParseFloat(fields[0], 64)
	mem, errMem := strconv.ParseFloat(fields[1], 64)
	if errCPU != nil || errMem != nil {
		return 0, 0, fmt.Errorf("unexpected ps output %q", out)
	}
	return cpu, mem, nil
}
