package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/store"
	"github.com/rileyhilliard/fleet/internal/telemetry"
	"github.com/rileyhilliard/fleet/internal/transport"
	"github.com/rileyhilliard/fleet/internal/util"
)

// Counts summarizes one reconcile pass.
type Counts struct {
	Created int
	Updated int
}

func (c Counts) Total() int { return c.Created + c.Updated }

// Discoverer finds services on hosts and reconciles them into the store.
type Discoverer struct {
	Store   *store.Store
	Pool    *transport.Pool
	Log     logger.Logger
	Metrics *telemetry.Metrics
	// Timeout bounds each remote command.
	Timeout time.Duration
	Now     func() time.Time
}

func (d *Discoverer) log() logger.Logger {
	if d.Log == nil {
		return logger.Noop()
	}
	return d.Log
}

func (d *Discoverer) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// Discover runs the unit listing over exec and parses it. Transport errors
// keep their code; anything else about the listing is a PROBE error.
func (d *Discoverer) Discover(ctx context.Context, exec transport.Executor) ([]Record, error) {
	res, err := exec.Execute(ctx, ListCommand)
	if err != nil {
		if errors.CodeOf(err) != "" {
			return nil, err
		}
		return nil, errors.WrapWithCode(err, errors.ErrProbe, "Unit listing failed", "")
	}
	if !res.OK() {
		return nil, errors.New(errors.ErrProbe,
			fmt.Sprintf("Unit listing exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)),
			"Service discovery needs systemd on the host")
	}

	records, skipped := ParseUnits(res.Stdout)
	for _, name := range skipped {
		d.log().Debug("skipping unit %s: not loaded", name)
	}
	return records, nil
}

// Reconcile upserts records for hostID keyed on the unit name. Running it
// twice with the same records creates no new rows.
func (d *Discoverer) Reconcile(ctx context.Context, hostID uint, records []Record) (Counts, error) {
	existing, err := d.Store.ServiceNames(ctx, hostID)
	if err != nil {
		return Counts{}, err
	}

	now := d.now()
	var counts Counts
	services := make([]model.Service, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true

		if existing[r.Name] {
			counts.Updated++
		} else {
			counts.Created++
		}
		services = append(services, model.Service{
			HostID:        hostID,
			Name:          r.Name,
			Description:   r.Description,
			Status:        r.Status(),
			LastCheckedAt: now,
		})
	}

	if err := d.Store.UpsertServices(ctx, services); err != nil {
		return Counts{}, err
	}
	return counts, nil
}

// DiscoverHost lists and reconciles the services of one host. A host
// without credentials fails with CONFIG before any connection is made. A
// failed listing is logged and leaves stored services untouched. A host that
// can't be reached is marked offline with the cause.
func (d *Discoverer) DiscoverHost(ctx context.Context, hostID uint) (Counts, error) {
	host, err := d.Store.GetHost(ctx, hostID)
	if err != nil {
		return Counts{}, err
	}
	if err := transport.RequireConnection(host); err != nil {
		return Counts{}, err
	}

	records, err := d.Discover(ctx, transport.Bounded(d.Pool.For(host), d.Timeout))
	if err != nil {
		if !errors.IsCode(err, errors.ErrProbe) {
			if ctx.Err() == nil {
				d.markOffline(ctx, host, err)
			}
			return Counts{}, err
		}
		d.Metrics.IncProbeFailure("units")
		d.log().Warn("service discovery on %s failed: %s", host.Name, errors.Summary(err))
		return Counts{}, nil
	}

	counts, err := d.Reconcile(ctx, host.ID, records)
	if err != nil {
		return Counts{}, err
	}
	d.log().Info("discovered %d services on %s (%d new)", counts.Total(), host.Name, counts.Created)
	return counts, nil
}

func (d *Discoverer) markOffline(ctx context.Context, host *model.Host, cause error) {
	msg := errors.Summary(cause)
	if err := d.Store.SetHostStatus(ctx, host.ID, model.HostOffline, msg); err != nil {
		d.log().Warn("couldn't mark %s offline: %v", host.Name, err)
	}
	d.log().Warn("host %s is offline: %s", host.Name, msg)
}

// Details returns the raw `systemctl status` text for one service.
func (d *Discoverer) Details(ctx context.Context, hostID uint, name string) (string, error) {
	host, err := d.Store.GetHost(ctx, hostID)
	if err != nil {
		return "", err
	}
	if err := transport.RequireConnection(host); err != nil {
		return "", err
	}

	exec := transport.Bounded(d.Pool.For(host), d.Timeout)
	res, err := exec.Execute(ctx, "systemctl status --no-pager -l "+util.ShellQuote(name))
	if err != nil {
		return "", err
	}
	// systemctl status exits non-zero for inactive units but still prints them.
	out := strings.TrimRight(res.Stdout, "\n")
	if out == "" {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("no status for %s", name)
		}
		return "", errors.New(errors.ErrNotFound, msg, "List services with: fleet services discover "+host.Name)
	}
	return out, nil
}

// Logs returns the last lines logged by a service. journald is asked first,
// then syslog. Both are best effort; an empty result is not an error.
func (d *Discoverer) Logs(ctx context.Context, hostID uint, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	host, err := d.Store.GetHost(ctx, hostID)
	if err != nil {
		return "", err
	}
	if err := transport.RequireConnection(host); err != nil {
		return "", err
	}

	exec := transport.Bounded(d.Pool.For(host), d.Timeout)
	n := fmt.Sprint(lines)
	sources := []string{
		"journalctl --no-pager -o short-iso -n " + n + " -u " + util.ShellQuote(name),
		"grep -F " + util.ShellQuote(name) + " /var/log/syslog | tail -n " + n,
	}
	for _, cmd := range sources {
		res, err := exec.Execute(ctx, cmd)
		if err != nil {
			if errors.IsAuth(err) || errors.IsNetwork(err) {
				return "", err
			}
			d.log().Debug("log source failed for %s: %v", name, err)
			continue
		}
		out := strings.TrimRight(res.Stdout, "\n")
		if res.OK() && out != "" && !strings.HasPrefix(out, "-- No entries --") {
			return out, nil
		}
	}
	return "", nil
}
