package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/store"
	"github.com/rileyhilliard/fleet/internal/transport"
)

// HostUpdate is the payload of a host.updated event.
type HostUpdate struct {
	HostID   uint                       `json:"hostId"`
	Name     string                     `json:"name"`
	Status   model.HostStatus           `json:"status"`
	Error    string                     `json:"error,omitempty"`
	Snapshot *model.HostMetricsSnapshot `json:"snapshot,omitempty"`
}

// Service refreshes stored metrics for hosts and applications.
type Service struct {
	Store     *store.Store
	Pool      *transport.Pool
	Collector *Collector
	Creds     transport.CredentialSource
	Sink      events.Sink
	Log       logger.Logger
	// Timeout bounds each probe command.
	Timeout time.Duration
}

func (s *Service) log() logger.Logger {
	if s.Log == nil {
		return logger.Noop()
	}
	return s.Log
}

func (s *Service) publish(channel string, ev events.Event) {
	if s.Sink != nil {
		s.Sink.Publish(channel, ev)
	}
}

// Refresh collects metrics for one host, appends a snapshot and updates the
// host's status. An unreachable host is marked offline with the cause.
func (s *Service) Refresh(ctx context.Context, hostID uint) (*model.HostMetricsSnapshot, error) {
	host, err := s.Store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if err := transport.RequireConnection(host); err != nil {
		return nil, err
	}

	if _, err := s.Pool.AcquireShell(ctx, host, false); err != nil {
		s.markOffline(ctx, host, err)
		return nil, err
	}

	exec := transport.Bounded(s.Pool.For(host), s.Timeout)
	report := s.Collector.CollectHost(ctx, exec)
	if len(report.Failed) == len(hostProbes) {
		err := errors.New(errors.ErrNetwork, fmt.Sprintf("Every probe failed on '%s'", host.Name), "")
		s.markOffline(ctx, host, err)
		return nil, err
	}

	snap := report.Snapshot
	snap.HostID = host.ID
	if err := s.Store.AddHostSnapshot(ctx, &snap); err != nil {
		return nil, err
	}
	if err := s.Store.SetHostOSFamily(ctx, host.ID, report.OSFamily); err != nil {
		s.log().Warn("couldn't record OS family for %s: %v", host.Name, err)
	}
	if err := s.Store.SetHostStatus(ctx, host.ID, model.HostOnline, ""); err != nil {
		return nil, err
	}

	s.publish(events.ChannelHosts, events.New(events.HostUpdated, HostUpdate{
		HostID: host.ID, Name: host.Name, Status: model.HostOnline, Snapshot: &snap,
	}))
	s.log().Info("refreshed metrics for %s (cpu %.1f%%, mem %.1f%%, disk %.1f%%)",
		host.Name, snap.CPUPercent, snap.MemoryPercent, snap.DiskPercent)
	return &snap, nil
}

func (s *Service) markOffline(ctx context.Context, host *model.Host, cause error) {
	msg := errors.Summary(cause)
	if err := s.Store.SetHostStatus(ctx, host.ID, model.HostOffline, msg); err != nil {
		s.log().Warn("couldn't mark %s offline: %v", host.Name, err)
	}
	s.publish(events.ChannelHosts, events.New(events.HostUpdated, HostUpdate{
		HostID: host.ID, Name: host.Name, Status: model.HostOffline, Error: msg,
	}))
	s.log().Warn("host %s is offline: %s", host.Name, msg)
}

// RefreshApplication collects metrics for one application. When the host
// authenticates by password, that password also unlocks the log reads.
func (s *Service) RefreshApplication(ctx context.Context, appID uint) (*model.ApplicationMetricsSnapshot, error) {
	app, err := s.Store.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	host, err := s.Store.GetHost(ctx, app.HostID)
	if err != nil {
		return nil, err
	}
	if err := transport.RequireConnection(host); err != nil {
		return nil, err
	}

	var sudoPassword string
	if host.Connection.AuthMode == model.AuthPassword && s.Creds != nil {
		creds, err := s.Creds.Credentials(ctx, host.Connection)
		if err != nil {
			return nil, err
		}
		sudoPassword = creds.Password
	}

	if _, err := s.Pool.AcquireShell(ctx, host, false); err != nil {
		s.markOffline(ctx, host, err)
		return nil, err
	}

	exec := transport.Bounded(s.Pool.For(host), s.Timeout)
	snap := s.Collector.CollectApplication(ctx, exec, app, sudoPassword)
	if err := s.Store.AddApplicationSnapshot(ctx, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

var hostProbes = []string{ProbeCPU, ProbeMemory, ProbeDisk, ProbeLoad, ProbeNetwork, ProbeProcesses, ProbeUptime, ProbeOS}
