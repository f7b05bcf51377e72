package jobs

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
)

// HostJob is work the scheduler runs for every active host on each tick.
type HostJob struct {
	Name string
	Run  func(ctx context.Context, hostID uint) error
}

// HostLister supplies the hosts to schedule.
type HostLister interface {
	ListHosts(ctx context.Context, activeOnly bool) ([]model.Host, error)
}

// Scheduler submits HostJobs for every active host on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	spec   string
	hosts  HostLister
	runner *Runner
	jobs   []HostJob
	log    logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	entryID cron.EntryID
}

// NewScheduler creates a scheduler that fires on spec, a standard cron
// expression or descriptor such as "@every 5m".
func NewScheduler(spec string, hosts HostLister, runner *Runner, log logger.Logger, jobs ...HostJob) *Scheduler {
	if log == nil {
		log = logger.Noop()
	}
	return &Scheduler{
		cron:   cron.New(),
		spec:   spec,
		hosts:  hosts,
		runner: runner,
		jobs:   jobs,
		log:    log,
	}
}

// Start registers the schedule and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	id, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.Tick(s.context()); err != nil {
			s.log.Error("scheduled refresh failed: %s", errors.Summary(err))
		}
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid metrics.refresh_schedule "+s.spec,
			"Use a cron expression like '*/5 * * * *' or a descriptor like '@every 5m'.")
	}

	s.mu.Lock()
	s.entryID = id
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started (%s, %d jobs per host)", s.spec, len(s.jobs))
	return nil
}

// Stop stops the cron loop and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Tick submits every job for every active host once and returns the number
// of tasks queued. Hosts without stored credentials are skipped.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	hosts, err := s.hosts.ListHosts(ctx, true)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, h := range hosts {
		if h.Connection == nil {
			s.log.Debug("skipping %s: no stored credentials", h.Name)
			continue
		}
		for _, job := range s.jobs {
			job, hostID := job, h.ID
			err := s.runner.Submit(Task{
				Name:   job.Name,
				HostID: hostID,
				Run:    func(ctx context.Context) error { return job.Run(ctx, hostID) },
			})
			if err != nil {
				s.log.Warn("couldn't queue %s for %s: %s", job.Name, h.Name, errors.Summary(err))
				continue
			}
			queued++
		}
	}
	return queued, nil
}
