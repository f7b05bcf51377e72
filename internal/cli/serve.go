package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/jobs"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/server"
)

const shutdownTimeout = 15 * time.Second

// ServeOptions holds options for the serve command.
type ServeOptions struct {
	Listen     string
	NoSchedule bool
	RefreshNow bool
}

func newServeCmd(a *app) *cobra.Command {
	var opts ServeOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and refresh scheduler",
		Long: `Serve the transfer API, the websocket event stream and Prometheus metrics,
and refresh metrics and services of every active host on
metrics.refresh_schedule.

Routes:
  GET  /health
  GET  /api/hosts
  GET  /api/transfers              POST /api/transfers
  GET  /api/transfers/:key         POST /api/transfers/:key/cancel
  GET  /api/transfers/id/:id
  POST /api/events/test
  GET  /ws?channel=hosts&channel=transfers
  GET  /metrics

Examples:
  fleet serve
  fleet serve --listen 127.0.0.1:9000 --refresh-now`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Listen, "listen", "", "listen address (default: server.listen)")
	f.BoolVar(&opts.NoSchedule, "no-schedule", false, "don't run scheduled refreshes")
	f.BoolVar(&opts.RefreshNow, "refresh-now", false, "queue a refresh of every host at startup")
	return cmd
}

func (a *app) serve(cmd *cobra.Command, opts ServeOptions) error {
	// Every background job opens credentials.
	if _, err := a.requireVault(); err != nil {
		return err
	}
	listen := opts.Listen
	if listen == "" {
		listen = a.cfg.Server.Listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(logger.Named(a.log, "hub"))
	go hub.Run(ctx)
	sink := events.Multi{hub, a.sink()}

	metricsSvc, err := a.metricsService()
	if err != nil {
		return err
	}
	metricsSvc.Sink = sink
	discoverer, err := a.discoverer()
	if err != nil {
		return err
	}
	tracker, err := a.tracker(hub)
	if err != nil {
		return err
	}

	jobLog := logger.Named(a.log, "jobs")
	runner := jobs.NewRunner(jobs.Options{
		Workers:  a.cfg.Runner.Workers,
		MaxTries: a.cfg.Runner.MaxTries,
		Log:      jobLog,
		Metrics:  a.metrics,
		OnFailure: func(r jobs.Result) {
			jobLog.Error("%s gave up after %d tries: %s", r.Task, r.Tries, errors.Summary(r.Err))
		},
	})
	runner.Start(ctx)
	defer runner.Stop(true)

	sched := jobs.NewScheduler(a.cfg.Metrics.RefreshSchedule, a.store, runner, jobLog,
		jobs.HostJob{Name: "metrics", Run: func(ctx context.Context, hostID uint) error {
			_, err := metricsSvc.Refresh(ctx, hostID)
			return err
		}},
		jobs.HostJob{Name: "discovery", Run: func(ctx context.Context, hostID uint) error {
			_, err := discoverer.DiscoverHost(ctx, hostID)
			return err
		}},
	)
	if !opts.NoSchedule {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}
	if opts.RefreshNow {
		n, err := sched.Tick(ctx)
		if err != nil {
			return err
		}
		a.log.Info("queued %d startup jobs", n)
	}

	srv := server.New(server.Deps{
		Store:     a.store,
		Tracker:   tracker,
		Runner:    runner,
		Hub:       hub,
		Metrics:   a.metrics,
		Log:       logger.Named(a.log, "http"),
		RateLimit: a.cfg.Server.RateLimit,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(listen) }()
	fmt.Fprintf(cmd.OutOrStdout(), "fleet %s listening on %s\n", formatVersion(version), listen)

	select {
	case err := <-errCh:
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig, "Couldn't serve on "+listen, "Check server.listen, or pass --listen.")
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown: %v", err)
	}
	return nil
}
