package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/metrics"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/ui"
)

func newMetricsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Collect and show host metrics",
	}
	cmd.AddCommand(newMetricsRefreshCmd(a), newMetricsShowCmd(a))
	return cmd
}

func (a *app) metricsService() (*metrics.Service, error) {
	pool, err := a.transport()
	if err != nil {
		return nil, err
	}
	log := logger.Named(a.log, "metrics")
	return &metrics.Service{
		Store: a.store,
		Pool:  pool,
		Collector: metrics.NewCollector(
			metrics.WithPrefix(a.cfg.Metrics.NicePrefix),
			metrics.WithLogger(log),
			metrics.WithMetrics(a.metrics),
		),
		Creds:   a.credentials(),
		Sink:    a.sink(),
		Log:     log,
		Timeout: a.cfg.Metrics.ProbeTimeout,
	}, nil
}

func newMetricsRefreshCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "refresh [host]",
		Short: "Collect a metrics snapshot now",
		Long: `Connect to one host, or every active host with --all, run the probe
battery and store a snapshot. Unreachable hosts are marked offline.

The command exits non-zero when there is no host to refresh or any
refresh failed.

Examples:
  fleet metrics refresh web-1
  fleet metrics refresh --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.metricsRefresh(cmd, args, all)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "refresh every active host")
	return cmd
}

func (a *app) metricsRefresh(cmd *cobra.Command, args []string, all bool) error {
	hosts, err := a.targetHosts(cmd, args, all)
	if err != nil {
		return err
	}
	svc, err := a.metricsService()
	if err != nil {
		return err
	}

	outcomes := eachHost(cmd.Context(), hosts, a.cfg.Runner.Workers,
		func(ctx context.Context, h *model.Host) (*model.HostMetricsSnapshot, error) {
			return svc.Refresh(ctx, h.ID)
		})

	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			rows = append(rows, []string{o.Host.Name, ui.HostStatus(model.HostOffline), ui.Failure(errors.Summary(o.Err)), "", "", "", ""})
			continue
		}
		s := o.Value
		rows = append(rows, []string{
			o.Host.Name,
			ui.HostStatus(model.HostOnline),
			fmt.Sprintf("%.1f%%", s.CPUPercent),
			fmt.Sprintf("%.1f%%", s.MemoryPercent),
			fmt.Sprintf("%.1f%%", s.DiskPercent),
			fmt.Sprintf("%.2f", s.Load1),
			ui.FormatUptime(s.UptimeSeconds),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.RenderTable([]ui.Column{
		{Title: "HOST"}, {Title: "STATUS"}, {Title: "CPU"}, {Title: "MEM"}, {Title: "DISK"}, {Title: "LOAD"}, {Title: "UPTIME"},
	}, rows))

	if failures(outcomes) > 0 {
		return errors.NewExitError(1)
	}
	return nil
}

func newMetricsShowCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "show [host]",
		Short: "Show the latest stored snapshot",
		Long: `Show the most recent metrics snapshot for one host, or every active host
with --all, without connecting to anything.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.metricsShow(cmd, args, all)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "show every active host")
	return cmd
}

func (a *app) metricsShow(cmd *cobra.Command, args []string, all bool) error {
	hosts, err := a.targetHosts(cmd, args, all)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	missing := 0
	for i, h := range hosts {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "%s  %s\n", h.Name, ui.HostStatus(h.Status))
		if h.StatusError != "" {
			fmt.Fprintf(out, "  %s\n", ui.Failure(h.StatusError))
		}

		snap, err := a.store.LatestHostSnapshot(cmd.Context(), h.ID)
		if err != nil {
			if !errors.IsCode(err, errors.ErrNotFound) {
				return err
			}
			missing++
			fmt.Fprintln(out, ui.Muted("  no snapshot yet; run 'fleet metrics refresh "+h.Name+"'"))
			continue
		}
		printSnapshot(out, snap)
	}

	if missing == len(hosts) {
		return errors.NewExitError(1)
	}
	return nil
}

func printSnapshot(out io.Writer, s *model.HostMetricsSnapshot) {
	const barWidth = 30
	fmt.Fprintf(out, "  CPU   %s\n", ui.UsageBar(s.CPUPercent, barWidth))
	fmt.Fprintf(out, "  MEM   %s  %s / %s\n", ui.UsageBar(s.MemoryPercent, barWidth), ui.FormatBytes(s.MemoryUsed), ui.FormatBytes(s.MemoryTotal))
	fmt.Fprintf(out, "  DISK  %s  %s / %s\n", ui.UsageBar(s.DiskPercent, barWidth), ui.FormatBytes(s.DiskUsed), ui.FormatBytes(s.DiskTotal))
	fmt.Fprintf(out, "  SWAP  %s\n", ui.UsageBar(s.SwapPercent, barWidth))
	fmt.Fprintf(out, "  load %.2f %.2f %.2f  procs %d  up %s\n", s.Load1, s.Load5, s.Load15, s.ProcessCount, ui.FormatUptime(s.UptimeSeconds))
	fmt.Fprintf(out, "  net rx %s tx %s\n", ui.FormatBytes(s.NetworkRx), ui.FormatBytes(s.NetworkTx))
	fmt.Fprintln(out, ui.Muted("  recorded "+s.RecordedAt.Local().Format("2006-01-02 15:04:05")))
}
