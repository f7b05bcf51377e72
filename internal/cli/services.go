package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/fleet/internal/discovery"
	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/ui"
)

// pageHeight is the line count past which interactive output is paged.
const pageHeight = 40

func newServicesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "services",
		Aliases: []string{"svc"},
		Short:   "Discover and inspect process-manager units",
	}
	cmd.AddCommand(newServicesDiscoverCmd(a), newServicesListCmd(a), newServicesShowCmd(a))
	return cmd
}

func (a *app) discoverer() (*discovery.Discoverer, error) {
	pool, err := a.transport()
	if err != nil {
		return nil, err
	}
	return &discovery.Discoverer{
		Store:   a.store,
		Pool:    pool,
		Log:     logger.Named(a.log, "discovery"),
		Metrics: a.metrics,
		Timeout: a.cfg.Metrics.ProbeTimeout,
	}, nil
}

func newServicesDiscoverCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "discover [host]",
		Short: "List a host's units and store them",
		Long: `List the service units of one host, or every active host with --all, and
upsert them by name. Units that disappeared are left in place.

The command exits non-zero when there is no host to scan or any scan
failed.

Examples:
  fleet services discover web-1
  fleet services discover --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.servicesDiscover(cmd, args, all)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "scan every active host")
	return cmd
}

func (a *app) servicesDiscover(cmd *cobra.Command, args []string, all bool) error {
	hosts, err := a.targetHosts(cmd, args, all)
	if err != nil {
		return err
	}
	d, err := a.discoverer()
	if err != nil {
		return err
	}

	outcomes := eachHost(cmd.Context(), hosts, a.cfg.Runner.Workers,
		func(ctx context.Context, h *model.Host) (discovery.Counts, error) {
			return d.DiscoverHost(ctx, h.ID)
		})

	out := cmd.OutOrStdout()
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), ui.Failure(fmt.Sprintf("%s: %s", o.Host.Name, errors.Summary(o.Err))))
			continue
		}
		fmt.Fprintln(out, ui.Success(fmt.Sprintf("%s: %d services (%d new, %d updated)",
			o.Host.Name, o.Value.Total(), o.Value.Created, o.Value.Updated)))
	}

	if failures(outcomes) > 0 {
		return errors.NewExitError(1)
	}
	return nil
}

func newServicesListCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "list <host>",
		Aliases: []string{"ls"},
		Short:   "List the stored services of a host",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.servicesList(cmd, args[0], status)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only services whose state contains this (e.g. running, failed)")
	return cmd
}

func (a *app) servicesList(cmd *cobra.Command, hostName, status string) error {
	ctx := cmd.Context()
	host, err := a.hostByName(ctx, hostName)
	if err != nil {
		return err
	}
	services, err := a.store.ListServices(ctx, host.ID)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(services))
	for _, s := range services {
		if status != "" && !strings.Contains(s.Status, status) {
			continue
		}
		rows = append(rows, []string{s.Name, serviceStatus(s.Status), s.Description})
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), ui.Muted("No services stored for "+hostName+". Run 'fleet services discover "+hostName+"'."))
		return errors.NewExitError(1)
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.RenderTable([]ui.Column{{Title: "NAME"}, {Title: "STATUS"}, {Title: "DESCRIPTION"}}, rows))
	return nil
}

// serviceStatus colors an "{active}/{sub}" state.
func serviceStatus(s string) string {
	switch {
	case strings.HasPrefix(s, "active/"):
		return ui.Success(s)
	case strings.HasPrefix(s, "failed/"):
		return ui.Failure(s)
	default:
		return ui.Muted(s)
	}
}

func newServicesShowCmd(a *app) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "show <host> <service>",
		Short: "Show the live status of one service",
		Long: `Fetch the raw status text of one unit from its host, optionally followed by
its most recent log lines.

Examples:
  fleet services show web-1 nginx.service
  fleet services show web-1 nginx.service --logs 100`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.servicesShow(cmd, args[0], args[1], lines)
		},
	}
	cmd.Flags().IntVar(&lines, "logs", 0, "also show this many recent log lines")
	return cmd
}

func (a *app) servicesShow(cmd *cobra.Command, hostName, service string, lines int) error {
	ctx := cmd.Context()
	host, err := a.hostByName(ctx, hostName)
	if err != nil {
		return err
	}
	d, err := a.discoverer()
	if err != nil {
		return err
	}

	text, err := d.Details(ctx, host.ID, service)
	if err != nil {
		return err
	}
	if lines > 0 {
		logs, err := d.Logs(ctx, host.ID, service, lines)
		if err != nil {
			return err
		}
		if logs == "" {
			logs = ui.Muted("(no log lines found)")
		}
		text += "\n\n" + logs
	}
	return ui.Page(cmd.OutOrStdout(), fmt.Sprintf("%s on %s", service, hostName), text, pageHeight)
}
