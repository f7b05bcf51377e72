package cli

import (
	"fmt"
	"path"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/fleet/internal/detect"
	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/transport"
	"github.com/rileyhilliard/fleet/internal/ui"
)

func newAppsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "apps",
		Aliases: []string{"app"},
		Short:   "Track applications deployed on hosts",
	}
	cmd.AddCommand(newAppsAddCmd(a), newAppsListCmd(a), newAppsRefreshCmd(a))
	return cmd
}

// AppAddOptions holds options for the apps add command.
type AppAddOptions struct {
	Name          string
	URL           string
	AccessLogPath string
	ErrorLogPath  string
	WebServerUnit string
	DatabaseUnit  string
	Environment   string
}

func newAppsAddCmd(a *app) *cobra.Command {
	var opts AppAddOptions
	cmd := &cobra.Command{
		Use:   "add <host> <path>",
		Short: "Register an application directory and detect its framework",
		Long: `Register the application deployed at <path> on <host>. fleet inspects the
directory to detect the framework, language and versions.

Examples:
  fleet apps add web-1 /var/www/shop --web-unit php8.2-fpm.service --access-log /var/log/nginx/shop.access.log
  fleet apps add web-2 /srv/api --name api --env staging`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.appAdd(cmd, args[0], args[1], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Name, "name", "", "display name (default: the directory name)")
	f.StringVar(&opts.URL, "url", "", "public URL")
	f.StringVar(&opts.AccessLogPath, "access-log", "", "access log path, counted as requests")
	f.StringVar(&opts.ErrorLogPath, "error-log", "", "error log path, counted as errors")
	f.StringVar(&opts.WebServerUnit, "web-unit", "", "unit serving the application")
	f.StringVar(&opts.DatabaseUnit, "db-unit", "", "unit of the application's database")
	f.StringVar(&opts.Environment, "env", "production", "environment label")
	return cmd
}

func (a *app) appAdd(cmd *cobra.Command, hostName, dir string, opts AppAddOptions) error {
	ctx := cmd.Context()
	host, err := a.hostByName(ctx, hostName)
	if err != nil {
		return err
	}
	if err := transport.RequireConnection(host); err != nil {
		return err
	}
	pool, err := a.transport()
	if err != nil {
		return err
	}

	name := opts.Name
	if name == "" {
		name = path.Base(path.Clean(dir))
	}
	existing, err := a.store.ListApplications(ctx, host.ID)
	if err != nil {
		return err
	}
	for _, app := range existing {
		if app.Name == name {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Application '%s' already exists on '%s'", name, hostName),
				"Pick another name with --name.")
		}
	}

	exec := transport.Bounded(pool.For(host), a.cfg.Metrics.ProbeTimeout)
	info := detect.Detect(ctx, exec, dir, logger.Named(a.log, "detect"))

	app := &model.Application{
		HostID:        host.ID,
		Name:          name,
		Path:          dir,
		URL:           opts.URL,
		AccessLogPath: opts.AccessLogPath,
		ErrorLogPath:  opts.ErrorLogPath,
		WebServerUnit: opts.WebServerUnit,
		DatabaseUnit:  opts.DatabaseUnit,
		Environment:   opts.Environment,
		Status:        "active",
	}
	info.Apply(app)
	if err := a.store.SaveApplication(ctx, app); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), ui.Success(fmt.Sprintf("Added %s on %s: %s", name, hostName, describeApp(app))))
	return nil
}

func describeApp(app *model.Application) string {
	s := app.Kind
	if app.FrameworkVersion != "" {
		s += " " + app.FrameworkVersion
	}
	if app.Language != "" {
		s += fmt.Sprintf(" (%s %s)", app.Language, app.LanguageVersion)
	}
	return s
}

func newAppsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list <host>",
		Aliases: []string{"ls"},
		Short:   "List the applications registered on a host",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.appList(cmd, args[0])
		},
	}
}

func (a *app) appList(cmd *cobra.Command, hostName string) error {
	ctx := cmd.Context()
	host, err := a.hostByName(ctx, hostName)
	if err != nil {
		return err
	}
	apps, err := a.store.ListApplications(ctx, host.ID)
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), ui.Muted("No applications on "+hostName+". Add one with 'fleet apps add'."))
		return errors.NewExitError(1)
	}

	rows := make([][]string, 0, len(apps))
	for i := range apps {
		app := &apps[i]
		rows = append(rows, []string{app.Name, app.Path, describeApp(app), orDash(app.Environment), orDash(app.URL)})
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.RenderTable([]ui.Column{
		{Title: "NAME"}, {Title: "PATH"}, {Title: "FRAMEWORK"}, {Title: "ENV"}, {Title: "URL"},
	}, rows))
	return nil
}

func newAppsRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <host> [app]",
		Short: "Collect application metrics now",
		Long: `Collect request and error counts, uptime and resource usage for one
application, or every application on the host when none is named.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.appRefresh(cmd, args)
		},
	}
}

func (a *app) appRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	host, err := a.hostByName(ctx, args[0])
	if err != nil {
		return err
	}
	apps, err := a.store.ListApplications(ctx, host.ID)
	if err != nil {
		return err
	}
	if len(args) == 2 {
		var picked []model.Application
		for _, app := range apps {
			if app.Name == args[1] {
				picked = append(picked, app)
			}
		}
		if len(picked) == 0 {
			return errors.New(errors.ErrNotFound,
				fmt.Sprintf("Application '%s' not found on '%s'", args[1], args[0]),
				"List them with: fleet apps list "+args[0])
		}
		apps = picked
	}
	if len(apps) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), ui.Muted("No applications on "+args[0]+"."))
		return errors.NewExitError(1)
	}

	svc, err := a.metricsService()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(apps))
	failed := 0
	for _, app := range apps {
		snap, err := svc.RefreshApplication(ctx, app.ID)
		if err != nil {
			failed++
			rows = append(rows, []string{app.Name, ui.Failure(errors.Summary(err)), "", "", "", ""})
			continue
		}
		rows = append(rows, []string{
			app.Name,
			fmt.Sprint(snap.RequestCount),
			fmt.Sprint(snap.ErrorCount),
			ui.FormatUptime(snap.UptimeSeconds),
			fmt.Sprintf("%.1f%%", snap.CPUPercent),
			fmt.Sprintf("%.1f%%", snap.MemoryPercent),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.RenderTable([]ui.Column{
		{Title: "APP"}, {Title: "REQUESTS"}, {Title: "ERRORS"}, {Title: "UPTIME"}, {Title: "CPU"}, {Title: "MEM"},
	}, rows))

	if failed > 0 {
		return errors.NewExitError(1)
	}
	return nil
}
