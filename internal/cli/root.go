package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/fleet/internal/errors"
)

// newRootCmd builds the command tree around a.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "fleet",
		Short: "Operate a fleet of Linux servers over SSH",
		Long: `fleet keeps an inventory of Linux servers and runs operator work on them
over pooled SSH sessions: metrics refreshes, service discovery, guarded
terminal commands and tracked file transfers.

Credentials are sealed in the local store with a passphrase read from
FLEET_SECRET (see secrets.passphrase_env).

Examples:
  fleet hosts add web-1 10.0.0.11 --user deploy --auth key --key-file ~/.ssh/id_ed25519
  fleet metrics refresh --all
  fleet exec web-1 -- systemctl status nginx
  fleet serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.configPath, "config", "", "config file (default: ./fleet.yaml or ~/.config/fleet/config.yaml)")
	flags.BoolVarP(&a.opts.verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&a.opts.quiet, "quiet", "q", false, "only log errors")
	flags.BoolVar(&a.opts.noColor, "no-color", false, "disable colored output")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddCommand(
		newHostsCmd(a),
		newMetricsCmd(a),
		newServicesCmd(a),
		newAppsCmd(a),
		newEventsCmd(a),
		newExecCmd(a),
		newTransferCmd(a),
		newServeCmd(a),
		newDoctorCmd(a),
		newVersionCmd(),
		newCompletionCmd(root),
	)
	return root
}

// Execute runs the CLI and exits the process with the command's status.
func Execute() {
	a := &app{}
	err := newRootCmd(a).Execute()
	a.close()
	if err == nil {
		return
	}
	if code, ok := errors.GetExitCode(err); ok {
		os.Exit(code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
