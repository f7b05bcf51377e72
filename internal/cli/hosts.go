package cli

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/rileyhilliard/fleet/internal/config"
	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/inventory"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/ui"
	"github.com/rileyhilliard/fleet/pkg/sshutil"
)

func newHostsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "hosts",
		Aliases: []string{"host"},
		Short:   "Manage the host inventory",
		Long: `Add, list, remove and import managed hosts.

Each host's password or private key is sealed with the FLEET_SECRET
passphrase before it is stored.`,
	}
	cmd.AddCommand(newHostsAddCmd(a), newHostsListCmd(a), newHostsRemoveCmd(a), newHostsImportCmd(a))
	return cmd
}

// HostAddOptions holds options for the hosts add command.
type HostAddOptions struct {
	Port          int
	User          string
	Auth          string
	KeyFile       string
	PasswordStdin bool
	Update        bool
	Inactive      bool
	SkipProbe     bool
}

func newHostsAddCmd(a *app) *cobra.Command {
	var opts HostAddOptions
	cmd := &cobra.Command{
		Use:   "add <name> <address>",
		Short: "Register a host and its credentials",
		Long: `Register a host. The password (password auth) or the key passphrase (key
auth) is prompted for, or read from the first line of stdin with
--password-stdin.

After registering, fleet connects once to record whether the host is
reachable. Use --skip-probe to register offline hosts.

Examples:
  fleet hosts add web-1 10.0.0.11 --user deploy
  fleet hosts add db-1 db1.internal --user ops --auth key --key-file ~/.ssh/fleet
  echo "$PW" | fleet hosts add web-2 10.0.0.12 --user deploy --password-stdin
  fleet hosts add web-1 10.0.0.11 --user deploy --update`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.hostAdd(cmd, args[0], args[1], opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.Port, "port", "p", 22, "SSH port")
	f.StringVarP(&opts.User, "user", "u", "root", "login user")
	f.StringVar(&opts.Auth, "auth", string(model.AuthPassword), "auth mode: password or key")
	f.StringVar(&opts.KeyFile, "key-file", "", "private key file (key auth)")
	f.BoolVar(&opts.PasswordStdin, "password-stdin", false, "read the password or key passphrase from stdin")
	f.BoolVar(&opts.Update, "update", false, "replace the credentials of an existing host")
	f.BoolVar(&opts.Inactive, "inactive", false, "register the host as inactive")
	f.BoolVar(&opts.SkipProbe, "skip-probe", false, "don't test the connection")
	return cmd
}

func (a *app) hostAdd(cmd *cobra.Command, name, address string, opts HostAddOptions) error {
	ctx := cmd.Context()
	entry := inventory.Entry{
		Name:     name,
		Address:  address,
		Port:     opts.Port,
		User:     opts.User,
		Auth:     model.AuthMode(opts.Auth),
		KeyFile:  config.ExpandTilde(opts.KeyFile),
		Inactive: opts.Inactive,
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	vault, err := a.requireVault()
	if err != nil {
		return err
	}
	creds, err := a.promptCredentials(entry, opts.PasswordStdin)
	if err != nil {
		return err
	}

	reg := &inventory.Registrar{Store: st, Vault: vault, Log: a.log}
	out := cmd.OutOrStdout()
	if opts.Update {
		if err := reg.UpdateCredentials(ctx, name, entry.Auth, creds); err != nil {
			return err
		}
		fmt.Fprintln(out, ui.Success(fmt.Sprintf("Updated credentials for %s", name)))
	} else {
		if _, err := reg.Add(ctx, entry, creds); err != nil {
			return err
		}
		fmt.Fprintln(out, ui.Success(fmt.Sprintf("Added %s (%s@%s:%d)", name, entry.User, address, entry.Port)))
	}

	if opts.SkipProbe {
		return nil
	}
	return a.probeHost(cmd, name)
}

// promptCredentials collects the secret material for entry from stdin or
// the terminal.
func (a *app) promptCredentials(e inventory.Entry, fromStdin bool) (inventory.Credentials, error) {
	var creds inventory.Credentials

	readStdin := func() (string, error) {
		data, err := io.ReadAll(a.input())
		if err != nil {
			return "", errors.WrapWithCode(err, errors.ErrConfig, "Couldn't read stdin", "")
		}
		return ui.ReadSecretLine(data), nil
	}

	switch e.Auth {
	case model.AuthPassword:
		var err error
		if fromStdin {
			creds.Password, err = readStdin()
		} else {
			creds.Password, err = ui.PromptSecret(
				fmt.Sprintf("Password for %s@%s", e.User, e.Address),
				"Stored sealed; also used for sudo.")
		}
		if err != nil {
			return creds, err
		}
		if creds.Password == "" {
			return creds, errors.New(errors.ErrConfig, "Empty password", "")
		}

	case model.AuthKey:
		key, err := os.ReadFile(e.KeyFile)
		if err != nil {
			return creds, errors.WrapWithCode(err, errors.ErrConfig, "Couldn't read key file "+e.KeyFile, "")
		}
		creds.PrivateKey = key

		switch {
		case fromStdin:
			creds.Passphrase, err = readStdin()
		case keyNeedsPassphrase(key):
			creds.Passphrase, err = ui.PromptSecret("Passphrase for "+e.KeyFile, "")
		}
		if err != nil {
			return creds, err
		}
	}
	return creds, nil
}

func keyNeedsPassphrase(pem []byte) bool {
	_, err := ssh.ParseRawPrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	return stderrors.As(err, &missing)
}

// probeHost connects once and records the host's reachability.
func (a *app) probeHost(cmd *cobra.Command, name string) error {
	ctx := cmd.Context()
	host, err := a.hostByName(ctx, name)
	if err != nil {
		return err
	}
	pool, err := a.transport()
	if err != nil {
		return err
	}

	status, msg := model.HostOnline, ""
	if _, err := pool.AcquireShell(ctx, host, true); err != nil {
		status, msg = model.HostOffline, errors.Summary(err)
	}
	if err := a.store.SetHostStatus(ctx, host.ID, status, msg); err != nil {
		return err
	}

	if status == model.HostOnline {
		fmt.Fprintln(cmd.OutOrStdout(), ui.Success(fmt.Sprintf("Connected to %s", name)))
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), ui.Failure(fmt.Sprintf("%s is unreachable: %s", name, msg)))
	}
	return nil
}

func newHostsListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered hosts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.hostList(cmd, all)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include inactive hosts")
	return cmd
}

func (a *app) hostList(cmd *cobra.Command, all bool) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	hosts, err := st.ListHosts(cmd.Context(), !all)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(hosts) == 0 {
		fmt.Fprintln(out, ui.Muted("No hosts registered. Add one with 'fleet hosts add'."))
		return nil
	}
	rows := make([][]string, 0, len(hosts))
	for _, h := range hosts {
		auth, seen := "-", "never"
		if h.Connection != nil {
			auth = string(h.Connection.AuthMode)
			if h.Connection.LastConnectedAt != nil {
				seen = h.Connection.LastConnectedAt.Local().Format("2006-01-02 15:04")
			}
		}
		status := ui.HostStatus(h.Status)
		if !h.Active {
			status += ui.Muted(" (inactive)")
		}
		rows = append(rows, []string{
			h.Name,
			fmt.Sprintf("%s@%s:%d", h.Username, h.Address, h.Port),
			auth,
			status,
			orDash(h.OSFamily),
			seen,
		})
	}
	fmt.Fprintln(out, ui.RenderTable([]ui.Column{
		{Title: "NAME"}, {Title: "TARGET"}, {Title: "AUTH"}, {Title: "STATUS"}, {Title: "OS"}, {Title: "LAST CONNECTED"},
	}, rows))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newHostsRemoveCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a host and its stored credentials",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.hostRemove(cmd, args[0], yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "don't ask for confirmation")
	return cmd
}

func (a *app) hostRemove(cmd *cobra.Command, name string, yes bool) error {
	ctx := cmd.Context()
	host, err := a.hostByName(ctx, name)
	if err != nil {
		return err
	}

	if !yes {
		if !ui.Interactive() {
			return errors.New(errors.ErrConfig, "Refusing to remove without confirmation", "Pass --yes.")
		}
		ok, err := ui.Confirm(fmt.Sprintf("Remove %s and its stored credentials?", name), false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
			return nil
		}
	}

	if err := a.store.DeleteHost(ctx, host.ID); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.Success("Removed "+name))
	return nil
}

func newHostsImportCmd(a *app) *cobra.Command {
	var fromSSH bool
	cmd := &cobra.Command{
		Use:   "import <inventory.yaml> | --ssh-config [alias...]",
		Short: "Register hosts in bulk",
		Long: `Register hosts from an inventory file, or from ~/.ssh/config.

An inventory names where each secret comes from, never the secret itself:

  hosts:
    - name: web-1
      address: 10.0.0.11
      user: deploy
      auth: password
      password_env: WEB1_PASSWORD
    - name: db-1
      address: db1.internal
      user: ops
      auth: key
      key_file: ~/.ssh/fleet

With --ssh-config, the named aliases (or every alias with an IdentityFile)
are registered with key auth.

Hosts that fail are reported and skipped; the rest are still added. The
command exits non-zero when nothing was added.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.hostImport(cmd, args, fromSSH)
		},
	}
	cmd.Flags().BoolVar(&fromSSH, "ssh-config", false, "import from ~/.ssh/config")
	return cmd
}

func (a *app) hostImport(cmd *cobra.Command, args []string, fromSSH bool) error {
	var entries []inventory.Entry
	if fromSSH {
		parsed, err := sshutil.ParseSSHConfig()
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig, "Couldn't read ~/.ssh/config", "")
		}
		if entries, err = inventory.FromSSHConfig(parsed, args); err != nil {
			return err
		}
	} else {
		if len(args) != 1 {
			return errors.New(errors.ErrConfig, "Name one inventory file", "Or pass --ssh-config.")
		}
		f, err := inventory.Load(args[0])
		if err != nil {
			return err
		}
		entries = f.Hosts
	}
	return a.importEntries(cmd, entries)
}

func (a *app) importEntries(cmd *cobra.Command, entries []inventory.Entry) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	vault, err := a.requireVault()
	if err != nil {
		return err
	}

	reg := &inventory.Registrar{Store: st, Vault: vault, Log: a.log}
	resolve := inventory.EnvResolver(a.env, func(p string) ([]byte, error) {
		return os.ReadFile(config.ExpandTilde(p))
	})
	rep := reg.Import(cmd.Context(), entries, resolve)

	out := cmd.OutOrStdout()
	for _, name := range rep.Added {
		fmt.Fprintln(out, ui.Success("Added "+name))
	}
	skipped := make([]string, 0, len(rep.Skipped))
	for name := range rep.Skipped {
		skipped = append(skipped, name)
	}
	sort.Strings(skipped)
	for _, name := range skipped {
		fmt.Fprintln(cmd.ErrOrStderr(), ui.Failure(fmt.Sprintf("Skipped %s: %s", name, errors.Summary(rep.Skipped[name]))))
	}

	if len(rep.Added) == 0 {
		return errors.NewExitError(1)
	}
	return nil
}
