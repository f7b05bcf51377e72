package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/terminal"
	"github.com/rileyhilliard/fleet/internal/ui"
)

// ExecOptions holds options for the exec command.
type ExecOptions struct {
	Sudo              bool
	SudoPasswordStdin bool
	Timeout           time.Duration
}

func newExecCmd(a *app) *cobra.Command {
	var opts ExecOptions
	cmd := &cobra.Command{
		Use:   "exec <host> -- <command>",
		Short: "Run one command on a host",
		Long: `Run a command on a host through its pooled shell session, the same path the
web terminal uses. Commands matching a safety rule are rejected before they
are sent.

With --sudo the command runs under sudo. The password is the host's stored
login password, or the first line of stdin with --sudo-password-stdin; it
is passed on the remote command's stdin, never in the command line.

The remote exit status becomes fleet's exit status.

Examples:
  fleet exec web-1 -- uptime
  fleet exec web-1 --sudo -- systemctl restart nginx
  echo "$SUDO_PW" | fleet exec db-1 --sudo --sudo-password-stdin -- journalctl -u postgresql -n 50`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dash := cmd.ArgsLenAtDash(); dash != -1 && dash != 1 {
				return errors.New(errors.ErrConfig, "Put exactly one host before --", "fleet exec <host> -- <command>")
			}
			return a.execCommand(cmd, args[0], strings.Join(args[1:], " "), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Sudo, "sudo", false, "run the command with sudo")
	cmd.Flags().BoolVar(&opts.SudoPasswordStdin, "sudo-password-stdin", false, "read the sudo password from stdin")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "abandon the command after this long (0 for no limit)")
	return cmd
}

// outputSink prints command output events for one client.
type outputSink struct {
	mu       sync.Mutex
	out      io.Writer
	clientID string
}

func (s *outputSink) Publish(_ string, ev events.Event) {
	o, ok := ev.Data.(terminal.Output)
	if !ok || o.ClientID != s.clientID || o.Kind != terminal.KindOutput || o.Text == "" {
		return
	}
	text := strings.ReplaceAll(o.Text, "\r\n", "\n")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.out, text)
}

func (a *app) execCommand(cmd *cobra.Command, hostName, command string, opts ExecOptions) error {
	ctx := cmd.Context()
	host, err := a.hostByName(ctx, hostName)
	if err != nil {
		return err
	}
	pool, err := a.transport()
	if err != nil {
		return err
	}

	var sudo *terminal.Sudo
	if opts.Sudo || opts.SudoPasswordStdin {
		sudo = &terminal.Sudo{}
		if opts.SudoPasswordStdin {
			data, err := io.ReadAll(a.input())
			if err != nil {
				return errors.WrapWithCode(err, errors.ErrConfig, "Couldn't read stdin", "")
			}
			sudo.Password = ui.ReadSecretLine(data)
		}
	}

	clientID := "cli-" + uuid.NewString()
	m := &terminal.Manager{
		Store:   a.store,
		Pool:    pool,
		Creds:   a.credentials(),
		Sink:    events.Multi{a.sink(), &outputSink{out: cmd.OutOrStdout(), clientID: clientID}},
		Log:     logger.Named(a.log, "terminal"),
		Metrics: a.metrics,
		Timeout: opts.Timeout,
	}

	if err := m.Connect(ctx, host.ID, clientID); err != nil {
		return err
	}
	res, err := m.Execute(ctx, host.ID, command, clientID, sudo)
	if err != nil {
		return err
	}
	if !res.OK() {
		return errors.NewExitError(res.ExitCode)
	}
	return nil
}
