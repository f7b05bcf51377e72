package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/fleet/internal/config"
	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/secrets"
	"github.com/rileyhilliard/fleet/internal/store"
	"github.com/rileyhilliard/fleet/internal/telemetry"
	"github.com/rileyhilliard/fleet/internal/transport"
	"github.com/rileyhilliard/fleet/internal/ui"
	"github.com/rileyhilliard/fleet/pkg/sshutil"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
	quiet      bool
	noColor    bool
}

// app holds what a command invocation needs. Everything past the config and
// logger is opened lazily, so commands that never touch a host never need
// the secrets passphrase.
type app struct {
	opts globalOptions

	// dialer replaces the SSH dialer when set.
	dialer transport.Dialer
	// getenv and stdin replace the process environment and input when set.
	getenv func(string) string
	stdin  io.Reader

	cfg     *config.Config
	log     logger.Logger
	metrics *telemetry.Metrics
	store   *store.Store
	vault   *secrets.Vault
	pool    *transport.Pool
}

func (a *app) env(key string) string {
	if a.getenv != nil {
		return a.getenv(key)
	}
	return os.Getenv(key)
}

func (a *app) input() io.Reader {
	if a.stdin != nil {
		return a.stdin
	}
	return os.Stdin
}

// setup loads config and builds the logger. It runs before every command.
func (a *app) setup(cmd *cobra.Command) error {
	if a.opts.noColor || a.env("NO_COLOR") != "" {
		ui.DisableColors()
	}

	cfg, err := config.LoadOrDefault(a.opts.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	// Component progress logs are noise on a terminal. Without a log file
	// only warnings and errors reach stderr.
	level := cfg.Log.Level
	if cfg.Log.File == "" {
		level = "warn"
	}
	switch {
	case a.opts.verbose:
		level = "debug"
	case a.opts.quiet:
		level = "error"
	}
	a.log = logger.New(logger.Options{
		Level:      level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Name:       "fleet",
	})
	logger.SetDefault(a.log)
	a.metrics = telemetry.NewMetrics()
	return nil
}

func (a *app) openStore() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

// requireVault opens the secrets vault from the configured environment
// variable.
func (a *app) requireVault() (*secrets.Vault, error) {
	if a.vault != nil {
		return a.vault, nil
	}
	pass := a.env(a.cfg.Secrets.PassphraseEnv)
	if pass == "" {
		return nil, errors.New(errors.ErrConfig,
			a.cfg.Secrets.PassphraseEnv+" is not set",
			"Export the passphrase that seals stored credentials, e.g. export "+a.cfg.Secrets.PassphraseEnv+"=...")
	}
	v, err := secrets.NewVault(pass, a.cfg.Secrets.WorkFactor)
	if err != nil {
		return nil, err
	}
	a.vault = v
	return v, nil
}

// credentialSource opens the vault on first use.
type credentialSource struct {
	a *app
}

func (c credentialSource) Credentials(ctx context.Context, conn *model.AgentConnection) (sshutil.Credentials, error) {
	v, err := c.a.requireVault()
	if err != nil {
		return sshutil.Credentials{}, err
	}
	return transport.VaultCredentials{Vault: v}.Credentials(ctx, conn)
}

func (a *app) credentials() transport.CredentialSource {
	return credentialSource{a: a}
}

func (a *app) transport() (*transport.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	opts := []transport.Option{
		transport.WithStamper(st),
		transport.WithLogger(logger.Named(a.log, "transport")),
		transport.WithMetrics(a.metrics),
	}
	if a.dialer != nil {
		opts = append(opts, transport.WithDialer(a.dialer))
	}
	a.pool = transport.New(a.credentials(), transport.OptionsFromConfig(a.cfg.Transport), opts...)
	return a.pool, nil
}

// sink logs events. Commands that run without a server have no subscribers.
func (a *app) sink() events.Sink {
	return events.LogSink{Log: logger.Named(a.log, "events")}
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.log != nil {
			a.log.Warn("couldn't close store: %v", err)
		}
	}
	if a.log != nil {
		logger.Sync(a.log)
	}
}

// hostByName loads one host with its connection.
func (a *app) hostByName(ctx context.Context, name string) (*model.Host, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return st.GetHostByName(ctx, name)
}

// targetHosts resolves the hosts a command acts on: every active host with
// --all, the named host, or one picked interactively. An empty result is an
// ExitError so the process exits non-zero without a message of its own.
func (a *app) targetHosts(cmd *cobra.Command, args []string, all bool) ([]model.Host, error) {
	ctx := cmd.Context()
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}

	switch {
	case all && len(args) > 0:
		return nil, errors.New(errors.ErrConfig, "Pass a host name or --all, not both", "")
	case all:
		hosts, err := st.ListHosts(ctx, true)
		if err != nil {
			return nil, err
		}
		if len(hosts) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), ui.Muted("No active hosts."))
			return nil, errors.NewExitError(1)
		}
		return hosts, nil
	case len(args) > 0:
		h, err := st.GetHostByName(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return []model.Host{*h}, nil
	}

	if !ui.Interactive() {
		return nil, errors.New(errors.ErrConfig, "No host given", "Name a host, or pass --all.")
	}
	hosts, err := st.ListHosts(ctx, true)
	if err != nil {
		return nil, err
	}
	picked, err := ui.PickHost(hosts)
	if err != nil {
		return nil, err
	}
	if picked == nil {
		return nil, errors.NewExitError(1)
	}
	return []model.Host{*picked}, nil
}
