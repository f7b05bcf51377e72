package doctor

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/rileyhilliard/fleet/internal/config"
	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/secrets"
	"github.com/rileyhilliard/fleet/internal/store"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConfigCheck loads and validates the config file.
type ConfigCheck struct {
	ConfigPath string
}

func (c *ConfigCheck) Name() string     { return "config" }
func (c *ConfigCheck) Category() string { return "CONFIG" }

func (c *ConfigCheck) Run(context.Context) CheckResult {
	path, err := config.Find(c.ConfigPath)
	if err != nil {
		return fail(errors.Summary(err), "Pass an existing file with --config.")
	}
	if _, err := config.LoadOrDefault(c.ConfigPath); err != nil {
		var fe *errors.Error
		if stderrors.As(err, &fe) {
			return fail(errors.Summary(err), fe.Suggestion)
		}
		return fail(errors.Summary(err), "")
	}
	if path == "" {
		return pass("No config file, using defaults")
	}
	return pass("Config file: " + path)
}

// PassphraseCheck verifies the credential passphrase is set and, when a
// sealed credential is stored, that it opens it.
type PassphraseCheck struct {
	EnvVar     string
	Passphrase string
	WorkFactor int
	// Sealed is any stored secret; empty skips the decryption test.
	Sealed string
}

func (c *PassphraseCheck) Name() string     { return "passphrase" }
func (c *PassphraseCheck) Category() string { return "SECRETS" }

func (c *PassphraseCheck) Run(context.Context) CheckResult {
	if c.Passphrase == "" {
		return fail(c.EnvVar+" is not set", "Export the passphrase that seals stored credentials.")
	}
	if c.Sealed == "" {
		return pass(c.EnvVar + " is set")
	}
	v, err := secrets.NewVault(c.Passphrase, c.WorkFactor)
	if err != nil {
		return fail(errors.Summary(err), "")
	}
	if _, err := v.Open(c.Sealed); err != nil {
		return fail(c.EnvVar+" does not open stored credentials",
			"Use the passphrase the hosts were added with, or re-add them with 'fleet hosts add --update'.")
	}
	return pass(c.EnvVar + " opens stored credentials")
}

// StoreCheck opens the store and counts registered hosts.
type StoreCheck struct {
	Path string
	// Hosts is populated after Run for later checks.
	Hosts []model.Host
}

func (c *StoreCheck) Name() string     { return "store" }
func (c *StoreCheck) Category() string { return "STORE" }

func (c *StoreCheck) Run(ctx context.Context) CheckResult {
	st, err := store.Open(c.Path)
	if err != nil {
		return fail(errors.Summary(err), "Check store.path points at a writable location.")
	}
	defer func() { _ = st.Close() }()

	hosts, err := st.ListHosts(ctx, false)
	if err != nil {
		return fail(errors.Summary(err), "")
	}
	c.Hosts = hosts
	if len(hosts) == 0 {
		return warn(fmt.Sprintf("%s has no hosts", c.Path), "Add one with 'fleet hosts add'.")
	}
	return pass(fmt.Sprintf("%s (%d hosts)", c.Path, len(hosts)))
}

// KnownHostsCheck verifies the known_hosts file parses when strict host key
// checking is on.
type KnownHostsCheck struct {
	Strict bool
	Path   string
}

func (c *KnownHostsCheck) Name() string     { return "known_hosts" }
func (c *KnownHostsCheck) Category() string { return "SSH" }

func (c *KnownHostsCheck) Run(context.Context) CheckResult {
	if !c.Strict {
		return warn("Host keys are not verified", "Set transport.strict_host_key and transport.known_hosts.")
	}
	path := config.ExpandTilde(c.Path)
	if _, err := os.Stat(path); err != nil {
		return fail(path+" not found", "ssh-keyscan your hosts into it.")
	}
	if _, err := knownhosts.New(path); err != nil {
		return fail(fmt.Sprintf("%s is unreadable: %v", path, err), "")
	}
	return pass(path)
}
