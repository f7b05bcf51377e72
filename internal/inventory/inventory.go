// Package inventory registers hosts and their sealed credentials, one at a
// time or in bulk from an inventory file or ssh_config.
package inventory

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/secrets"
	"github.com/rileyhilliard/fleet/internal/store"
	"github.com/rileyhilliard/fleet/internal/validate"
	"github.com/rileyhilliard/fleet/pkg/sshutil"
)

// Entry describes one host to register. Secrets never appear in an entry;
// it names where to read them from.
type Entry struct {
	Name          string         `yaml:"name" validate:"required,max=128"`
	Address       string         `yaml:"address" validate:"required,hostname_rfc1123|ip"`
	Port          int            `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User          string         `yaml:"user" validate:"required,max=64"`
	Auth          model.AuthMode `yaml:"auth" validate:"required,oneof=password key"`
	PasswordEnv   string         `yaml:"password_env"`
	KeyFile       string         `yaml:"key_file" validate:"required_if=Auth key"`
	PassphraseEnv string         `yaml:"passphrase_env"`
	Inactive      bool           `yaml:"inactive"`
}

// File is an inventory document:
//
//	hosts:
//	  - name: web-1
//	    address: 10.0.0.11
//	    user: deploy
//	    auth: key
//	    key_file: ~/.ssh/fleet_web
type File struct {
	Hosts []Entry `yaml:"hosts" validate:"required,min=1,dive"`
}

// Validate checks one entry.
func (e Entry) Validate() error {
	if err := validate.Struct(fmt.Sprintf("Host '%s'", e.Name), e); err != nil {
		return err
	}
	if strings.ContainsAny(e.Name, " \t\n") {
		return errors.New(errors.ErrConfig, fmt.Sprintf("Host name '%s' contains whitespace", e.Name), "")
	}
	return nil
}

// Parse decodes and validates an inventory document. Unknown keys and
// duplicate names are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig, "Inventory is not valid YAML", "")
	}
	if err := validate.Struct("Inventory", f); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(f.Hosts))
	for _, e := range f.Hosts {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if seen[e.Name] {
			return nil, errors.New(errors.ErrConfig, fmt.Sprintf("Host '%s' appears twice in the inventory", e.Name), "")
		}
		seen[e.Name] = true
	}
	return &f, nil
}

// Load reads and parses an inventory file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig, "Couldn't read inventory "+path, "")
	}
	return Parse(data)
}

// FromSSHConfig builds key-auth entries for the named aliases. With no
// aliases, every entry that has an identity file is used.
func FromSSHConfig(entries []sshutil.SSHHostEntry, aliases []string) ([]Entry, error) {
	byAlias := make(map[string]sshutil.SSHHostEntry, len(entries))
	for _, e := range entries {
		byAlias[e.Alias] = e
	}

	var picked []sshutil.SSHHostEntry
	if len(aliases) == 0 {
		picked = sshutil.FilterHostsWithKeys(entries)
	} else {
		for _, a := range aliases {
			e, ok := byAlias[a]
			if !ok {
				return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("No Host '%s' in ssh config", a), "")
			}
			picked = append(picked, e)
		}
	}

	out := make([]Entry, 0, len(picked))
	for _, e := range picked {
		user := e.User
		if user == "" {
			user = "root"
		}
		out = append(out, Entry{
			Name:    e.Alias,
			Address: e.Address(),
			Port:    e.PortNumber(),
			User:    user,
			Auth:    model.AuthKey,
			KeyFile: e.IdentityFile,
		})
	}
	return out, nil
}

// Credentials is the plaintext secret material for one host. It is sealed
// before it reaches the store.
type Credentials struct {
	Password   string
	PrivateKey []byte
	Passphrase string
}

// Resolver produces credentials for an entry.
type Resolver func(Entry) (Credentials, error)

// EnvResolver reads passwords and passphrases from the environment variables
// an entry names and keys from its key file.
func EnvResolver(getenv func(string) string, readFile func(string) ([]byte, error)) Resolver {
	return func(e Entry) (Credentials, error) {
		var c Credentials
		switch e.Auth {
		case model.AuthPassword:
			if e.PasswordEnv == "" {
				return c, errors.New(errors.ErrConfig, fmt.Sprintf("Host '%s' has no password_env", e.Name), "")
			}
			c.Password = getenv(e.PasswordEnv)
			if c.Password == "" {
				return c, errors.New(errors.ErrConfig, fmt.Sprintf("%s is empty for host '%s'", e.PasswordEnv, e.Name), "")
			}
		case model.AuthKey:
			key, err := readFile(e.KeyFile)
			if err != nil {
				return c, errors.WrapWithCode(err, errors.ErrConfig, fmt.Sprintf("Couldn't read key for host '%s'", e.Name), "")
			}
			c.PrivateKey = key
			if e.PassphraseEnv != "" {
				c.Passphrase = getenv(e.PassphraseEnv)
			}
		}
		return c, nil
	}
}

// Registrar writes hosts and their sealed credentials to the store.
type Registrar struct {
	Store *store.Store
	Vault *secrets.Vault
	Log   logger.Logger
}

func (r *Registrar) log() logger.Logger {
	if r.Log == nil {
		return logger.Noop()
	}
	return r.Log
}

// Add registers one host.
func (r *Registrar) Add(ctx context.Context, e Entry, creds Credentials) (*model.Host, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	conn, err := r.seal(e.Auth, creds)
	if err != nil {
		return nil, err
	}

	host := &model.Host{
		Name:     e.Name,
		Address:  e.Address,
		Port:     e.Port,
		Username: e.User,
		Active:   !e.Inactive,
	}
	if err := r.Store.AddHost(ctx, host, conn); err != nil {
		return nil, err
	}
	r.log().Info("added host %s (%s@%s, %s auth)", host.Name, host.Username, host.Address, conn.AuthMode)
	return host, nil
}

// UpdateCredentials replaces the stored credentials of an existing host.
func (r *Registrar) UpdateCredentials(ctx context.Context, name string, mode model.AuthMode, creds Credentials) error {
	host, err := r.Store.GetHostByName(ctx, name)
	if err != nil {
		return err
	}
	conn, err := r.seal(mode, creds)
	if err != nil {
		return err
	}
	conn.HostID = host.ID
	if err := r.Store.SaveConnection(ctx, conn); err != nil {
		return err
	}
	r.log().Info("updated credentials for %s (%s auth)", name, mode)
	return nil
}

func (r *Registrar) seal(mode model.AuthMode, creds Credentials) (*model.AgentConnection, error) {
	conn := &model.AgentConnection{AuthMode: mode}
	var err error
	switch mode {
	case model.AuthPassword:
		if creds.Password == "" {
			return nil, errors.New(errors.ErrConfig, "A password is required for password auth", "")
		}
		conn.EncryptedSecret, err = r.Vault.Seal(creds.Password)
	case model.AuthKey:
		if len(creds.PrivateKey) == 0 {
			return nil, errors.New(errors.ErrConfig, "A private key is required for key auth", "")
		}
		if conn.EncryptedSecret, err = r.Vault.Seal(string(creds.PrivateKey)); err == nil {
			conn.EncryptedPassphrase, err = r.Vault.Seal(creds.Passphrase)
		}
	default:
		return nil, errors.New(errors.ErrConfig, fmt.Sprintf("Unknown auth mode %q", mode), "Use password or key.")
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig, "Couldn't seal credentials", "")
	}
	return conn, nil
}

// Report summarizes a bulk import.
type Report struct {
	Added   []string
	Skipped map[string]error
}

// Import registers every entry. Entries that fail (an existing name, an
// unreadable key) are skipped and reported; the rest are still added.
func (r *Registrar) Import(ctx context.Context, entries []Entry, resolve Resolver) Report {
	rep := Report{Skipped: make(map[string]error)}
	for _, e := range entries {
		creds, err := resolve(e)
		if err == nil {
			_, err = r.Add(ctx, e, creds)
		}
		if err != nil {
			rep.Skipped[e.Name] = err
			r.log().Warn("skipped %s: %s", e.Name, errors.Summary(err))
			continue
		}
		rep.Added = append(rep.Added, e.Name)
	}
	return rep
}
