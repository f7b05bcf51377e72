package transport

import (
	"context"
	"fmt"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/secrets"
	"github.com/rileyhilliard/fleet/pkg/sshutil"
)

// VaultCredentials decrypts stored credentials for each connection attempt.
type VaultCredentials struct {
	Vault *secrets.Vault
}

// Credentials opens the sealed secret for conn.
func (v VaultCredentials) Credentials(_ context.Context, conn *model.AgentConnection) (sshutil.Credentials, error) {
	if conn == nil {
		return sshutil.Credentials{}, errors.New(errors.ErrConfig, "No stored credentials", "")
	}

	secret, err := v.Vault.Open(conn.EncryptedSecret)
	if err != nil {
		return sshutil.Credentials{}, err
	}

	switch conn.AuthMode {
	case model.AuthPassword:
		return sshutil.Credentials{Method: sshutil.AuthPassword, Password: secret}, nil
	case model.AuthKey:
		passphrase, err := v.Vault.Open(conn.EncryptedPassphrase)
		if err != nil {
			return sshutil.Credentials{}, err
		}
		return sshutil.Credentials{Method: sshutil.AuthKey, PrivateKey: []byte(secret), Passphrase: passphrase}, nil
	default:
		return sshutil.Credentials{}, errors.New(errors.ErrConfig,
			fmt.Sprintf("Unknown auth mode %q for host %d", conn.AuthMode, conn.HostID),
			"Re-add the host credentials with --auth password or --auth key.")
	}
}
