// Package secrets encrypts host credentials at rest with age.
//
// Credentials are sealed with a passphrase-derived scrypt recipient and stored
// base64-encoded. They are opened only for the duration of one connection
// attempt; callers must not cache the plaintext.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/rileyhilliard/fleet/internal/errors"
)

// Vault seals and opens credential material.
type Vault struct {
	passphrase string
	workFactor int
}

// NewVault creates a vault. workFactor <= 0 uses age's default.
func NewVault(passphrase string, workFactor int) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New(errors.ErrConfig,
			"No credential passphrase configured",
			"Export the variable named by secrets.passphrase_env (default FLEET_SECRET).")
	}
	return &Vault{passphrase: passphrase, workFactor: workFactor}, nil
}

// FromEnv creates a vault from the passphrase stored in the named env var.
func FromEnv(envVar string, workFactor int) (*Vault, error) {
	v, err := NewVault(os.Getenv(envVar), workFactor)
	if err != nil {
		return nil, errors.New(errors.ErrConfig,
			fmt.Sprintf("Credential passphrase variable %s is empty", envVar),
			fmt.Sprintf("Export %s before managing hosts.", envVar))
	}
	return v, nil
}

// Seal encrypts plaintext. An empty plaintext seals to "".
func (v *Vault) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	r, err := age.NewScryptRecipient(v.passphrase)
	if err != nil {
		return "", fmt.Errorf("scrypt recipient: %w", err)
	}
	if v.workFactor > 0 {
		r.SetWorkFactor(v.workFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a value produced by Seal. "" opens to "".
func (v *Vault) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"Stored credential is corrupt",
			"Re-enter the host credentials with 'fleet hosts add --update'.")
	}

	id, err := age.NewScryptIdentity(v.passphrase)
	if err != nil {
		return "", fmt.Errorf("scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), id)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't decrypt stored credential",
			"Check the credential passphrase matches the one used when the host was added.")
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(out), nil
}
