package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/rileyhilliard/fleet/internal/errors"
)

// Interactive reports whether stdin and stdout are both terminals.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// PromptSecret asks for a secret with masked input. Empty input is refused.
func PromptSecret(title, description string) (string, error) {
	if !Interactive() {
		return "", errors.New(errors.ErrConfig,
			fmt.Sprintf("%s is required", title),
			"Run in a terminal, or pass the value on stdin with --password-stdin.")
	}

	var secret string
	err := huh.NewInput().
		Title(title).
		Description(description).
		EchoMode(huh.EchoModePassword).
		Value(&secret).
		Validate(func(s string) error {
			if s == "" {
				return fmt.Errorf("a value is required")
			}
			return nil
		}).
		Run()
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig, "Prompt cancelled", "")
	}
	return secret, nil
}

// PromptOptionalSecret is PromptSecret that accepts empty input, such as an
// unencrypted key's passphrase.
func PromptOptionalSecret(title string) (string, error) {
	if !Interactive() {
		return "", nil
	}
	var secret string
	if err := huh.NewInput().Title(title).EchoMode(huh.EchoModePassword).Value(&secret).Run(); err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig, "Prompt cancelled", "")
	}
	return secret, nil
}

// Confirm asks a yes/no question. Without a terminal it returns def.
func Confirm(title string, def bool) (bool, error) {
	if !Interactive() {
		return def, nil
	}
	answer := def
	if err := huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&answer).Run(); err != nil {
		return false, errors.WrapWithCode(err, errors.ErrConfig, "Prompt cancelled", "")
	}
	return answer, nil
}

// ReadSecretLine returns the first line of data without its line ending.
// Surrounding spaces are kept.
func ReadSecretLine(data []byte) string {
	s := string(data)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, "\r")
}
