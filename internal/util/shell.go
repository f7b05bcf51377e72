// Package util holds helpers for building remote shell commands.
package util

import "strings"

// ShellQuote wraps a string in single quotes, escaping any existing single quotes.
// This is safe for use in shell commands where the string should be treated literally.
func ShellQuote(s string) string {
	// Replace ' with '\'' (end quote, escaped quote, start quote)
	escaped := strings.ReplaceAll(s, "'", "'\\''")
	return "'" + escaped + "'"
}

// ShellQuotePreserveTilde quotes a remote path while leaving a leading ~/
// for the remote shell to expand.
func ShellQuotePreserveTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		return "~/" + ShellQuote(path[2:])
	}
	if path == "~" {
		return "~"
	}
	return ShellQuote(path)
}

// SudoCommand wraps cmd so sudo reads the password from stdin with an empty
// prompt. The password itself never appears in the command string; callers
// send it, newline terminated, as the command's stdin.
func SudoCommand(cmd string) string {
	return "sudo -S -p '' sh -c " + ShellQuote(cmd)
}
