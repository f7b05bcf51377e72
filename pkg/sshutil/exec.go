package sshutil

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/rileyhilliard/fleet/internal/errors"
	"golang.org/x/crypto/ssh"
)

// SetupEnvironment records the terminal type exported to every later
// session. Servers that don't AcceptEnv TERM silently ignore it.
func (c *Client) SetupEnvironment(term string) {
	c.envMu.Lock()
	c.term = term
	c.envMu.Unlock()
}

// StartKeepalive sends keepalive@openssh.com every interval until the
// client is closed. A second call is a no-op.
func (c *Client) StartKeepalive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.envMu.Lock()
	if c.keepaliveOn {
		c.envMu.Unlock()
		return
	}
	c.keepaliveOn = true
	c.envMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.keepalive:
				return
			case <-ticker.C:
				if _, _, err := c.Client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					return
				}
			}
		}
	}()
}

func (c *Client) stopKeepalive() {
	c.stopOnce.Do(func() {
		if c.keepalive != nil {
			close(c.keepalive)
		}
	})
}

// newSession opens a session with the recorded environment applied.
func (c *Client) newSession() (*ssh.Session, error) {
	session, err := c.Client.NewSession()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrNetwork,
			"Failed to create SSH session",
			"Connection may have been closed. Try reconnecting.")
	}

	c.envMu.Lock()
	term := c.term
	c.envMu.Unlock()
	if term != "" {
		_ = session.Setenv("TERM", term)
	}
	return session, nil
}

// Exec runs a command on the remote host and returns the output.
// Returns stdout, stderr, exit code, and any error.
// Exit code is -1 if the command couldn't be executed at all.
func (c *Client) Exec(cmd string) (stdout, stderr []byte, exitCode int, err error) {
	return c.ExecInput(cmd, nil)
}

// ExecInput is Exec with stdin attached. Used to feed secrets to commands
// such as `sudo -S` without placing them on the command line.
func (c *Client) ExecInput(cmd string, stdin io.Reader) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.newSession()
	if err != nil {
		return nil, nil, -1, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != nil {
		session.Stdin = stdin
	}

	exitCode, err = run(session, cmd)
	if err != nil {
		return nil, nil, -1, err
	}
	return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitCode, nil
}

// ExecStream runs a command and streams output to the provided writers.
// Returns the exit code and any error.
// Exit code is -1 if the command couldn't be executed at all.
func (c *Client) ExecStream(cmd string, stdout, stderr io.Writer) (exitCode int, err error) {
	session, err := c.newSession()
	if err != nil {
		return -1, err
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	return run(session, cmd)
}

func run(session *ssh.Session, cmd string) (int, error) {
	err := session.Run(cmd)
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		// Command ran, just had non-zero exit
		return exitErr.ExitStatus(), nil
	}
	if _, ok := err.(*ssh.ExitMissingError); ok {
		return -1, errors.WrapWithCode(err, errors.ErrNetwork,
			"Remote command ended without an exit status",
			"The connection may have dropped mid-command.")
	}
	return -1, errors.WrapWithCode(err, errors.ErrExec,
		fmt.Sprintf("Failed to execute command: %s", firstWord(cmd)),
		"Check if the command exists on the remote host.")
}

// firstWord keeps error messages free of arguments, which may be sensitive.
func firstWord(cmd string) string {
	for i, r := range cmd {
		if r == ' ' || r == '\t' {
			return cmd[:i]
		}
	}
	return cmd
}
