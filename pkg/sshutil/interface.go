package sshutil

import (
	"io"
	"os"
	"time"
)

// SSHClient defines the interface for SSH command execution.
// Both the real Client and mock implementations satisfy this interface.
type SSHClient interface {
	// Exec runs a command and returns stdout, stderr, and exit code.
	// Exit code is -1 if the command couldn't be executed at all.
	// A non-zero exit code with nil error means the command ran but failed.
	Exec(cmd string) (stdout, stderr []byte, exitCode int, err error)

	// ExecInput is Exec with stdin attached.
	ExecInput(cmd string, stdin io.Reader) (stdout, stderr []byte, exitCode int, err error)

	// ExecStream runs a command and streams output to the provided writers.
	ExecStream(cmd string, stdout, stderr io.Writer) (exitCode int, err error)

	// SendRequest sends a global request; used for liveness checks.
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)

	// SetupEnvironment sets the TERM exported to later sessions.
	SetupEnvironment(term string)

	// StartKeepalive pings the server periodically until Close.
	StartKeepalive(interval time.Duration)

	Close() error
	GetHost() string
	GetAddress() string
}

// FileClient is the file-transfer side of a host connection.
type FileClient interface {
	Stat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Remove(path string) error
	ReadDir(path string) ([]os.FileInfo, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	GetHost() string
	Close() error
}

var (
	_ SSHClient  = (*Client)(nil)
	_ FileClient = (*FileSession)(nil)
)
