package sshutil

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"github.com/rileyhilliard/fleet/internal/errors"
)

// FileSession is an SFTP channel over its own SSH connection. File
// transfers get a dedicated connection so large copies don't starve
// command sessions.
type FileSession struct {
	conn *Client
	sftp *sftp.Client
}

// DialFile dials a fresh SSH connection and opens an SFTP subsystem on it.
func DialFile(ctx context.Context, target Target, creds Credentials, opts Options) (*FileSession, error) {
	conn, err := Dial(ctx, target, creds, opts)
	if err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(conn.Client)
	if err != nil {
		conn.Close()
		return nil, errors.WrapWithCode(err, errors.ErrNetwork,
			fmt.Sprintf("Couldn't start SFTP on '%s'", target.Host),
			"Check the sftp subsystem is enabled in the remote sshd_config.")
	}

	return &FileSession{conn: conn, sftp: client}, nil
}

// Stat returns file info for a remote path.
func (f *FileSession) Stat(path string) (os.FileInfo, error) {
	return f.sftp.Stat(path)
}

// Open opens a remote file for reading.
func (f *FileSession) Open(path string) (io.ReadCloser, error) {
	return f.sftp.Open(path)
}

// Create creates or truncates a remote file for writing.
func (f *FileSession) Create(path string) (io.WriteCloser, error) {
	return f.sftp.Create(path)
}

// Remove deletes a remote file.
func (f *FileSession) Remove(path string) error {
	return f.sftp.Remove(path)
}

// ReadDir lists one remote directory.
func (f *FileSession) ReadDir(path string) ([]os.FileInfo, error) {
	return f.sftp.ReadDir(path)
}

// SendRequest checks the underlying SSH connection is still alive.
func (f *FileSession) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	return f.conn.SendRequest(name, wantReply, payload)
}

// GetHost returns the host/alias used to connect.
func (f *FileSession) GetHost() string {
	return f.conn.GetHost()
}

// Close closes the SFTP channel and its SSH connection.
func (f *FileSession) Close() error {
	sftpErr := f.sftp.Close()
	connErr := f.conn.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return connErr
}
