// Package testing provides an in-memory Dialer so packages built on
// transport.Pool can be tested without SSH.
package testing

import (
	"context"
	"sync"
	"time"

	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/transport"
	"github.com/rileyhilliard/fleet/pkg/sshutil"
	sshtest "github.com/rileyhilliard/fleet/pkg/sshutil/testing"
)

// Dialer creates a fresh mock client on every dial. Setup functions
// registered per address configure each new client; file clients for one
// address share a MockFS so data survives reconnects.
type Dialer struct {
	mu         sync.Mutex
	shellSetup map[string]func(*sshtest.MockClient)
	fileSetup  map[string]func(*sshtest.MockFileClient)
	shells     map[string][]*sshtest.MockClient
	files      map[string][]*sshtest.MockFileClient
	fs         map[string]*sshtest.MockFS
	shellErr   error
	fileErr    error
	shellDials int
	fileDials  int
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{
		shellSetup: make(map[string]func(*sshtest.MockClient)),
		fileSetup:  make(map[string]func(*sshtest.MockFileClient)),
		shells:     make(map[string][]*sshtest.MockClient),
		files:      make(map[string][]*sshtest.MockFileClient),
		fs:         make(map[string]*sshtest.MockFS),
	}
}

// SetupShell registers a configuration applied to every shell dialed to address.
func (d *Dialer) SetupShell(address string, setup func(*sshtest.MockClient)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shellSetup[address] = setup
}

// SetupFile registers a configuration applied to every file client dialed to address.
func (d *Dialer) SetupFile(address string, setup func(*sshtest.MockFileClient)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fileSetup[address] = setup
}

// FailShell makes every shell dial fail with err. Nil restores success.
func (d *Dialer) FailShell(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shellErr = err
}

// FailFile makes every file dial fail with err.
func (d *Dialer) FailFile(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fileErr = err
}

// FS returns the filesystem shared by file clients of address.
func (d *Dialer) FS(address string) *sshtest.MockFS {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fsLocked(address)
}

func (d *Dialer) fsLocked(address string) *sshtest.MockFS {
	fs, ok := d.fs[address]
	if !ok {
		fs = sshtest.NewMockFS()
		d.fs[address] = fs
	}
	return fs
}

// Shells returns every shell dialed to address, oldest first.
func (d *Dialer) Shells(address string) []*sshtest.MockClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*sshtest.MockClient(nil), d.shells[address]...)
}

// LastShell returns the most recent shell dialed to address, or nil.
func (d *Dialer) LastShell(address string) *sshtest.MockClient {
	shells := d.Shells(address)
	if len(shells) == 0 {
		return nil
	}
	return shells[len(shells)-1]
}

// Files returns every file client dialed to address, oldest first.
func (d *Dialer) Files(address string) []*sshtest.MockFileClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*sshtest.MockFileClient(nil), d.files[address]...)
}

// Dials returns the number of shell and file dial attempts.
func (d *Dialer) Dials() (shell, file int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shellDials, d.fileDials
}

func (d *Dialer) DialShell(_ context.Context, t sshutil.Target, _ sshutil.Credentials, _ sshutil.Options) (sshutil.SSHClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shellDials++
	if d.shellErr != nil {
		return nil, d.shellErr
	}
	c := sshtest.NewMockClient(t.Host)
	if setup := d.shellSetup[t.Host]; setup != nil {
		setup(c)
	}
	d.shells[t.Host] = append(d.shells[t.Host], c)
	return c, nil
}

func (d *Dialer) DialFile(_ context.Context, t sshutil.Target, _ sshutil.Credentials, _ sshutil.Options) (sshutil.FileClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fileDials++
	if d.fileErr != nil {
		return nil, d.fileErr
	}
	c := sshtest.NewMockFileClient(t.Host, d.fsLocked(t.Host))
	if setup := d.fileSetup[t.Host]; setup != nil {
		setup(c)
	}
	d.files[t.Host] = append(d.files[t.Host], c)
	return c, nil
}

// Credentials returns a fixed password for every connection.
type Credentials struct {
	Password string
}

func (c Credentials) Credentials(context.Context, *model.AgentConnection) (sshutil.Credentials, error) {
	return sshutil.Credentials{Method: sshutil.AuthPassword, Password: c.Password}, nil
}

// NewPool returns a pool over d that never sleeps between attempts.
func NewPool(d *Dialer, opts ...transport.Option) *transport.Pool {
	options := append([]transport.Option{
		transport.WithDialer(d),
		transport.WithSleep(func(context.Context, time.Duration) error { return nil }),
	}, opts...)
	return transport.New(Credentials{Password: "pw"}, transport.DefaultOptions(), options...)
}
