package transport

import (
	"bytes"
	"context"
	"time"

	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/pkg/sshutil"
)

// Executor runs commands on a single host.
type Executor interface {
	Execute(ctx context.Context, cmd string) (Result, error)
	ExecuteInput(ctx context.Context, cmd string, stdin []byte) (Result, error)
}

// HostSession binds the pool to one host.
type HostSession struct {
	pool *Pool
	host *model.Host
}

// For returns an Executor that runs commands on host through the pool.
func (p *Pool) For(host *model.Host) *HostSession {
	return &HostSession{pool: p, host: host}
}

func (s *HostSession) Host() *model.Host {
	return s.host
}

func (s *HostSession) Execute(ctx context.Context, cmd string) (Result, error) {
	return s.pool.Execute(ctx, s.host, cmd)
}

func (s *HostSession) ExecuteInput(ctx context.Context, cmd string, stdin []byte) (Result, error) {
	return s.pool.ExecuteInput(ctx, s.host, cmd, stdin)
}

// ClientExecutor runs commands directly on an already open client, with no
// pooling or reconnects.
type ClientExecutor struct {
	Client sshutil.SSHClient
}

func (c ClientExecutor) Execute(ctx context.Context, cmd string) (Result, error) {
	return c.ExecuteInput(ctx, cmd, nil)
}

func (c ClientExecutor) ExecuteInput(ctx context.Context, cmd string, stdin []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}

	var (
		stdout, stderr []byte
		code           int
		err            error
	)
	if stdin != nil {
		stdout, stderr, code, err = c.Client.ExecInput(cmd, bytes.NewReader(stdin))
	} else {
		stdout, stderr, code, err = c.Client.Exec(cmd)
	}
	return Result{Stdout: string(stdout), Stderr: string(stderr), ExitCode: code}, err
}

type timeoutExecutor struct {
	next    Executor
	timeout time.Duration
}

// Bounded bounds every command run through exec.
func Bounded(exec Executor, timeout time.Duration) Executor {
	if timeout <= 0 {
		return exec
	}
	return timeoutExecutor{next: exec, timeout: timeout}
}

func (t timeoutExecutor) Execute(ctx context.Context, cmd string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Execute(ctx, cmd)
}

func (t timeoutExecutor) ExecuteInput(ctx context.Context, cmd string, stdin []byte) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.ExecuteInput(ctx, cmd, stdin)
}
