// Package transport owns fleet's reusable SSH sessions: one shell and one
// file connection per host, dialed with bounded retries and reused while
// alive.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rileyhilliard/fleet/internal/config"
	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/telemetry"
	"github.com/rileyhilliard/fleet/pkg/sshutil"
)

// Kind distinguishes the two sessions kept per host.
type Kind string

const (
	Shell Kind = "shell"
	File  Kind = "file"
)

// Key identifies one pooled session.
type Key struct {
	HostID uint
	Port   int
	Kind   Kind
}

func keyFor(host *model.Host, kind Kind) Key {
	return Key{HostID: host.ID, Port: host.Port, Kind: kind}
}

// Options bounds connection establishment.
type Options struct {
	ConnectTimeout time.Duration
	Attempts       int
	RetryDelay     time.Duration
	Keepalive      time.Duration
	Term           string
	StrictHostKey  bool
	KnownHosts     string
}

// DefaultOptions mirrors config.DefaultConfig().Transport.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig().Transport)
}

// OptionsFromConfig converts the transport config section.
func OptionsFromConfig(c config.TransportConfig) Options {
	return Options{
		ConnectTimeout: c.ConnectTimeout,
		Attempts:       c.Attempts,
		RetryDelay:     c.RetryDelay,
		Keepalive:      c.Keepalive,
		Term:           c.Term,
		StrictHostKey:  c.StrictHostKey,
		KnownHosts:     c.KnownHosts,
	}
}

// CredentialSource turns a stored AgentConnection into usable credentials.
// Implementations must not cache decrypted secrets.
type CredentialSource interface {
	Credentials(ctx context.Context, conn *model.AgentConnection) (sshutil.Credentials, error)
}

// ConnectionStamper records successful shell authentication.
type ConnectionStamper interface {
	TouchConnection(ctx context.Context, hostID uint, at time.Time) error
}

// Dialer opens the two session kinds. Tests substitute fakes.
type Dialer interface {
	DialShell(ctx context.Context, target sshutil.Target, creds sshutil.Credentials, opts sshutil.Options) (sshutil.SSHClient, error)
	DialFile(ctx context.Context, target sshutil.Target, creds sshutil.Credentials, opts sshutil.Options) (sshutil.FileClient, error)
}

type sshDialer struct{}

func (sshDialer) DialShell(ctx context.Context, t sshutil.Target, c sshutil.Credentials, o sshutil.Options) (sshutil.SSHClient, error) {
	return sshutil.Dial(ctx, t, c, o)
}

func (sshDialer) DialFile(ctx context.Context, t sshutil.Target, c sshutil.Credentials, o sshutil.Options) (sshutil.FileClient, error) {
	return sshutil.DialFile(ctx, t, c, o)
}

// liveConn is what both session kinds share.
type liveConn interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// Pool caches sessions per (host, port, kind). It is safe for concurrent use;
// concurrent acquirers of the same key wait for one dial instead of racing.
type Pool struct {
	mu        sync.Mutex
	conns     map[Key]liveConn
	dialLocks map[Key]*sync.Mutex

	creds   CredentialSource
	opts    Options
	dialer  Dialer
	stamper ConnectionStamper
	log     logger.Logger
	metrics *telemetry.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

func WithDialer(d Dialer) Option { return func(p *Pool) { p.dialer = d } }

func WithStamper(s ConnectionStamper) Option { return func(p *Pool) { p.stamper = s } }

func WithLogger(l logger.Logger) Option { return func(p *Pool) { p.log = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(p *Pool) { p.metrics = m } }

func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

func WithSleep(f func(context.Context, time.Duration) error) Option {
	return func(p *Pool) { p.sleep = f }
}

// New creates an empty pool.
func New(creds CredentialSource, opts Options, options ...Option) *Pool {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	p := &Pool{
		conns:     make(map[Key]liveConn),
		dialLocks: make(map[Key]*sync.Mutex),
		creds:     creds,
		opts:      opts,
		dialer:    sshDialer{},
		log:       logger.Noop(),
		sleep:     sleepContext,
		now:       time.Now,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// AcquireShell returns a live shell session for host, dialing if needed.
func (p *Pool) AcquireShell(ctx context.Context, host *model.Host, forceNew bool) (sshutil.SSHClient, error) {
	conn, err := p.acquire(ctx, host, Shell, forceNew)
	if err != nil {
		return nil, err
	}
	return conn.(sshutil.SSHClient), nil
}

// AcquireFile returns a live file-transfer session for host.
func (p *Pool) AcquireFile(ctx context.Context, host *model.Host, forceNew bool) (sshutil.FileClient, error) {
	conn, err := p.acquire(ctx, host, File, forceNew)
	if err != nil {
		return nil, err
	}
	return conn.(sshutil.FileClient), nil
}

// RequireConnection fails with CONFIG when host has no stored credentials.
// Callers use it to fail fast without touching the network.
func RequireConnection(host *model.Host) error {
	if host.Connection == nil {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Host '%s' has no stored credentials", host.Name),
			fmt.Sprintf("Add them with: fleet hosts add %s --update", host.Name))
	}
	return nil
}

func (p *Pool) acquire(ctx context.Context, host *model.Host, kind Kind, forceNew bool) (liveConn, error) {
	if err := RequireConnection(host); err != nil {
		return nil, err
	}

	key := keyFor(host, kind)
	lock := p.dialLock(key)
	lock.Lock()
	defer lock.Unlock()

	if !forceNew {
		if conn := p.cached(key); conn != nil {
			if alive(conn) {
				return conn, nil
			}
			p.log.Debug("cached %s session for %s is dead, reconnecting", kind, host.Name)
			p.evict(key)
		}
	} else {
		p.evict(key)
	}

	conn, err := p.dialWithRetry(ctx, host, kind)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.conns[key]; ok && existing != conn {
		_ = existing.Close()
	}
	p.conns[key] = conn
	p.mu.Unlock()

	return conn, nil
}

func (p *Pool) dialWithRetry(ctx context.Context, host *model.Host, kind Kind) (liveConn, error) {
	creds, err := p.creds.Credentials(ctx, host.Connection)
	if err != nil {
		return nil, err
	}

	target := sshutil.Target{Host: host.Address, Port: host.Port, User: host.Username}
	sshOpts := sshutil.Options{
		Timeout:       p.opts.ConnectTimeout,
		StrictHostKey: p.opts.StrictHostKey,
		KnownHosts:    p.opts.KnownHosts,
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.Attempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, p.opts.RetryDelay); err != nil {
				return nil, errors.WrapWithCode(err, errors.ErrNetwork,
					fmt.Sprintf("Connecting to '%s' was cancelled", host.Name), "")
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
		conn, err := p.dialOnce(attemptCtx, kind, target, creds, sshOpts)
		cancel()

		if err == nil {
			p.metrics.IncConnectAttempt(string(kind), "ok")
			if kind == Shell {
				p.onShellAuthenticated(ctx, host, conn.(sshutil.SSHClient))
			}
			return conn, nil
		}

		lastErr = err
		result := "network_error"
		if errors.IsAuth(err) {
			result = "auth_error"
		}
		p.metrics.IncConnectAttempt(string(kind), result)
		p.log.Warn("%s connect to %s (%s) attempt %d/%d failed: %s",
			kind, host.Name, host.Address, attempt, p.opts.Attempts, errors.Summary(err))
	}

	code := errors.ErrNetwork
	suggestion := "Check the host is up and reachable on its SSH port."
	if errors.IsAuth(lastErr) {
		code = errors.ErrAuth
		suggestion = fmt.Sprintf("Check the stored credentials: fleet hosts add %s --update", host.Name)
	}
	return nil, errors.WrapWithCode(lastErr, code,
		fmt.Sprintf("Couldn't open %s session to '%s' after %d attempts", kind, host.Name, p.opts.Attempts),
		suggestion)
}

func (p *Pool) dialOnce(ctx context.Context, kind Kind, target sshutil.Target, creds sshutil.Credentials, opts sshutil.Options) (liveConn, error) {
	if kind == File {
		return p.dialer.DialFile(ctx, target, creds, opts)
	}
	return p.dialer.DialShell(ctx, target, creds, opts)
}

func (p *Pool) onShellAuthenticated(ctx context.Context, host *model.Host, client sshutil.SSHClient) {
	client.SetupEnvironment(p.opts.Term)
	client.StartKeepalive(p.opts.Keepalive)

	if p.stamper == nil {
		return
	}
	if err := p.stamper.TouchConnection(ctx, host.ID, p.now()); err != nil {
		p.log.Warn("couldn't record last connect time for %s: %v", host.Name, err)
	}
}

// Release closes and evicts both sessions for host. Close errors are
// swallowed. Other holders of those sessions must re-acquire.
func (p *Pool) Release(host *model.Host) {
	for _, kind := range []Kind{Shell, File} {
		p.evict(keyFor(host, kind))
	}
}

// Close closes every pooled session.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, key)
	}
}

// Size returns the number of pooled sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Has reports whether a session is pooled for host and kind.
func (p *Pool) Has(host *model.Host, kind Kind) bool {
	return p.cached(keyFor(host, kind)) != nil
}

func (p *Pool) cached(key Key) liveConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[key]
}

func (p *Pool) evict(key Key) {
	p.mu.Lock()
	conn, ok := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
}

func (p *Pool) dialLock(key Key) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.dialLocks[key]
	if !ok {
		l = &sync.Mutex{}
		p.dialLocks[key] = l
	}
	return l
}

func alive(conn liveConn) bool {
	_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result is the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit status.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Execute runs cmd on the host's shell session. On a transport error the
// session is reopened and the command retried exactly once.
func (p *Pool) Execute(ctx context.Context, host *model.Host, cmd string) (Result, error) {
	return p.ExecuteInput(ctx, host, cmd, nil)
}

// ExecuteInput is Execute with stdin. The input is replayed on the retry.
func (p *Pool) ExecuteInput(ctx context.Context, host *model.Host, cmd string, stdin []byte) (Result, error) {
	client, err := p.AcquireShell(ctx, host, false)
	if err != nil {
		return Result{}, err
	}

	res, err := p.run(ctx, host, client, cmd, stdin)
	if err == nil || ctx.Err() != nil {
		return res, err
	}

	p.log.Warn("command on %s failed at transport level (%s), reconnecting once", host.Name, errors.Summary(err))

	client, err = p.AcquireShell(ctx, host, true)
	if err != nil {
		return Result{}, err
	}
	return p.run(ctx, host, client, cmd, stdin)
}

// run executes one command, abandoning the session if ctx ends first.
func (p *Pool) run(ctx context.Context, host *model.Host, client sshutil.SSHClient, cmd string, stdin []byte) (Result, error) {
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		var (
			stdout, stderr []byte
			code           int
			err            error
		)
		if stdin != nil {
			stdout, stderr, code, err = client.ExecInput(cmd, bytes.NewReader(stdin))
		} else {
			stdout, stderr, code, err = client.Exec(cmd)
		}
		done <- outcome{res: Result{Stdout: string(stdout), Stderr: string(stderr), ExitCode: code}, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		// The session may be stuck mid-command; drop it so the next caller dials fresh.
		p.evict(keyFor(host, Shell))
		return Result{ExitCode: -1}, errors.WrapWithCode(ctx.Err(), errors.ErrNetwork,
			fmt.Sprintf("Command on '%s' timed out", host.Name), "")
	}
}
