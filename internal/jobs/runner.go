// Package jobs runs host work in the background with bounded concurrency
// and retries, and schedules the periodic refresh of every active host.
package jobs

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sourcegraph/conc/pool"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/telemetry"
)

// Task is one unit of background work.
type Task struct {
	Name   string
	HostID uint
	Run    func(ctx context.Context) error
}

func (t Task) String() string {
	if t.HostID == 0 {
		return t.Name
	}
	return fmt.Sprintf("%s(host %d)", t.Name, t.HostID)
}

// Result is the outcome of a task after all its tries.
type Result struct {
	Task     Task
	Tries    int
	Err      error
	Duration time.Duration
}

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New(errors.ErrExec, "Job queue is full", "Wait for running jobs to finish and try again.")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New(errors.ErrExec, "Job runner is stopped", "")

// Options configures a Runner.
type Options struct {
	Workers    int
	MaxTries   int
	QueueSize  int
	// RetryDelay is the pause before the second try. Each later pause
	// doubles, up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// OnFailure is called once a task has exhausted its tries or failed
	// with an error that is never retried.
	OnFailure func(Result)
	// OnDone is called after every task, successful or not.
	OnDone  func(Result)
	Log     logger.Logger
	Metrics *telemetry.Metrics
	// Sleep waits between tries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner executes submitted tasks on a bounded worker pool. Each task runs
// at least once and up to MaxTries times while it keeps failing.
type Runner struct {
	opts  Options
	queue chan Task

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRunner creates a runner. Call Start before submitting work.
func NewRunner(opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxTries <= 0 {
		opts.MaxTries = 3
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = 30 * opts.RetryDelay
	}
	if opts.Log == nil {
		opts.Log = logger.Noop()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Runner{
		opts:  opts,
		queue: make(chan Task, opts.QueueSize),
		done:  make(chan struct{}),
	}
}

// Start launches the dispatcher. Tasks run with a context derived from ctx.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		cancel()
		return
	}
	r.started = true
	r.cancel = cancel
	r.mu.Unlock()

	workers := pool.New().WithMaxGoroutines(r.opts.Workers)
	go func() {
		defer close(r.done)
		for task := range r.queue {
			task := task
			workers.Go(func() { r.execute(ctx, task) })
		}
		workers.Wait()
	}()
}

// Submit queues task without blocking.
func (r *Runner) Submit(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	select {
	case r.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops accepting work and waits for queued tasks to finish. With
// abort set, running tasks see their context cancelled.
func (r *Runner) Stop(abort bool) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.stopped = true
	close(r.queue)
	cancel := r.cancel
	if !r.started {
		close(r.done)
	}
	r.mu.Unlock()

	if abort && cancel != nil {
		cancel()
	}
	<-r.done
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) execute(ctx context.Context, task Task) {
	start := time.Now()
	res := Result{Task: task}
	delay := &backoff.Backoff{Min: r.opts.RetryDelay, Max: r.opts.MaxRetryDelay, Factor: 2}

	for res.Tries < r.opts.MaxTries {
		if res.Tries > 0 {
			if err := r.opts.Sleep(ctx, delay.Duration()); err != nil {
				res.Err = err
				break
			}
		}
		res.Tries++
		res.Err = task.Run(ctx)
		if res.Err == nil || !Retryable(res.Err) {
			break
		}
		if res.Tries < r.opts.MaxTries {
			r.opts.Log.Warn("%s failed (try %d/%d), retrying: %s", task, res.Tries, r.opts.MaxTries, errors.Summary(res.Err))
		}
	}
	res.Duration = time.Since(start)

	outcome := "ok"
	if res.Err != nil {
		outcome = "failed"
		r.opts.Log.Error("%s failed after %d tries: %s", task, res.Tries, errors.Summary(res.Err))
		if r.opts.OnFailure != nil {
			r.opts.OnFailure(res)
		}
	}
	r.opts.Metrics.ObserveJob(task.Name, outcome, res.Duration)
	if r.opts.OnDone != nil {
		r.opts.OnDone(res)
	}
}

// Retryable reports whether another try could succeed. Credential,
// configuration, missing-record and safety failures never change on retry,
// and cancellation is final.
func Retryable(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.ErrAuth, errors.ErrConfig, errors.ErrNotFound, errors.ErrBlocked:
		return false
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
