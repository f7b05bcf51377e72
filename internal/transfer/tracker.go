// Package transfer moves single files between the local machine and a host
// over its file-transfer session, persisting progress as it goes.
package transfer

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/model"
	"github.com/rileyhilliard/fleet/internal/store"
	"github.com/rileyhilliard/fleet/internal/telemetry"
	"github.com/rileyhilliard/fleet/internal/transport"
	"github.com/rileyhilliard/fleet/pkg/sshutil"
)

// CancelledMessage is the error text of a transfer cancelled by a user.
const CancelledMessage = "cancelled"

const (
	DefaultChunkSize = 32 * 1024
	DefaultTimeout   = 2 * time.Hour
)

// Request describes a transfer to create.
type Request struct {
	Direction  model.Direction
	HostID     uint
	RemotePath string
	// LocalPath is the source of an upload or the destination of a download.
	LocalPath string
}

// Tracker runs transfers and keeps their records current.
type Tracker struct {
	store     *store.Store
	pool      *transport.Pool
	sink      events.Sink
	log       logger.Logger
	metrics   *telemetry.Metrics
	chunkSize int
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithSink(s events.Sink) Option {
	return func(t *Tracker) { t.sink = s }
}

func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithChunkSize sets the copy buffer size, which bounds how stale persisted
// progress can be.
func WithChunkSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.chunkSize = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker over st and pool.
func NewTracker(st *store.Store, pool *transport.Pool, opts ...Option) *Tracker {
	t := &Tracker{
		store:     st,
		pool:      pool,
		sink:      events.Discard{},
		log:       logger.Noop(),
		chunkSize: DefaultChunkSize,
		timeout:   DefaultTimeout,
		now:       time.Now,
		running:   make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Create stores a pending record for req under a fresh key.
func (t *Tracker) Create(ctx context.Context, req Request) (*model.TransferProgress, error) {
	if req.Direction != model.Upload && req.Direction != model.Download {
		return nil, errors.New(errors.ErrConfig, fmt.Sprintf("Unknown transfer direction %q", req.Direction), "")
	}
	if req.RemotePath == "" || req.LocalPath == "" {
		return nil, errors.New(errors.ErrConfig, "A transfer needs both a remote and a local path", "")
	}
	if _, err := t.store.GetHost(ctx, req.HostID); err != nil {
		return nil, err
	}

	rec := &model.TransferProgress{
		Key:        uuid.NewString(),
		Direction:  req.Direction,
		HostID:     req.HostID,
		RemotePath: req.RemotePath,
		LocalName:  req.LocalPath,
		Status:     model.TransferPending,
	}
	if err := t.store.CreateTransfer(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Run drives the transfer stored under key to a terminal state. A failed
// record is reset and retried; a complete or cancelled one is left alone.
// Failures are persisted on the record and also returned.
func (t *Tracker) Run(ctx context.Context, key string) error {
	rec, err := t.store.GetTransferByKey(ctx, key)
	if err != nil {
		return err
	}
	switch {
	case rec.Status == model.TransferComplete:
		return nil
	case rec.Status == model.TransferFailed && rec.Error == CancelledMessage:
		t.log.Debug("transfer %s was cancelled, not running it", key)
		return nil
	case rec.Status.Terminal():
		rec.Reset()
		if err := t.store.SaveTransfer(ctx, rec); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	t.track(key, cancel)
	defer t.untrack(key)

	host, err := t.store.GetHost(ctx, rec.HostID)
	if err != nil {
		return t.fail(ctx, rec, err)
	}
	if err := rec.Transition(model.TransferInFlight, t.now()); err != nil {
		return err
	}
	ok, err := t.store.UpdateTransferState(ctx, rec)
	if err != nil {
		return err
	}
	if !ok {
		t.log.Info("transfer %s was finished before it started, not running it", key)
		return nil
	}
	t.publish(rec)

	fc, err := t.pool.AcquireFile(ctx, host, false)
	if err != nil {
		return t.fail(ctx, rec, err)
	}

	var size int64
	if rec.Direction == model.Upload {
		size, err = t.upload(ctx, fc, rec)
	} else {
		size, err = t.download(ctx, fc, rec)
	}
	if err != nil {
		return t.fail(ctx, rec, err)
	}
	return t.complete(ctx, rec, size)
}

// Cancel stops the transfer stored under key and marks it failed. Cancelling
// a finished transfer is an error.
func (t *Tracker) Cancel(ctx context.Context, key string) (*model.TransferProgress, error) {
	rec, err := t.store.GetTransferByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, errors.New(errors.ErrTransfer,
			fmt.Sprintf("Transfer %s already %s", key, rec.Status), "")
	}

	if err := rec.Transition(model.TransferFailed, t.now()); err != nil {
		return rec, err
	}
	rec.Error = CancelledMessage
	ok, err := t.store.UpdateTransferState(ctx, rec)
	if err != nil {
		return rec, err
	}
	if !ok {
		// Finished while we were looking.
		latest, err := t.store.GetTransferByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		return latest, errors.New(errors.ErrTransfer, fmt.Sprintf("Transfer %s already %s", key, latest.Status), "")
	}

	t.mu.Lock()
	if stop, ok := t.running[key]; ok {
		stop()
	}
	t.mu.Unlock()

	t.metrics.IncTransfer(string(rec.Direction), "cancelled")
	t.publish(rec)
	t.log.Info("cancelled transfer %s", key)
	return rec, nil
}

// Running reports whether a task for key is executing in this process.
func (t *Tracker) Running(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[key]
	return ok
}

func (t *Tracker) track(key string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[key] = cancel
}

func (t *Tracker) untrack(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, key)
}

func (t *Tracker) upload(ctx context.Context, fc sshutil.FileClient, rec *model.TransferProgress) (int64, error) {
	src, err := os.Open(rec.LocalName)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, err
	}
	local := info.Size()

	// Uploading into a directory keeps the local file name.
	if st, err := fc.Stat(rec.RemotePath); err == nil && st.IsDir() {
		rec.RemotePath = path.Join(rec.RemotePath, filepath.Base(rec.LocalName))
	}

	dst, err := fc.Create(rec.RemotePath)
	if err != nil {
		return 0, err
	}
	_, copyErr := t.copy(ctx, rec, dst, src, local)
	closeErr := dst.Close()
	if copyErr != nil {
		return 0, copyErr
	}
	if closeErr != nil {
		return 0, closeErr
	}

	st, err := fc.Stat(rec.RemotePath)
	if err != nil {
		return 0, &verifyError{cause: err}
	}
	if st.Size() != local {
		return 0, &verifyError{remote: st.Size(), local: local}
	}
	return local, nil
}

func (t *Tracker) download(ctx context.Context, fc sshutil.FileClient, rec *model.TransferProgress) (size int64, err error) {
	total := int64(-1)
	if st, err := fc.Stat(rec.RemotePath); err == nil {
		if st.IsDir() {
			return 0, fmt.Errorf("%s is a directory", rec.RemotePath)
		}
		total = st.Size()
	}

	src, err := fc.Open(rec.RemotePath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(rec.LocalName), 0o755); err != nil {
		return 0, err
	}
	dst, err := os.Create(rec.LocalName)
	if err != nil {
		return 0, err
	}
	defer func() {
		closeErr := dst.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			if rmErr := os.Remove(rec.LocalName); rmErr != nil && !stderrors.Is(rmErr, os.ErrNotExist) {
				t.log.Warn("couldn't remove partial download %s: %v", rec.LocalName, rmErr)
			}
		}
	}()

	return t.copy(ctx, rec, dst, src, total)
}

// copy streams src to dst in chunks, persisting progress whenever a chunk
// moves the rounded size forward. total is -1 when unknown.
func (t *Tracker) copy(ctx context.Context, rec *model.TransferProgress, dst io.Writer, src io.Reader, total int64) (int64, error) {
	if total >= 0 {
		mb := ToMB(total)
		rec.TotalMB = &mb
	}

	buf := make([]byte, t.chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if err := t.progress(ctx, rec, written); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return written, ctxErr
				}
				return written, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func (t *Tracker) progress(ctx context.Context, rec *model.TransferProgress, written int64) error {
	mb := ToMB(written)
	if mb <= rec.TransferredMB {
		return nil
	}
	rec.TransferredMB = mb
	ok, err := t.store.AdvanceTransfer(ctx, rec.ID, mb, rec.TotalMB)
	if err != nil {
		return err
	}
	if !ok {
		latest, err := t.store.GetTransferByID(ctx, rec.ID)
		if err == nil && latest.Status.Terminal() {
			return context.Canceled
		}
		return nil
	}
	t.publish(rec)
	return nil
}

func (t *Tracker) complete(ctx context.Context, rec *model.TransferProgress, size int64) error {
	mb := ToMB(size)
	rec.TransferredMB = mb
	rec.TotalMB = &mb
	if err := rec.Transition(model.TransferComplete, t.now()); err != nil {
		return err
	}
	ok, err := t.store.UpdateTransferState(ctx, rec)
	if err != nil {
		return err
	}
	if !ok {
		t.log.Warn("transfer %s finished after it was cancelled; keeping the cancellation", rec.Key)
		return nil
	}

	t.metrics.IncTransfer(string(rec.Direction), string(model.TransferComplete))
	t.publish(rec)
	t.log.Info("%s of %s complete (%.2f MB)", rec.Direction, rec.RemotePath, mb)
	return nil
}

// fail marks rec failed unless something else already finished it, and
// returns the error wrapped as TRANSFER.
func (t *Tracker) fail(ctx context.Context, rec *model.TransferProgress, cause error) error {
	wrapped := t.wrap(rec, cause)

	if err := rec.Transition(model.TransferFailed, t.now()); err != nil {
		return wrapped
	}
	rec.Error = errors.Summary(wrapped)

	// The run context may be what failed; the record must still be written.
	ok, err := t.store.UpdateTransferState(context.WithoutCancel(ctx), rec)
	if err != nil {
		t.log.Error("couldn't record failure of transfer %s: %v", rec.Key, err)
		return wrapped
	}
	if ok {
		t.metrics.IncTransfer(string(rec.Direction), string(model.TransferFailed))
		t.publish(rec)
		t.log.Warn("%s of %s failed: %s", rec.Direction, rec.RemotePath, rec.Error)
	}
	return wrapped
}

func (t *Tracker) wrap(rec *model.TransferProgress, cause error) error {
	var verr *verifyError
	switch {
	case stderrors.As(cause, &verr):
		return errors.WrapWithCode(cause, errors.ErrTransfer,
			fmt.Sprintf("Upload of %s verification failed", rec.RemotePath),
			"The file arrived with the wrong size. Retry the upload.")
	case stderrors.Is(cause, context.DeadlineExceeded):
		return errors.WrapWithCode(cause, errors.ErrTransfer,
			fmt.Sprintf("Transfer of %s failed: timed out after %s", rec.RemotePath, t.timeout), "")
	case stderrors.Is(cause, context.Canceled):
		return errors.WrapWithCode(cause, errors.ErrTransfer,
			fmt.Sprintf("Transfer of %s failed: %s", rec.RemotePath, CancelledMessage), "")
	}
	return errors.WrapWithCode(cause, errors.ErrTransfer,
		fmt.Sprintf("%s of %s transfer failed", directionTitle(rec.Direction), rec.RemotePath), "")
}

func directionTitle(d model.Direction) string {
	if d == model.Upload {
		return "Upload"
	}
	return "Download"
}

func (t *Tracker) publish(rec *model.TransferProgress) {
	t.sink.Publish(events.ChannelTransfers, events.New(events.TransferProgress, Derive(*rec, t.now())))
}

// verifyError is a post-upload size check failure.
type verifyError struct {
	remote, local int64
	cause         error
}

func (e *verifyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("couldn't stat uploaded file: %v", e.cause)
	}
	return fmt.Sprintf("remote size %d bytes does not match local size %d bytes", e.remote, e.local)
}

func (e *verifyError) Unwrap() error { return e.cause }
