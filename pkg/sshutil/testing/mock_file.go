package testing

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rileyhilliard/fleet/pkg/sshutil"
)

// MockFileClient implements sshutil.FileClient over a MockFS.
type MockFileClient struct {
	mu        sync.Mutex
	host      string
	fs        *MockFS
	closed    bool
	dead      bool
	statSize  map[string]int64
	openErr   error
	readDelay time.Duration
	chunk     int
	removed   []string
}

var _ sshutil.FileClient = (*MockFileClient)(nil)

// NewMockFileClient creates a file client sharing fs (nil makes a new one).
func NewMockFileClient(host string, fs *MockFS) *MockFileClient {
	if fs == nil {
		fs = NewMockFS()
	}
	return &MockFileClient{host: host, fs: fs, statSize: make(map[string]int64)}
}

// FS returns the backing filesystem.
func (m *MockFileClient) FS() *MockFS {
	return m.fs
}

// OverrideSize makes Stat report size for path regardless of content.
func (m *MockFileClient) OverrideSize(path string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statSize[filepath.Clean(path)] = size
}

// FailOpen makes Open and Create return err.
func (m *MockFileClient) FailOpen(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SlowReads makes each Read of an opened file return at most chunk bytes
// after sleeping delay.
func (m *MockFileClient) SlowReads(chunk int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunk = chunk
	m.readDelay = delay
}

// MarkDead makes liveness checks fail.
func (m *MockFileClient) MarkDead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = true
}

// Closed reports whether Close was called.
func (m *MockFileClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Removed returns every path passed to Remove.
func (m *MockFileClient) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

func (m *MockFileClient) Stat(path string) (os.FileInfo, error) {
	m.mu.Lock()
	override, hasOverride := m.statSize[filepath.Clean(path)]
	m.mu.Unlock()

	switch {
	case m.fs.IsDir(path):
		return fileInfo{name: filepath.Base(path), dir: true}, nil
	case m.fs.IsFile(path):
		content, _ := m.fs.ReadFile(path)
		size := int64(len(content))
		if hasOverride {
			size = override
		}
		return fileInfo{name: filepath.Base(path), size: size}, nil
	}
	return nil, os.ErrNotExist
}

func (m *MockFileClient) Open(path string) (io.ReadCloser, error) {
	m.mu.Lock()
	openErr, chunk, delay := m.openErr, m.chunk, m.readDelay
	m.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}
	content, err := m.fs.ReadFile(path)
	if err != nil {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(&slowReader{r: bytes.NewReader(content), chunk: chunk, delay: delay}), nil
}

func (m *MockFileClient) Create(path string) (io.WriteCloser, error) {
	m.mu.Lock()
	openErr := m.openErr
	m.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}
	return &fileWriter{fs: m.fs, path: path}, nil
}

func (m *MockFileClient) Remove(path string) error {
	m.mu.Lock()
	m.removed = append(m.removed, path)
	m.mu.Unlock()

	if !m.fs.Exists(path) {
		return os.ErrNotExist
	}
	return m.fs.Remove(path)
}

func (m *MockFileClient) ReadDir(path string) ([]os.FileInfo, error) {
	entries, err := m.fs.List(path)
	if err != nil {
		return nil, os.ErrNotExist
	}
	out := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, fileInfo{name: e.Name, size: e.Size, dir: e.IsDir})
	}
	return out, nil
}

func (m *MockFileClient) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.dead {
		return false, nil, errors.New("connection lost")
	}
	return true, nil, nil
}

func (m *MockFileClient) GetHost() string {
	return m.host
}

func (m *MockFileClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (f fileInfo) Name() string { return f.name }
func (f fileInfo) Size() int64  { return f.size }
func (f fileInfo) Mode() os.FileMode {
	if f.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (f fileInfo) ModTime() time.Time { return time.Time{} }
func (f fileInfo) IsDir() bool        { return f.dir }
func (f fileInfo) Sys() interface{}   { return nil }

type slowReader struct {
	r     io.Reader
	chunk int
	delay time.Duration
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.chunk > 0 && len(p) > s.chunk {
		p = p[:s.chunk]
	}
	return s.r.Read(p)
}

// fileWriter commits its buffer to the filesystem on Close.
type fileWriter struct {
	fs   *MockFS
	path string
	buf  bytes.Buffer
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *fileWriter) Close() error {
	return w.fs.WriteFile(w.path, w.buf.Bytes())
}
