package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dontdude/goxec-engine/internal/domain"
	"github.com/dontdude/goxec-engine/internal/language"
	"github.com/dontdude/goxec-engine/internal/workspace"
)

// fakeRuntime implements domain.ContainerRuntime in memory.
type fakeRuntime struct {
	mu sync.Mutex

	createErr error
	startErr  error // container is created but fails to start
	waitErr   error
	logsErr   error
	stopErr   error
	removeErr error
	attachErr error
	panicWait   bool
	panicAttach bool

	exitCode  int64
	waitDelay time.Duration
	stdout    string
	stderr    string

	// program, when set, plays the container side of an interactive session.
	program func(stdin io.Reader, stdout io.WriteCloser)

	created []domain.ContainerSpec
	sources map[string]string // source files seen in the workspace at create time
	stopped []stopCall
	removed []string
}

type stopCall struct {
	id    string
	grace time.Duration
}

var _ domain.ContainerRuntime = (*fakeRuntime)(nil)

func (f *fakeRuntime) Create(_ context.Context, spec domain.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return "", f.createErr
	}

	f.created = append(f.created, spec)
	if f.sources == nil {
		f.sources = make(map[string]string)
	}
	entries, _ := os.ReadDir(spec.Workspace)
	for _, e := range entries {
		data, _ := os.ReadFile(filepath.Join(spec.Workspace, e.Name()))
		f.sources[e.Name()] = string(data)
	}
	return "ctr-" + spec.Name, f.startErr
}

func (f *fakeRuntime) Attach(_ context.Context, _ string) (io.ReadWriteCloser, error) {
	if f.panicAttach {
		panic("attach exploded")
	}
	if f.attachErr != nil {
		return nil, f.attachErr
	}

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	program := f.program
	if program == nil {
		program = func(_ io.Reader, stdout io.WriteCloser) { stdout.Close() }
	}
	go program(inR, outW)

	return &fakeStream{out: outR, in: inW, programIn: inR, programOut: outW}, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, _ string, timeout time.Duration) (int64, error) {
	if f.panicWait {
		panic("engine exploded")
	}
	if f.waitErr != nil {
		return 0, f.waitErr
	}
	select {
	case <-time.After(f.waitDelay):
		return f.exitCode, nil
	case <-time.After(timeout):
		return 0, domain.ErrWaitTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeRuntime) Logs(_ context.Context, _ string, stream domain.LogStream) ([]byte, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	if stream == domain.LogStderr {
		return []byte(f.stderr), nil
	}
	return []byte(f.stdout), nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, stopCall{id: id, grace: grace})
	return f.stopErr
}

func (f *fakeRuntime) Remove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeRuntime) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeStream is the engine's end of a pipe-backed attach connection.
type fakeStream struct {
	out        *io.PipeReader
	in         *io.PipeWriter
	programIn  *io.PipeReader
	programOut *io.PipeWriter
	once       sync.Once
}

func (s *fakeStream) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *fakeStream) Write(p []byte) (int, error) { return s.in.Write(p) }

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		s.out.Close()
		s.in.Close()
		// Closing the connection tears down the container side too.
		s.programIn.CloseWithError(io.ErrClosedPipe)
		s.programOut.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

var errEngine = errors.New("engine unavailable")

func newTestEngine(t *testing.T, rt *fakeRuntime, opts ...Option) (*Engine, string) {
	t.Helper()
	base := t.TempDir()
	logger := slog.New(slog.DiscardHandler)
	e := New(language.NewDefaultRegistry(), workspace.NewManager(base, logger), rt, logger, opts...)
	return e, base
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "workspace directories must be released")
}
