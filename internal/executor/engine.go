// Package executor runs untrusted code in sandboxed containers.
//
// Every execution is a Session that owns exactly one workspace and at most one
// container. Sessions share a single lifecycle (resolve profile, acquire
// workspace, create container, execute, release) and differ only in the
// strategy that drives the started container: batch waits for exit and
// collects logs, interactive pumps a live duplex stream.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/goxec-engine/internal/domain"
	"github.com/dontdude/goxec-engine/internal/language"
	"github.com/dontdude/goxec-engine/internal/platform/metrics"
	"github.com/dontdude/goxec-engine/internal/workspace"
)

// Fixed per-session sandbox limits.
const (
	MemoryLimit      int64 = 128 * 1024 * 1024 // 128 MiB
	NanoCPUs         int64 = 500_000_000       // 0.5 CPU
	DefaultTimeLimit       = 5 * time.Second

	containerWorkDir = "/app"
	defaultStopGrace = 2 * time.Second
	cleanupTimeout   = 15 * time.Second
)

// Engine creates and drives execution sessions.
type Engine struct {
	registry   *language.Registry
	workspaces *workspace.Manager
	runtime    domain.ContainerRuntime
	metrics    *metrics.Collector
	logger     *slog.Logger

	timeLimit time.Duration
	stopGrace time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeLimit overrides the wall-clock limit of each session.
func WithTimeLimit(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeLimit = d
		}
	}
}

// WithStopGrace sets how long a stopped interactive container may take to exit before it is killed.
func WithStopGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.stopGrace = d
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// New returns an Engine using the given registry, workspace manager and container runtime.
func New(registry *language.Registry, workspaces *workspace.Manager, runtime domain.ContainerRuntime, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		workspaces: workspaces,
		runtime:    runtime,
		logger:     logger,
		timeLimit:  DefaultTimeLimit,
		stopGrace:  defaultStopGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TimeLimit reports the configured wall-clock limit.
func (e *Engine) TimeLimit() time.Duration {
	return e.timeLimit
}

// strategy drives a started container for one session.
type strategy interface {
	mode() domain.Mode

	// execute returns only after all I/O it started has settled.
	execute(ctx context.Context, s *Session) error

	// fail surfaces a failure that prevented or aborted execution.
	fail(s *Session, err error)

	// teardown runs first during release, before the container is stopped.
	teardown(s *Session)
}

// Session is the state of a single execution. It is only mutated by the goroutine running it.
type Session struct {
	JobID       string
	Mode        domain.Mode
	Workspace   string
	ContainerID string
	Started     time.Time
	Deadline    time.Time

	job      domain.Job
	engine   *Engine
	logger   *slog.Logger
	timedOut bool
	released bool
}

// run executes the shared lifecycle. Resources are released exactly once on every exit path,
// and the returned session is never nil, even after a recovered panic.
func (e *Engine) run(ctx context.Context, job domain.Job, st strategy) (s *Session) {
	s = &Session{
		JobID:   job.ID,
		Mode:    st.mode(),
		Started: time.Now(),
		job:     job,
		engine:  e,
		logger:  e.logger.With("jobID", job.ID, "language", job.Language, "mode", st.mode()),
	}
	s.Deadline = s.Started.Add(e.timeLimit)

	defer s.release(ctx, st)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session panicked", "panic", r)
			st.fail(s, fmt.Errorf("unexpected error: %v", r))
		}
	}()

	// 1. Resolve the language profile
	profile, err := e.registry.Resolve(job.Language)
	if err != nil {
		s.logger.Warn("Rejected job", "error", err)
		st.fail(s, err)
		return s
	}

	// 2. Resolve the source filename and argv (Java needs the class name)
	filename, argv, err := profile.Prepare(job.Code)
	if err != nil {
		s.logger.Warn("Rejected job", "error", err)
		st.fail(s, err)
		return s
	}

	// 3. Write the source into a fresh workspace
	s.Workspace, err = e.workspaces.Acquire(job.ID, filename, job.Code)
	if err != nil {
		s.logger.Error("Failed to prepare workspace", "error", err)
		st.fail(s, err)
		return s
	}

	// 4. Create and start the sandbox
	s.logger.Info("Creating container", "image", profile.Image)
	s.ContainerID, err = e.runtime.Create(ctx, domain.ContainerSpec{
		Name:        "goxec-" + uuid.NewString(),
		Image:       profile.Image,
		Cmd:         argv,
		Workspace:   s.Workspace,
		WorkDir:     containerWorkDir,
		MemoryBytes: MemoryLimit,
		NanoCPUs:    NanoCPUs,
		Interactive: s.Mode == domain.ModeInteractive,
	})
	if err != nil {
		s.logger.Error("Failed to create container", "error", err)
		st.fail(s, err)
		return s
	}
	// The limit bounds the sandboxed process, so it starts counting once the container runs.
	s.Deadline = time.Now().Add(e.timeLimit)

	// 5. Drive the container
	if err := st.execute(ctx, s); err != nil {
		s.logger.Error("Execution failed", "containerID", s.ContainerID, "error", err)
		st.fail(s, err)
	}
	return s
}

// release tears the session down. Cleanup failures are logged and never escalate.
func (s *Session) release(ctx context.Context, st strategy) {
	if s.released {
		return
	}
	s.released = true

	st.teardown(s)

	// Cleanup must outlive a canceled caller.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if s.ContainerID != "" {
		e := s.engine
		if s.Mode == domain.ModeInteractive {
			if err := e.runtime.Stop(cctx, s.ContainerID, e.stopGrace); err != nil {
				s.cleanupWarning("stop", err)
			}
		}
		if err := e.runtime.Remove(cctx, s.ContainerID, true); err != nil {
			s.cleanupWarning("remove", err)
		}
	}

	s.engine.workspaces.Release(s.Workspace)
	s.logger.Info("Session cleaned up", "containerID", s.ContainerID)
}

func (s *Session) cleanupWarning(op string, err error) {
	s.logger.Warn("Container cleanup failed", "operation", op, "containerID", s.ContainerID, "error", err)
	s.engine.metrics.CleanupFailed(op)
}

// describe renders an error as the text shown to the submitter.
func (s *Session) describe(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnsupportedLanguage):
		return "Unsupported language: " + s.job.Language
	case errors.Is(err, domain.ErrJavaClassNotFound):
		return "Could not find a public class with a main method"
	default:
		return err.Error()
	}
}

func timeoutMessage(limit time.Duration) string {
	return fmt.Sprintf("Execution exceeded the time limit of %s seconds",
		strconv.FormatFloat(limit.Seconds(), 'f', -1, 64))
}

// roundSeconds converts d to seconds with 4-decimal precision.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1e4) / 1e4
}
