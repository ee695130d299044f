package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dontdude/goxec-engine/internal/domain"
)

// RunBatch executes job to completion and returns its captured output.
// It never returns an error: every failure is reported through the result.
func (e *Engine) RunBatch(ctx context.Context, job domain.Job) domain.ExecutionResult {
	st := &batch{}
	s := e.run(ctx, job, st)

	elapsed := time.Since(s.Started)
	st.result.ExecutionTime = roundSeconds(elapsed)
	e.metrics.ObserveExecution(job.Language, string(s.Mode), string(st.result.Status), elapsed)

	s.logger.Info("Batch execution finished",
		"status", st.result.Status,
		"executionTime", st.result.ExecutionTime)
	return st.result
}

// batch waits for the container to exit and collects its logs.
type batch struct {
	result domain.ExecutionResult
}

func (*batch) mode() domain.Mode { return domain.ModeBatch }

func (b *batch) execute(ctx context.Context, s *Session) error {
	rt := s.engine.runtime

	exitCode, err := rt.Wait(ctx, s.ContainerID, time.Until(s.Deadline))
	if errors.Is(err, domain.ErrWaitTimeout) {
		s.timedOut = true
		s.logger.Warn("Execution timed out", "containerID", s.ContainerID, "limit", s.engine.timeLimit)

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := rt.Stop(cctx, s.ContainerID, 0); err != nil {
			s.cleanupWarning("stop", err)
		}

		b.result = domain.ExecutionResult{
			Status: domain.StatusTimeout,
			Stderr: timeoutMessage(s.engine.timeLimit),
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("wait for container: %w", err)
	}

	stdout, err := rt.Logs(ctx, s.ContainerID, domain.LogStdout)
	if err != nil {
		return fmt.Errorf("read stdout: %w", err)
	}
	stderr, err := rt.Logs(ctx, s.ContainerID, domain.LogStderr)
	if err != nil {
		return fmt.Errorf("read stderr: %w", err)
	}

	status := domain.StatusSuccess
	if exitCode != 0 {
		status = domain.StatusError
	}
	b.result = domain.ExecutionResult{
		Status: status,
		Stdout: string(stdout),
		Stderr: string(stderr),
	}
	return nil
}

func (b *batch) fail(s *Session, err error) {
	b.result = domain.ExecutionResult{
		Status: domain.StatusError,
		Stderr: s.describe(err),
	}
}

func (*batch) teardown(*Session) {}
