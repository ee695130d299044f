package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dontdude/goxec-engine/internal/domain"
	"github.com/dontdude/goxec-engine/internal/platform/metrics"
)

// Job outcomes reported to metrics.
const (
	outcomePublished     = "published"
	outcomeDropped       = "dropped"
	outcomePublishFailed = "publish_failed"
)

// Executor runs one job to completion in batch mode.
type Executor interface {
	RunBatch(ctx context.Context, job domain.Job) domain.ExecutionResult
}

// Worker pulls jobs from a durable queue, executes them and publishes the results.
// Concurrency is bounded by the queue itself: one unacknowledged message at a time.
type Worker struct {
	queue    domain.JobQueue
	results  domain.ResultBus
	executor Executor
	metrics  *metrics.Collector
	logger   *slog.Logger

	// wg tracks the consume loop to ensure graceful shutdown.
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New returns a Worker. metrics may be nil.
func New(queue domain.JobQueue, results domain.ResultBus, executor Executor, m *metrics.Collector, logger *slog.Logger) *Worker {
	return &Worker{
		queue:    queue,
		results:  results,
		executor: executor,
		metrics:  m,
		logger:   logger,
	}
}

// Start launches the consume loop in the background.
// It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("Worker started")

		if err := w.queue.Consume(ctx, w.Handle); err != nil {
			w.logger.Error("Job consumer stopped", "error", err)
		}

		w.logger.Info("Worker stopped")
	}()
}

// Stop initiates a graceful shutdown.
// It blocks until the in-flight job, if any, has finished and been acknowledged.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker, waiting for the current job to drain...")
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Handle executes one dequeued job and publishes its result.
// The returned error is logged by the queue; the message is acknowledged either way.
func (w *Worker) Handle(ctx context.Context, job domain.Job) error {
	if job.ResponseChannel == "" {
		w.logger.Warn("Job has no response channel, dropping", "jobID", job.ID)
		w.metrics.JobProcessed(outcomeDropped)
		return nil
	}

	w.logger.Debug("Processing job", "jobID", job.ID, "language", job.Language)
	result := w.executor.RunBatch(ctx, job)

	msg := domain.ResultMessage{JobID: job.ID, Result: result}
	if err := w.results.PublishResult(ctx, job.ResponseChannel, msg); err != nil {
		w.metrics.JobProcessed(outcomePublishFailed)
		return fmt.Errorf("failed to publish result for job %s: %w", job.ID, err)
	}

	w.metrics.JobProcessed(outcomePublished)
	w.logger.Info("Result published", "jobID", job.ID, "status", result.Status, "channel", job.ResponseChannel)
	return nil
}
