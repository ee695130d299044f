package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dontdude/goxec-engine/internal/domain"
)

var errMissingJobID = errors.New("job message has no job_id")

// decodeJob parses an inbound job message body.
func decodeJob(body []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.ID == "" {
		return domain.Job{}, errMissingJobID
	}
	return job, nil
}

// runHandler invokes handler for one job, absorbing both returned errors and panics.
// The caller acknowledges the message afterwards no matter what happened here.
func runHandler(ctx context.Context, job domain.Job, handler domain.JobHandler, logger *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Job handler panicked, acknowledging anyway", "jobID", job.ID, "panic", rec)
		}
	}()

	if err := handler(ctx, job); err != nil {
		logger.Error("Job handler failed, acknowledging anyway", "jobID", job.ID, "error", err)
	}
}
