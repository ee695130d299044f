package domain

import "context"

// ResultMessage is the outbound message published once a queued job finishes.
type ResultMessage struct {
	JobID  string          `json:"job_id"`
	Result ExecutionResult `json:"result"`
}

// JobHandler processes a single dequeued job.
// The queue acknowledges the message once the handler returns, whatever it returned.
type JobHandler func(ctx context.Context, job Job) error

// JobQueue defines the contract for a durable job queue.
// It decouples the application from the underlying message broker (Redis, RabbitMQ, etc.).
type JobQueue interface {
	// Publish enqueues a job for processing.
	Publish(ctx context.Context, job Job) error

	// Consume delivers jobs to handler one at a time until ctx is canceled.
	// At most one message is outstanding (unacknowledged) per consumer.
	Consume(ctx context.Context, handler JobHandler) error
}

// ResultBus delivers finished results to whoever is waiting for them.
type ResultBus interface {
	// ResponseChannel returns the channel or queue results for jobID should be published to.
	ResponseChannel(jobID string) string

	// PublishResult is fire-and-forget: it returns once the broker accepts the message.
	PublishResult(ctx context.Context, channel string, msg ResultMessage) error

	// SubscribeResults streams every result published through this bus.
	SubscribeResults(ctx context.Context) (<-chan ResultMessage, error)
}

// Broker bundles a job queue and its result bus behind one connection lifecycle.
type Broker interface {
	JobQueue
	ResultBus

	Close() error
}
