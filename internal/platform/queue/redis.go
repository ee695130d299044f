package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/goxec-engine/internal/domain"
)

const (
	defaultBlock = 2 * time.Second
	ackTimeout   = 5 * time.Second
)

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	Addr         string
	Stream       string
	Group        string
	ResultPrefix string
	// StaleAfter is how long a delivered message may stay unacknowledged before another consumer claims it.
	StaleAfter time.Duration
	// RecoverEvery is how often the consumer looks for stale messages. Zero disables recovery.
	RecoverEvery time.Duration
	// Block bounds each XREADGROUP call. Defaults to 2s.
	Block time.Duration
}

// RedisQueue implements domain.Broker using Redis Streams for jobs and Pub/Sub for results.
type RedisQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumer     string
	resultPrefix string
	staleAfter   time.Duration
	recoverEvery time.Duration
	// block bounds each XREADGROUP call so cancellation is noticed.
	block  time.Duration
	logger *slog.Logger
}

// Ensure RedisQueue satisfies the interface
var _ domain.Broker = (*RedisQueue)(nil)

// NewRedisQueue returns a new Redis-backed broker after a fail-fast ping.
func NewRedisQueue(opts RedisOptions, logger *slog.Logger) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Generate a unique consumer name (e.g: hostname-pid)
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}

	block := opts.Block
	if block <= 0 {
		block = defaultBlock
	}

	return &RedisQueue{
		client:       rdb,
		stream:       opts.Stream,
		group:        opts.Group,
		consumer:     fmt.Sprintf("%s-%d", host, os.Getpid()),
		resultPrefix: opts.ResultPrefix,
		staleAfter:   opts.StaleAfter,
		recoverEvery: opts.RecoverEvery,
		block:        block,
		logger:       logger,
	}, nil
}

// Publish enqueues a job to the Redis stream using XADD (Producer)
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// We use "*" Id to let Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"job": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Consume reads jobs with XREADGROUP one at a time and hands each to handler.
// The next message is only read after the previous one was acknowledged.
func (r *RedisQueue) Consume(ctx context.Context, handler domain.JobHandler) error {
	// 1. Ensure the Consumer Group exists
	if err := r.ensureGroup(ctx); err != nil {
		return err
	}

	r.logger.Info("Consuming jobs", "stream", r.stream, "group", r.group, "consumer", r.consumer)

	var lastRecovery time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}

		// 2. Periodically pick up jobs abandoned by crashed consumers
		if r.recoverEvery > 0 && time.Since(lastRecovery) >= r.recoverEvery {
			r.recoverStale(ctx, handler)
			lastRecovery = time.Now()
		}

		// 3. Read at most one new message
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"}, // ">" means new messages
			Count:    1,
			Block:    r.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // Timeout, retry
			}
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("Redis read error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second): // Backoff
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				r.dispatch(ctx, msg, handler)
			}
		}
	}
}

// ensureGroup creates the consumer group starting at the beginning of the stream,
// so jobs published before the first worker started are still served.
func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// dispatch runs one message through handler and always acknowledges it.
func (r *RedisQueue) dispatch(ctx context.Context, msg redis.XMessage, handler domain.JobHandler) {
	// An in-flight job is finished even while the consumer is shutting down.
	jobCtx := context.WithoutCancel(ctx)

	defer func() {
		ackCtx, cancel := context.WithTimeout(jobCtx, ackTimeout)
		defer cancel()
		if err := r.client.XAck(ackCtx, r.stream, r.group, msg.ID).Err(); err != nil {
			r.logger.Error("Failed to acknowledge job", "msgID", msg.ID, "error", err)
		}
	}()

	val, ok := msg.Values["job"].(string)
	if !ok {
		r.logger.Error("Invalid message format", "msgID", msg.ID)
		return
	}
	job, err := decodeJob([]byte(val))
	if err != nil {
		r.logger.Error("Dropping malformed job", "msgID", msg.ID, "error", err)
		return
	}

	// Capture the Redis Stream ID for logging and tracing.
	job.RawID = msg.ID
	runHandler(jobCtx, job, handler, r.logger)
}

// ResponseChannel returns the Pub/Sub channel results for jobID are broadcast on.
func (r *RedisQueue) ResponseChannel(jobID string) string {
	return r.resultPrefix + jobID
}

// PublishResult broadcasts msg on channel with PUBLISH.
func (r *RedisQueue) PublishResult(ctx context.Context, channel string, msg domain.ResultMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis result publish failed: %w", err)
	}
	return nil
}

// SubscribeResults pattern-subscribes to every per-job result channel.
func (r *RedisQueue) SubscribeResults(ctx context.Context) (<-chan domain.ResultMessage, error) {
	pubsub := r.client.PSubscribe(ctx, r.resultPrefix+"*")

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	outCh := make(chan domain.ResultMessage)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var result domain.ResultMessage
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					r.logger.Error("Failed to unmarshal result", "channel", msg.Channel, "error", err)
					continue
				}

				select {
				case outCh <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}

// Close closes the Redis connection pool.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}
