package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dontdude/goxec-engine/internal/domain"
)

var errDeliveriesClosed = errors.New("amqp delivery channel closed")

// amqpChannel is the subset of *amqp.Channel used by AMQPQueue.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPOptions configures an AMQPQueue.
type AMQPOptions struct {
	URL         string
	JobQueue    string
	ResultQueue string
}

// AMQPQueue implements domain.Broker on RabbitMQ.
// Jobs and results both travel over durable queues on the default exchange.
type AMQPQueue struct {
	conn        *amqp.Connection
	open        func() (amqpChannel, error)
	jobQueue    string
	resultQueue string
	logger      *slog.Logger

	// amqp channels are not safe for concurrent publishing.
	pubMu    sync.Mutex
	pubCh    amqpChannel
	declared map[string]bool
}

var _ domain.Broker = (*AMQPQueue)(nil)

// NewAMQPQueue dials the broker and declares the job and result queues.
func NewAMQPQueue(opts AMQPOptions, logger *slog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	q, err := newAMQPQueue(func() (amqpChannel, error) { return conn.Channel() }, opts, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	q.conn = conn

	logger.Info("Connected to RabbitMQ", "jobQueue", opts.JobQueue, "resultQueue", opts.ResultQueue)
	return q, nil
}

func newAMQPQueue(open func() (amqpChannel, error), opts AMQPOptions, logger *slog.Logger) (*AMQPQueue, error) {
	ch, err := open()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &AMQPQueue{
		open:        open,
		jobQueue:    opts.JobQueue,
		resultQueue: opts.ResultQueue,
		logger:      logger,
		pubCh:       ch,
		declared:    make(map[string]bool),
	}
	for _, name := range []string{opts.JobQueue, opts.ResultQueue} {
		if err := q.declare(name); err != nil {
			ch.Close()
			return nil, err
		}
	}
	return q, nil
}

// Publish enqueues a persistent job message.
func (q *AMQPQueue) Publish(ctx context.Context, job domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.publish(ctx, q.jobQueue, body)
}

// Consume delivers jobs one at a time (prefetch 1) and acks each after handler returns.
func (q *AMQPQueue) Consume(ctx context.Context, handler domain.JobHandler) error {
	ch, err := q.open()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(q.jobQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	q.logger.Info("Consuming jobs", "queue", q.jobQueue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			q.dispatch(ctx, d, handler)
		}
	}
}

func (q *AMQPQueue) dispatch(ctx context.Context, d amqp.Delivery, handler domain.JobHandler) {
	defer func() {
		if err := d.Ack(false); err != nil {
			q.logger.Error("Failed to acknowledge job", "deliveryTag", d.DeliveryTag, "error", err)
		}
	}()

	job, err := decodeJob(d.Body)
	if err != nil {
		q.logger.Error("Dropping malformed job", "deliveryTag", d.DeliveryTag, "error", err)
		return
	}
	job.RawID = strconv.FormatUint(d.DeliveryTag, 10)

	runHandler(context.WithoutCancel(ctx), job, handler, q.logger)
}

// ResponseChannel returns the shared results queue; AMQP results are not routed per job.
func (q *AMQPQueue) ResponseChannel(string) string {
	return q.resultQueue
}

// PublishResult sends msg to the named queue, declaring it durable on first use.
func (q *AMQPQueue) PublishResult(ctx context.Context, channel string, msg domain.ResultMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return q.publish(ctx, channel, body)
}

// SubscribeResults consumes the results queue until ctx is canceled.
func (q *AMQPQueue) SubscribeResults(ctx context.Context) (<-chan domain.ResultMessage, error) {
	ch, err := q.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open result channel: %w", err)
	}

	deliveries, err := ch.Consume(q.resultQueue, "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	outCh := make(chan domain.ResultMessage)

	go func() {
		defer close(outCh)
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				var result domain.ResultMessage
				if err := json.Unmarshal(d.Body, &result); err != nil {
					q.logger.Error("Failed to unmarshal result", "error", err)
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

// Close closes the publishing channel and the connection.
func (q *AMQPQueue) Close() error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	q.pubCh.Close()
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

func (q *AMQPQueue) publish(ctx context.Context, queue string, body []byte) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	// The default exchange silently discards messages for queues that do not exist.
	if err := q.declare(queue); err != nil {
		return err
	}
	if err := q.pubCh.PublishWithContext(ctx, "", queue, false, false, persistentMessage(body)); err != nil {
		return fmt.Errorf("amqp publish to %s failed: %w", queue, err)
	}
	return nil
}

// declare declares a durable queue once per name. Callers other than the constructor hold pubMu.
func (q *AMQPQueue) declare(name string) error {
	if q.declared[name] {
		return nil
	}
	if _, err := q.pubCh.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	q.declared[name] = true
	return nil
}

// persistentMessage wraps a JSON body so it survives a broker restart.
func persistentMessage(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
}
