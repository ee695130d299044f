package queue

import (
	"log/slog"

	"github.com/dontdude/goxec-engine/internal/config"
	"github.com/dontdude/goxec-engine/internal/domain"
)

// NewFromConfig connects to the broker selected by cfg.Broker.Kind.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (domain.Broker, error) {
	if cfg.Broker.Kind == config.BrokerAMQP {
		q, err := NewAMQPQueue(AMQPOptions{
			URL:         cfg.AMQP.URL,
			JobQueue:    cfg.AMQP.JobQueue,
			ResultQueue: cfg.AMQP.ResultQueue,
		}, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	}

	q, err := NewRedisQueue(RedisOptions{
		Addr:         cfg.Redis.Addr,
		Stream:       cfg.Redis.Stream,
		Group:        cfg.Redis.Group,
		ResultPrefix: cfg.Redis.ResultPrefix,
		StaleAfter:   cfg.Redis.StaleAfter,
		RecoverEvery: cfg.Redis.RecoverEvery,
	}, logger)
	if err != nil {
		return nil, err
	}
	return q, nil
}
