package queue

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/goxec-engine/internal/domain"
)

// recoverStale claims messages that sat in the PEL longer than staleAfter
// and processes them through handler, one at a time like fresh deliveries.
func (r *RedisQueue) recoverStale(ctx context.Context, handler domain.JobHandler) {
	// XAUTOCLAIM: scans the PEL from the cursor and claims entries idle for > MinIdle.
	start := "0-0"

	for ctx.Err() == nil {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  r.staleAfter,
			Start:    start,
			Count:    1,
			Consumer: r.consumer,
		}).Result()
		if err != nil {
			r.logger.Error("Recovery routine failed", "error", err)
			return
		}

		for _, msg := range messages {
			r.logger.Warn("Stale job claimed by recovery", "msgID", msg.ID)
			r.dispatch(ctx, msg, handler)
		}

		// "0-0" means the whole PEL has been scanned.
		if next == "0-0" || next == "" {
			return
		}
		start = next
	}
}
