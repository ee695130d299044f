package executor

import (
	"context"
	"sync"
)

// InputQueue carries stdin lines from a client to an interactive session.
// Close enqueues the end-of-input sentinel: lines pushed before it are still
// delivered, lines pushed after it are dropped. It supports one consumer.
type InputQueue struct {
	mu     sync.Mutex
	lines  []string
	closed bool
	notify chan struct{}
}

// NewInputQueue returns an empty, open queue.
func NewInputQueue() *InputQueue {
	return &InputQueue{notify: make(chan struct{}, 1)}
}

// Push enqueues a line. It reports false once the queue is closed.
func (q *InputQueue) Push(line string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.lines = append(q.lines, line)
	q.mu.Unlock()

	q.signal()
	return true
}

// Close enqueues the sentinel. It is safe to call more than once.
func (q *InputQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// Next blocks for the next line. ok is false once the sentinel is reached.
func (q *InputQueue) Next(ctx context.Context) (line string, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.lines) > 0 {
			line = q.lines[0]
			q.lines = q.lines[1:]
			q.mu.Unlock()
			return line, true, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return "", false, nil
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func (q *InputQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
