package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when publishing to a closed queue
var ErrClosed = errors.New("queue is closed")

type delivery struct {
	msg     Message
	attempt int
}

// MemoryQueue is an unbounded in-process queue with the same redelivery
// and dead-letter behaviour as the RabbitMQ backend.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []delivery
	dead    []Message
	signal  chan struct{}
	closed  bool
}

// NewMemoryQueue creates an empty queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{signal: make(chan struct{}, 1)}
}

// Publish appends a batch
func (q *MemoryQueue) Publish(_ context.Context, msgs []Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	for _, m := range msgs {
		q.pending = append(q.pending, delivery{msg: m, attempt: 1})
	}
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pop() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return delivery{}, false
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		q.wake()
	}
	return d, true
}

// Consume processes deliveries until ctx is cancelled or the queue is closed
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if d, ok := q.pop(); ok {
			q.handle(ctx, handler, d)
			continue
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.signal:
		}
	}
}

// Drain processes deliveries until the queue is empty, including redeliveries
func (q *MemoryQueue) Drain(ctx context.Context, handler Handler) {
	for {
		d, ok := q.pop()
		if !ok || ctx.Err() != nil {
			return
		}
		q.handle(ctx, handler, d)
	}
}

func (q *MemoryQueue) handle(ctx context.Context, handler Handler, d delivery) {
	err := handler(ctx, d.msg, d.attempt)
	if err == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if d.attempt < MaxReceives && !q.closed {
		log.Warn().
			Err(err).
			Str("page_id", d.msg.PageID).
			Int("attempt", d.attempt).
			Msg("Page message failed, redelivering")
		q.pending = append(q.pending, delivery{msg: d.msg, attempt: d.attempt + 1})
		q.wake()
		return
	}

	log.Error().
		Err(err).
		Str("page_id", d.msg.PageID).
		Int("attempt", d.attempt).
		Msg("Page message dead-lettered")
	q.dead = append(q.dead, d.msg)
}

// Len returns the number of undelivered messages
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DeadLetters returns messages that exhausted their deliveries
func (q *MemoryQueue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close stops consumers once the queue is empty and rejects new publishes
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
	return nil
}
