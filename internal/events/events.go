// Package events publishes job lifecycle events for downstream consumers
// such as analytics or CMS sync.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Event types
const (
	JobCreated    = "job.created"
	JobCompleted  = "job.completed"
	JobFailed     = "job.failed"
	PageCompleted = "page.completed"
	PageFailed    = "page.failed"
)

// Event is one lifecycle record
type Event struct {
	Type           string    `json:"type"`
	JobID          string    `json:"job_id"`
	BusinessID     string    `json:"business_id"`
	PageID         string    `json:"page_id,omitempty"`
	Status         string    `json:"status"`
	TotalPages     int       `json:"total_pages,omitempty"`
	CompletedPages int       `json:"completed_pages"`
	FailedPages    int       `json:"failed_pages"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher emits events. Publishing is best effort: callers log errors and
// carry on.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Noop discards every event
type Noop struct{}

func (Noop) Publish(context.Context, ...Event) error { return nil }
func (Noop) Close() error                            { return nil }

// messageWriter is the subset of kafka.Writer used here
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by job id so a job's events stay ordered
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for the given brokers and topic
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
		topic: topic,
	}
}

// Publish encodes and writes events in one call
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		if e.OccurredAt.IsZero() {
			e.OccurredAt = time.Now().UTC()
		}
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", e.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.JobID),
			Value: body,
			Headers: []kafka.Header{
				{Key: "content-type", Value: []byte("application/json")},
				{Key: "event-type", Value: []byte(e.Type)},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka publish failed topic=%s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Recorder keeps events in memory. Used by tests and local development.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what was published
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the published event types in order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

// Emit publishes and logs failures without returning them
func Emit(ctx context.Context, p Publisher, events ...Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, events...); err != nil {
		log.Warn().Err(err).Int("events", len(events)).Msg("Failed to publish job events")
	}
}
