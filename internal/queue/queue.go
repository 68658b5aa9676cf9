// Package queue carries one message per generation page between the API
// that fans a job out and the consumers that generate the pages.
package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

const (
	// BatchSize is the number of messages sent per publish call
	BatchSize = 10
	// MaxReceives is how many times a message is delivered before it is dead-lettered
	MaxReceives = 3
)

// Message identifies one page to generate
type Message struct {
	JobID      string `json:"job_id"`
	PageID     string `json:"page_id"`
	BusinessID string `json:"business_id"`
}

// Publisher sends one batch of messages
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
}

// Handler processes one delivery. attempt starts at 1. Returning an error
// asks for redelivery until MaxReceives is reached.
type Handler func(ctx context.Context, msg Message, attempt int) error

// Consumer delivers messages to a handler until ctx is cancelled
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Queue is a broker that both publishes and consumes
type Queue interface {
	Publisher
	Consumer
	Close() error
}

// SendPages publishes msgs in batches of BatchSize. It stops at the first
// failing batch and reports how many messages were sent before it.
func SendPages(ctx context.Context, p Publisher, msgs []Message) (int, error) {
	sent := 0
	for start := 0; start < len(msgs); start += BatchSize {
		end := min(start+BatchSize, len(msgs))
		if err := p.Publish(ctx, msgs[start:end]); err != nil {
			log.Error().
				Err(err).
				Int("sent", sent).
				Int("total", len(msgs)).
				Msg("Failed to publish page batch")
			return sent, fmt.Errorf("failed to publish batch at %d: %w", start, err)
		}
		sent = end
	}
	return sent, nil
}
