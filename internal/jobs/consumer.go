package jobs

import (
	"context"
	"fmt"

	"github.com/Harvey-AU/seo-pagegen/internal/observability"
	"github.com/Harvey-AU/seo-pagegen/internal/queue"
	"github.com/rs/zerolog/log"
)

// Consumer generates pages delivered by a broker
type Consumer struct {
	jm       *JobManager
	proc     *Processor
	workerID string
}

// NewConsumer creates a consumer identified by workerID in page claims
func NewConsumer(jm *JobManager, proc *Processor, workerID string) *Consumer {
	return &Consumer{jm: jm, proc: proc, workerID: workerID}
}

// Handle implements queue.Handler. Messages for pages that are no longer
// queued are acknowledged without work. Returning an error asks the broker
// to redeliver.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message, attempt int) error {
	page, err := c.jm.store.StartPage(ctx, msg.PageID, c.workerID, MaxPageAttempts)
	if err != nil {
		return fmt.Errorf("failed to start page %s: %w", msg.PageID, err)
	}
	observability.RecordClaim(ctx, "consumer", page != nil)
	if page == nil {
		log.Debug().
			Str("job_id", msg.JobID).
			Str("page_id", msg.PageID).
			Int("attempt", attempt).
			Msg("Page not queued, skipping delivery")
		return nil
	}

	final := attempt >= queue.MaxReceives || page.Attempts >= MaxPageAttempts
	return c.proc.Run(ctx, page, "consumer", final)
}

// Run consumes from q until ctx is cancelled
func (c *Consumer) Run(ctx context.Context, q queue.Consumer) error {
	log.Info().Str("worker_id", c.workerID).Msg("Starting queue consumer")
	return q.Consume(ctx, c.Handle)
}
