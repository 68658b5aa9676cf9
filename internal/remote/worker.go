package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/api"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/llm"
	"github.com/Harvey-AU/seo-pagegen/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Worker claims pages from the API, generates them locally and reports back
type Worker struct {
	client    *Client
	generator llm.Generator
	id        string
	jobID     string

	baseSleep        time.Duration
	maxSleep         time.Duration
	generateAttempts int
	retryDelay       time.Duration
}

// NewWorker creates a worker. A non-empty jobID restricts it to one job.
func NewWorker(client *Client, generator llm.Generator, id, jobID string) *Worker {
	return &Worker{
		client:           client,
		generator:        generator,
		id:               id,
		jobID:            jobID,
		baseSleep:        200 * time.Millisecond,
		maxSleep:         30 * time.Second,
		generateAttempts: 3,
		retryDelay:       2 * time.Second,
	}
}

// Run processes pages until ctx is cancelled. When the worker is bound to a
// job it returns once that job has nothing left to claim.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Str("worker_id", w.id).Str("job_id", w.jobID).Msg("Starting remote worker")

	idle := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := w.ProcessNext(ctx)
		switch {
		case err == nil:
			idle = 0
			continue
		case errors.Is(err, ErrNoPages):
			if w.jobID != "" {
				log.Info().Str("worker_id", w.id).Str("job_id", w.jobID).Msg("Job has no queued pages left")
				return nil
			}
			idle++
		case ctx.Err() != nil:
			return nil
		default:
			idle++
			log.Error().Err(err).Str("worker_id", w.id).Msg("Failed to process page")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.backoff(idle)):
		}
	}
}

// backoff grows the idle sleep by 1.5x per empty claim up to maxSleep
func (w *Worker) backoff(idle int) time.Duration {
	sleep := time.Duration(float64(w.baseSleep) * math.Pow(1.5, float64(min(idle, 20))))
	if sleep > w.maxSleep {
		sleep = w.maxSleep
	}
	return sleep
}

// ProcessNext claims one page and completes it
func (w *Worker) ProcessNext(ctx context.Context) error {
	claimed, err := w.client.Claim(ctx, w.jobID, w.id)
	observability.RecordClaim(ctx, "remote", err == nil)
	if err != nil {
		return err
	}
	page := claimed.JobPage

	log.Debug().
		Str("worker_id", w.id).
		Str("job_id", page.JobID).
		Str("page_id", page.ID).
		Int("attempt", page.Attempts).
		Msg("Claimed page")

	start := time.Now()
	req := w.generate(ctx, claimed)

	resp, err := w.client.Complete(ctx, page.JobID, page.ID, req)
	if err != nil {
		return fmt.Errorf("failed to complete page %s: %w", page.ID, err)
	}

	pageType := ""
	if claimed.Prompt != nil {
		pageType = claimed.Prompt.PageType
	}
	observability.RecordPage(ctx, observability.PageMetrics{
		PageType: pageType,
		Status:   req.Status,
		Duration: time.Since(start),
	})

	if resp.Finalized {
		log.Info().
			Str("job_id", resp.Job.ID).
			Str("status", resp.Job.Status).
			Int("completed_pages", resp.Job.CompletedPages).
			Int("failed_pages", resp.Job.FailedPages).
			Msg("Job finalized")
	}
	return nil
}

// generate turns a claim into a completion request, retrying the model a
// few times before reporting the page as failed
func (w *Worker) generate(ctx context.Context, claimed *api.ClaimResponse) api.CompleteRequest {
	if claimed.Prompt == nil {
		reason := claimed.PromptError
		if reason == "" {
			reason = "no prompt returned with claim"
		}
		return api.CompleteRequest{Status: db.PageStatusFailed, Error: reason}
	}

	var lastErr error
	for attempt := 1; attempt <= w.generateAttempts; attempt++ {
		out, err := w.generator.Generate(ctx, *claimed.Prompt)
		if err == nil {
			return api.CompleteRequest{
				Status:    db.PageStatusCompleted,
				Title:     out.Title,
				Content:   out.Content,
				WordCount: out.WordCount,
			}
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("page_id", claimed.ID).
			Int("attempt", attempt).
			Msg("Generation failed")

		if attempt < w.generateAttempts {
			select {
			case <-ctx.Done():
				attempt = w.generateAttempts
			case <-time.After(w.retryDelay * time.Duration(attempt)):
			}
		}
	}

	sentry.CaptureException(lastErr)
	return api.CompleteRequest{Status: db.PageStatusFailed, Error: fmt.Sprintf("generation failed: %v", lastErr)}
}
