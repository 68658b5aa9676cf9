package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/events"
	"github.com/Harvey-AU/seo-pagegen/internal/observability"
	"github.com/Harvey-AU/seo-pagegen/internal/queue"
	"github.com/Harvey-AU/seo-pagegen/internal/webhooks"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	staleBatchSize     = 100
	republishPageLimit = 100
	staleErrorMessage  = "page processing timed out"
)

// JobManager handles job creation, page completion and finalization
type JobManager struct {
	store JobStore
	meta  MetadataStore

	publisher queue.Publisher // nil when pages are claimed by polling workers
	notifier  webhooks.Notifier
	events    events.Publisher
	wake      func()

	// notifications tracks webhook and Slack deliveries still running
	notifications sync.WaitGroup

	now func() time.Time
}

// Option configures a JobManager
type Option func(*JobManager)

// WithPublisher publishes one queue message per page on job creation
func WithPublisher(p queue.Publisher) Option {
	return func(jm *JobManager) { jm.publisher = p }
}

// WithNotifier sets who is told about finalized jobs
func WithNotifier(n webhooks.Notifier) Option {
	return func(jm *JobManager) { jm.notifier = n }
}

// WithEvents sets the lifecycle event publisher
func WithEvents(p events.Publisher) Option {
	return func(jm *JobManager) { jm.events = p }
}

// WithWakeup is called after a job is created so idle workers poll at once
func WithWakeup(fn func()) Option {
	return func(jm *JobManager) { jm.wake = fn }
}

// NewJobManager creates a new job manager
func NewJobManager(store JobStore, meta MetadataStore, opts ...Option) *JobManager {
	jm := &JobManager{
		store:  store,
		meta:   meta,
		events: events.Noop{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// Store returns the job store the manager writes to
func (jm *JobManager) Store() JobStore {
	return jm.store
}

// QueueMode reports whether pages are delivered through a broker
func (jm *JobManager) QueueMode() bool {
	return jm.publisher != nil
}

// CreateJob fans a business's collections out into one page per combination
// and stores the job with every page in one write. Nothing is written when a
// required collection is empty.
func (jm *JobManager) CreateJob(ctx context.Context, businessID, rawPageType, createdBy string) (*db.GenerationJob, error) {
	span := sentry.StartSpan(ctx, "manager.create_job")
	defer span.Finish()
	span.SetTag("business_id", businessID)

	pageType, err := ResolvePageType(rawPageType)
	if err != nil {
		return nil, err
	}
	span.SetTag("page_type", string(pageType))

	if _, err := jm.meta.GetBusiness(ctx, businessID); err != nil {
		return nil, err
	}

	src, err := jm.loadSources(ctx, businessID, pageType)
	if err != nil {
		return nil, err
	}

	plan, err := BuildPlan(pageType, src)
	if err != nil {
		return nil, err
	}

	createdAt := jm.now()
	job := &db.GenerationJob{
		ID:                uuid.NewString(),
		BusinessID:        businessID,
		PageType:          string(pageType),
		RequestedPageType: rawPageType,
		Status:            db.JobStatusPending,
		TotalPages:        len(plan.Pages),
		CreatedBy:         createdBy,
		CreatedAt:         createdAt,
	}

	pages := make([]*db.JobPage, 0, len(plan.Pages))
	for i, pp := range plan.Pages {
		pages = append(pages, &db.JobPage{
			ID:            uuid.NewString(),
			JobID:         job.ID,
			BusinessID:    businessID,
			Seq:           i,
			KeywordID:     pp.KeywordID,
			ServiceAreaID: pp.ServiceAreaID,
			LocationID:    pp.LocationID,
			Keyword:       pp.Keyword,
			ServiceName:   pp.ServiceName,
			City:          pp.City,
			State:         pp.State,
			KeywordSlug:   pp.KeywordSlug,
			LocationSlug:  pp.LocationSlug,
			PageSlug:      pp.PageSlug,
			Language:      pp.Language,
			Status:        db.PageStatusQueued,
			CreatedAt:     createdAt,
		})
	}

	if err := jm.store.CreateJob(ctx, job, pages); err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	log.Info().
		Str("job_id", job.ID).
		Str("business_id", businessID).
		Str("page_type", job.PageType).
		Int("total_pages", job.TotalPages).
		Msg("Created generation job")

	events.Emit(ctx, jm.events, events.Event{
		Type:       events.JobCreated,
		JobID:      job.ID,
		BusinessID: businessID,
		Status:     job.Status,
		TotalPages: job.TotalPages,
		OccurredAt: createdAt,
	})

	if jm.publisher != nil {
		msgs := pageMessages(pages)
		// The job stays valid when publishing fails. RepublishStaleQueued
		// resends unsent pages once they age past QueuedRepublishAge.
		if sent, err := queue.SendPages(ctx, jm.publisher, msgs); err != nil {
			sentry.CaptureException(err)
			log.Error().
				Err(err).
				Str("job_id", job.ID).
				Int("sent", sent).
				Msg("Failed to publish job pages")
		}
	}

	if jm.wake != nil {
		jm.wake()
	}

	return job, nil
}

func (jm *JobManager) loadSources(ctx context.Context, businessID string, pt PageType) (Sources, error) {
	var src Sources
	var err error

	if pt.UsesKeywords() {
		if src.Keywords, err = jm.meta.ListKeywords(ctx, businessID); err != nil {
			return src, fmt.Errorf("failed to load keywords: %w", err)
		}
	} else {
		q, err := jm.meta.GetQuestionnaire(ctx, businessID)
		if err != nil {
			return src, fmt.Errorf("failed to load questionnaire: %w", err)
		}
		src.Services = ParseServiceOfferings(q.Data)
	}

	if pt.UsesLocations() {
		if src.Locations, err = jm.meta.ListLocations(ctx, businessID); err != nil {
			return src, fmt.Errorf("failed to load locations: %w", err)
		}
	} else {
		if src.ServiceAreas, err = jm.meta.ListServiceAreas(ctx, businessID); err != nil {
			return src, fmt.Errorf("failed to load service areas: %w", err)
		}
	}

	return src, nil
}

// Complete records a page outcome and finalizes the job when it was the
// last page.
func (jm *JobManager) Complete(ctx context.Context, result db.PageResult) (*db.Completion, error) {
	completion, err := jm.store.CompletePage(ctx, result)
	if err != nil {
		return nil, err
	}

	eventType := events.PageCompleted
	if result.Status == db.PageStatusFailed {
		eventType = events.PageFailed
	}
	events.Emit(ctx, jm.events, jobEvent(eventType, completion.Job, result.PageID, jm.now()))

	if completion.Finalized {
		observability.RecordJobFinalized(ctx, completion.Job.PageType, completion.Job.Status, completion.Job.TotalPages)
		jm.finalize(ctx, completion.Job)
	}
	return completion, nil
}

// WaitNotifications blocks until in-flight finalization notifications
// return or ctx ends.
func (jm *JobManager) WaitNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		jm.notifications.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finalize notifies listeners at most once per job. The webhook marker is
// the only gate: whichever caller sets it sends the notifications.
func (jm *JobManager) finalize(ctx context.Context, job *db.GenerationJob) {
	won, err := jm.store.MarkWebhookSent(ctx, job.ID)
	if err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to set webhook marker")
		return
	}
	if !won {
		log.Debug().Str("job_id", job.ID).Msg("Webhook marker already set")
		return
	}

	// Listeners must not block whoever completed the last page
	if jm.notifier != nil {
		notifyCtx := context.WithoutCancel(ctx)
		jm.notifications.Add(1)
		go func() {
			defer jm.notifications.Done()
			jm.notifier.Notify(notifyCtx, job)
		}()
	}

	eventType := events.JobCompleted
	if job.Status == db.JobStatusFailed {
		eventType = events.JobFailed
	}
	events.Emit(ctx, jm.events, jobEvent(eventType, job, "", jm.now()))
}

func jobEvent(eventType string, job *db.GenerationJob, pageID string, at time.Time) events.Event {
	return events.Event{
		Type:           eventType,
		JobID:          job.ID,
		BusinessID:     job.BusinessID,
		PageID:         pageID,
		Status:         job.Status,
		TotalPages:     job.TotalPages,
		CompletedPages: job.CompletedPages,
		FailedPages:    job.FailedPages,
		OccurredAt:     at,
	}
}

// Fail completes a page as failed and finalizes its job if needed
func (jm *JobManager) Fail(ctx context.Context, page *db.JobPage, reason string) (*db.Completion, error) {
	return jm.Complete(ctx, db.PageResult{
		JobID:  page.JobID,
		PageID: page.ID,
		Status: db.PageStatusFailed,
		Error:  reason,
	})
}

// ReleaseStalePages recovers pages stuck in processing since before cutoff.
// Pages with attempts left go back to the queue; the rest fail through the
// normal completion path so their job still finalizes.
func (jm *JobManager) ReleaseStalePages(ctx context.Context, cutoff time.Time, maxAttempts int) (released, failed int, err error) {
	span := sentry.StartSpan(ctx, "manager.release_stale_pages")
	defer span.Finish()

	stale, err := jm.store.FindStalePages(ctx, cutoff, staleBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to find stale pages: %w", err)
	}

	for _, page := range stale {
		if page.Attempts < maxAttempts {
			ok, err := jm.store.ReleasePage(ctx, page.ID, maxAttempts)
			if err != nil {
				log.Error().Err(err).Str("page_id", page.ID).Msg("Failed to release stale page")
				continue
			}
			if ok {
				released++
				jm.republish(ctx, page)
			}
			continue
		}

		if _, err := jm.Fail(ctx, page, staleErrorMessage); err != nil {
			if errors.Is(err, db.ErrPageNotProcessing) {
				continue
			}
			log.Error().Err(err).Str("page_id", page.ID).Msg("Failed to fail stale page")
			continue
		}
		failed++
	}

	if released > 0 || failed > 0 {
		log.Info().
			Int("released", released).
			Int("failed", failed).
			Msg("Recovered stale pages")
	}
	return released, failed, nil
}

func (jm *JobManager) republish(ctx context.Context, page *db.JobPage) {
	if jm.publisher == nil {
		if jm.wake != nil {
			jm.wake()
		}
		return
	}
	msg := queue.Message{JobID: page.JobID, PageID: page.ID, BusinessID: page.BusinessID}
	if err := jm.publisher.Publish(ctx, []queue.Message{msg}); err != nil {
		log.Error().Err(err).Str("page_id", page.ID).Msg("Failed to republish released page")
	}
}

// ErrNoPublisher is returned by queue operations on a manager without a broker
var ErrNoPublisher = errors.New("no queue publisher configured")

// RepublishQueued sends a message for every queued page of a job. Used after
// a failed publish at creation time.
func (jm *JobManager) RepublishQueued(ctx context.Context, jobID string) (int, error) {
	if jm.publisher == nil {
		return 0, ErrNoPublisher
	}
	if _, err := jm.store.GetJob(ctx, jobID); err != nil {
		return 0, err
	}

	var msgs []queue.Message
	for offset := 0; ; offset += republishPageLimit {
		pages, total, err := jm.store.ListPages(ctx, jobID, db.PageStatusQueued, republishPageLimit, offset)
		if err != nil {
			return 0, fmt.Errorf("failed to list queued pages: %w", err)
		}
		msgs = append(msgs, pageMessages(pages)...)
		if len(pages) == 0 || offset+len(pages) >= total {
			break
		}
	}

	sent, err := queue.SendPages(ctx, jm.publisher, msgs)
	if err == nil {
		log.Info().Str("job_id", jobID).Int("sent", sent).Msg("Republished queued pages")
	}
	return sent, err
}

// RepublishStaleQueued resends messages for pages that have been queued since
// before cutoff, across all jobs. It covers publishes that failed at creation
// and messages the broker dropped. Consumers skip pages that are no longer
// queued, so a duplicate message is harmless. Without a publisher it does
// nothing: polling workers claim queued pages directly.
func (jm *JobManager) RepublishStaleQueued(ctx context.Context, cutoff time.Time) (int, error) {
	if jm.publisher == nil {
		return 0, nil
	}
	span := sentry.StartSpan(ctx, "manager.republish_stale_queued")
	defer span.Finish()

	pages, err := jm.store.FindQueuedPages(ctx, cutoff, staleBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find queued pages: %w", err)
	}
	if len(pages) == 0 {
		return 0, nil
	}

	sent, err := queue.SendPages(ctx, jm.publisher, pageMessages(pages))
	if sent > 0 {
		log.Info().Int("sent", sent).Int("found", len(pages)).Msg("Republished stale queued pages")
	}
	return sent, err
}

func pageMessages(pages []*db.JobPage) []queue.Message {
	msgs := make([]queue.Message, 0, len(pages))
	for _, p := range pages {
		msgs = append(msgs, queue.Message{JobID: p.JobID, PageID: p.ID, BusinessID: p.BusinessID})
	}
	return msgs
}

// ClaimPage assigns the next queued page of jobID (any job when empty)
func (jm *JobManager) ClaimPage(ctx context.Context, jobID, workerID string) (*db.JobPage, error) {
	return jm.store.ClaimPage(ctx, jobID, workerID, MaxPageAttempts)
}

// GetJob returns a job
func (jm *JobManager) GetJob(ctx context.Context, jobID string) (*db.GenerationJob, error) {
	return jm.store.GetJob(ctx, jobID)
}

// ListJobs returns a page of a business's jobs
func (jm *JobManager) ListJobs(ctx context.Context, businessID string, limit, offset int) ([]*db.GenerationJob, int, error) {
	return jm.store.ListJobs(ctx, businessID, limit, offset)
}

// GetPage returns a page of a job
func (jm *JobManager) GetPage(ctx context.Context, jobID, pageID string) (*db.JobPage, error) {
	return jm.store.GetPage(ctx, jobID, pageID)
}

// ListPages returns a page of a job's pages, optionally by status
func (jm *JobManager) ListPages(ctx context.Context, jobID, status string, limit, offset int) ([]*db.JobPage, int, error) {
	return jm.store.ListPages(ctx, jobID, status, limit, offset)
}
