package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/cache"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/llm"
	"github.com/Harvey-AU/seo-pagegen/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// DefaultContextTTL is how long business, questionnaire and template reads are cached
const DefaultContextTTL = 5 * time.Minute

// ErrPageRetry wraps a generation error when the page went back to the queue
var ErrPageRetry = errors.New("page released for retry")

// Processor generates one claimed page and reports the outcome
type Processor struct {
	jm        *JobManager
	generator llm.Generator
	cache     cache.Cache
	ttl       time.Duration
}

// NewProcessor creates a processor. A nil cache disables context caching.
func NewProcessor(jm *JobManager, generator llm.Generator, c cache.Cache) *Processor {
	return &Processor{jm: jm, generator: generator, cache: c, ttl: DefaultContextTTL}
}

// SetContextTTL overrides how long cached context stays valid. Non-positive
// values keep the default.
func (p *Processor) SetContextTTL(ttl time.Duration) {
	if ttl > 0 {
		p.ttl = ttl
	}
}

// Run generates a page in the processing state and completes it. When
// generation fails and final is false the page is released for another
// attempt and the returned error wraps ErrPageRetry; otherwise the page is
// completed as failed. Other errors come from the stores.
func (p *Processor) Run(ctx context.Context, page *db.JobPage, source string, final bool) error {
	job, err := p.jm.store.GetJob(ctx, page.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", page.JobID, err)
	}

	ctx, span := observability.StartPageSpan(ctx, observability.PageSpanInfo{
		JobID:    page.JobID,
		PageID:   page.ID,
		PageType: job.PageType,
		PageSlug: page.PageSlug,
		Attempt:  page.Attempts,
		Source:   source,
	})
	defer span.End()

	start := time.Now()
	result, genErr := p.Generate(ctx, job, page)
	if genErr == nil {
		if _, err := p.jm.Complete(ctx, result); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to complete page %s: %w", page.ID, err)
		}
		observability.RecordPage(ctx, observability.PageMetrics{
			PageType: job.PageType,
			Status:   db.PageStatusCompleted,
			Duration: time.Since(start),
		})
		return nil
	}

	span.RecordError(genErr)

	if !final {
		released, err := p.jm.store.ReleasePage(ctx, page.ID, MaxPageAttempts)
		if err != nil {
			return fmt.Errorf("failed to release page %s: %w", page.ID, err)
		}
		if released {
			log.Warn().
				Err(genErr).
				Str("job_id", page.JobID).
				Str("page_id", page.ID).
				Int("attempt", page.Attempts).
				Msg("Page generation failed, released for retry")
			return fmt.Errorf("%w: %v", ErrPageRetry, genErr)
		}
	}

	log.Error().
		Err(genErr).
		Str("job_id", page.JobID).
		Str("page_id", page.ID).
		Int("attempt", page.Attempts).
		Msg("Page generation failed permanently")
	sentry.CaptureException(genErr)

	if _, err := p.jm.Fail(ctx, page, genErr.Error()); err != nil {
		return fmt.Errorf("failed to record failed page %s: %w", page.ID, err)
	}
	observability.RecordPage(ctx, observability.PageMetrics{
		PageType: job.PageType,
		Status:   db.PageStatusFailed,
		Duration: time.Since(start),
	})
	return nil
}

// Generate renders the prompt for a page and calls the generator
func (p *Processor) Generate(ctx context.Context, job *db.GenerationJob, page *db.JobPage) (db.PageResult, error) {
	prompt, err := p.BuildPrompt(ctx, job, page)
	if err != nil {
		return db.PageResult{}, err
	}

	out, err := p.generator.Generate(ctx, prompt)
	if err != nil {
		return db.PageResult{}, fmt.Errorf("generation failed: %w", err)
	}

	return db.PageResult{
		JobID:     page.JobID,
		PageID:    page.ID,
		Status:    db.PageStatusCompleted,
		Title:     out.Title,
		Content:   out.Content,
		WordCount: out.WordCount,
	}, nil
}

// BuildPrompt loads the generation context of a page and renders its
// active template. Remote workers receive this prompt with their claim.
func (p *Processor) BuildPrompt(ctx context.Context, job *db.GenerationJob, page *db.JobPage) (llm.Prompt, error) {
	gc, err := p.LoadContext(ctx, job.PageType, page)
	if err != nil {
		return llm.Prompt{}, err
	}

	vars := BuildVariables(gc, page)
	if missing := MissingVariables(gc.Template.Template, gc.Template.RequiredVariables, vars); len(missing) > 0 {
		log.Warn().
			Str("page_id", page.ID).
			Str("template_id", gc.Template.ID).
			Strs("missing", missing).
			Msg("Template variables missing values")
	}

	return llm.Prompt{
		Text:      RenderTemplate(gc.Template.Template, vars),
		PageType:  job.PageType,
		Keyword:   page.Keyword,
		Service:   page.ServiceName,
		City:      page.City,
		State:     page.State,
		Language:  page.Language,
		WordCount: gc.Template.WordCount,
	}, nil
}

// LoadContext gathers the business, questionnaire, active template and
// location for a page. The first three are shared by every page of a job
// and go through the cache.
func (p *Processor) LoadContext(ctx context.Context, pageType string, page *db.JobPage) (*GenerationContext, error) {
	gc := &GenerationContext{}
	var err error

	gc.Business, err = cached(ctx, p, cache.BusinessKey(page.BusinessID), func() (*db.Business, error) {
		return p.jm.meta.GetBusiness(ctx, page.BusinessID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load business: %w", err)
	}

	gc.Questionnaire, err = cached(ctx, p, cache.QuestionnaireKey(page.BusinessID), func() (*db.Questionnaire, error) {
		return p.jm.meta.GetQuestionnaire(ctx, page.BusinessID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load questionnaire: %w", err)
	}

	gc.Template, err = cached(ctx, p, cache.TemplateKey(pageType), func() (*db.PromptTemplate, error) {
		return p.jm.meta.GetActivePromptTemplate(ctx, pageType)
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("no active prompt template for %s", pageType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt template: %w", err)
	}

	if page.LocationID != nil {
		gc.Location, err = p.jm.meta.GetLocation(ctx, page.BusinessID, *page.LocationID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("failed to load location: %w", err)
		}
	}

	return gc, nil
}

// cached reads key from the processor cache, falling back to load and
// filling the cache. Cache errors are logged and never fail the read.
func cached[T any](ctx context.Context, p *Processor, key string, load func() (*T, error)) (*T, error) {
	if p.cache != nil {
		var v T
		hit, err := p.cache.Get(ctx, key, &v)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		}
		if hit {
			return &v, nil
		}
	}

	v, err := load()
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, v, p.ttl); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		}
	}
	return v, nil
}
