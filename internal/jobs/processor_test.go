package jobs

import (
	"context"
	"testing"

	"github.com/Harvey-AU/seo-pagegen/internal/cache"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimOne(t *testing.T, jm *JobManager, jobID string) *db.JobPage {
	t.Helper()
	page, err := jm.ClaimPage(context.Background(), jobID, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, page)
	return page
}

func TestProcessorRunCompletesPage(t *testing.T) {
	env := newTestEnv(t)
	env.seedKeywordAreas(t, []string{"Emergency Plumber"}, []string{"Round Rock"})
	jm := env.manager()
	gen := &scriptedGenerator{}
	proc := NewProcessor(jm, gen, env.cache)
	ctx := context.Background()

	job, err := jm.CreateJob(ctx, env.business.ID, "keyword-service-area", "user-1")
	require.NoError(t, err)
	page := claimOne(t, jm, job.ID)

	require.NoError(t, proc.Run(ctx, page, "pool", false))

	stored, err := jm.GetPage(ctx, job.ID, page.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PageStatusCompleted, stored.Status)
	assert.NotEmpty(t, stored.Title)
	assert.Contains(t, stored.Content, "Round Rock")
	assert.Positive(t, stored.WordCount)

	require.Len(t, gen.prompts, 1)
	assert.Equal(t, "Write a 500 word page about Emergency Plumber in Round Rock, TX for Acme Plumbing.", gen.prompts[0].Text)
	assert.Equal(t, 500, gen.prompts[0].WordCount)

	// business, questionnaire and template are cached
	assert.Equal(t, 3, env.cache.Len())

	got, err := jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, got.Status)
}

func TestProcessorRunReleasesThenFails(t *testing.T) {
	env := newTestEnv(t)
	env.seedKeywordAreas(t, []string{"Plumber"}, []string{"Austin"})
	jm := env.manager()
	proc := NewProcessor(jm, &scriptedGenerator{failOn: "Plumber"}, nil)
	ctx := context.Background()

	job, err := jm.CreateJob(ctx, env.business.ID, "keyword-service-area", "user-1")
	require.NoError(t, err)

	for attempt := 1; attempt < MaxPageAttempts; attempt++ {
		page := claimOne(t, jm, job.ID)
		err := proc.Run(ctx, page, "pool", false)
		assert.ErrorIs(t, err, ErrPageRetry)

		stored, err := jm.GetPage(ctx, job.ID, page.ID)
		require.NoError(t, err)
		assert.Equal(t, db.PageStatusQueued, stored.Status)
	}

	page := claimOne(t, jm, job.ID)
	require.NoError(t, proc.Run(ctx, page, "pool", false))

	stored, err := jm.GetPage(ctx, job.ID, page.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PageStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, errGeneration.Error())

	got, err := jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, got.Status)
	require.Len(t, env.notified(t, jm), 1)
}

func TestProcessorFinalAttemptFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.seedKeywordAreas(t, []string{"Plumber"}, []string{"Austin"})
	jm := env.manager()
	proc := NewProcessor(jm, &scriptedGenerator{failFirst: 1}, nil)
	ctx := context.Background()

	job, err := jm.CreateJob(ctx, env.business.ID, "keyword-service-area", "user-1")
	require.NoError(t, err)
	page := claimOne(t, jm, job.ID)

	require.NoError(t, proc.Run(ctx, page, "consumer", true))

	stored, err := jm.GetPage(ctx, job.ID, page.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PageStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestProcessorWithoutActiveTemplate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.db.CreateKeyword(ctx, &db.Keyword{BusinessID: env.business.ID, Keyword: "Plumber"}))
	require.NoError(t, env.db.CreateServiceArea(ctx, &db.ServiceArea{BusinessID: env.business.ID, City: "Austin", State: "TX"}))

	jm := env.manager()
	gen := &scriptedGenerator{}
	proc := NewProcessor(jm, gen, nil)

	job, err := jm.CreateJob(ctx, env.business.ID, "keyword-service-area", "user-1")
	require.NoError(t, err)
	page := claimOne(t, jm, job.ID)

	require.NoError(t, proc.Run(ctx, page, "pool", true))

	stored, err := jm.GetPage(ctx, job.ID, page.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PageStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "no active prompt template")
	assert.Zero(t, gen.Calls())
}

func TestLoadContextUsesCache(t *testing.T) {
	env := newTestEnv(t)
	env.seedKeywordAreas(t, []string{"Plumber"}, []string{"Austin"})
	jm := env.manager()
	c := cache.NewInMemoryCache()
	proc := NewProcessor(jm, llm.StubGenerator{}, c)
	ctx := context.Background()

	page := &db.JobPage{BusinessID: env.business.ID}
	gc, err := proc.LoadContext(ctx, string(PageTypeKeywordServiceArea), page)
	require.NoError(t, err)
	assert.Equal(t, "Acme Plumbing", gc.Business.Name)

	// Renaming in the store is invisible until the cache entry is dropped
	env.business.Name = "Acme Renamed"
	require.NoError(t, env.db.UpdateBusiness(ctx, env.business))

	gc, err = proc.LoadContext(ctx, string(PageTypeKeywordServiceArea), page)
	require.NoError(t, err)
	assert.Equal(t, "Acme Plumbing", gc.Business.Name)

	require.NoError(t, c.Delete(ctx, cache.BusinessKey(env.business.ID)))
	gc, err = proc.LoadContext(ctx, string(PageTypeKeywordServiceArea), page)
	require.NoError(t, err)
	assert.Equal(t, "Acme Renamed", gc.Business.Name)
}
