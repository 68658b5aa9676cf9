package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

var _ jobs.JobStore = (*MongoStore)(nil)

func pageDoc(id, jobID, status string, attempts int) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "job_id", Value: jobID},
		{Key: "business_id", Value: "biz-1"},
		{Key: "seq", Value: 0},
		{Key: "page_slug", Value: "plumber-austin-tx"},
		{Key: "status", Value: status},
		{Key: "attempts", Value: attempts},
		{Key: "worker_id", Value: "worker-1"},
		{Key: "created_at", Value: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
}

func jobDoc(id, status string, total, completed, failed int) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "business_id", Value: "biz-1"},
		{Key: "page_type", Value: "keyword-service-area"},
		{Key: "status", Value: status},
		{Key: "total_pages", Value: total},
		{Key: "completed_pages", Value: completed},
		{Key: "failed_pages", Value: failed},
		{Key: "created_at", Value: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
}

func updated(n, modified int) bson.D {
	return mtest.CreateSuccessResponse(
		bson.E{Key: "n", Value: n},
		bson.E{Key: "nModified", Value: modified},
	)
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("get job not found", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.generation_jobs", mtest.FirstBatch))

		job, err := store.GetJob(ctx, "missing")
		assert.Nil(t, job)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	mt.Run("get job decodes document", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(1, "test.generation_jobs", mtest.FirstBatch,
			jobDoc("job-1", db.JobStatusProcessing, 4, 1, 1)))

		job, err := store.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", job.ID)
		assert.Equal(t, 4, job.TotalPages)
		assert.Equal(t, 50.0, job.Progress())
		assert.Nil(t, job.WebhookSentAt)
	})

	mt.Run("claim returns nil when nothing queued", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		mt.AddMockResponses(bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: nil}})

		page, err := store.ClaimPage(ctx, "", "worker-1", 3)
		assert.NoError(t, err)
		assert.Nil(t, page)
	})

	mt.Run("claim returns updated page and starts job", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		mt.AddMockResponses(
			bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: pageDoc("page-1", "job-1", db.PageStatusProcessing, 1)}},
			updated(1, 1),
		)

		page, err := store.ClaimPage(ctx, "job-1", "worker-1", 3)
		require.NoError(t, err)
		require.NotNil(t, page)
		assert.Equal(t, "page-1", page.ID)
		assert.Equal(t, db.PageStatusProcessing, page.Status)
		assert.Equal(t, 1, page.Attempts)
	})

	mt.Run("release reports whether the page moved", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		mt.AddMockResponses(updated(1, 1), updated(0, 0))

		ok, err := store.ReleasePage(ctx, "page-1", 3)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.ReleasePage(ctx, "page-1", 3)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	mt.Run("webhook marker wins once", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		mt.AddMockResponses(updated(1, 1), updated(0, 0))

		won, err := store.MarkWebhookSent(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, won)

		won, err = store.MarkWebhookSent(ctx, "job-1")
		require.NoError(t, err)
		assert.False(t, won)
	})

	mt.Run("complete finalizes last page", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		mt.AddMockResponses(
			updated(1, 1), // page
			updated(1, 1), // counter
			updated(1, 1), // finalize
			mtest.CreateCursorResponse(1, "test.job_pages", mtest.FirstBatch, pageDoc("page-1", "job-1", db.PageStatusCompleted, 1)),
			mtest.CreateCursorResponse(1, "test.generation_jobs", mtest.FirstBatch, jobDoc("job-1", db.JobStatusCompleted, 1, 1, 0)),
		)

		completion, err := store.CompletePage(ctx, db.PageResult{
			JobID: "job-1", PageID: "page-1", Status: db.PageStatusCompleted, Title: "T", Content: "C",
		})
		require.NoError(t, err)
		assert.True(t, completion.Finalized)
		assert.Equal(t, db.JobStatusCompleted, completion.Job.Status)
		assert.Equal(t, db.PageStatusCompleted, completion.Page.Status)
	})

	mt.Run("complete rejects page that is not processing", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		mt.AddMockResponses(
			updated(0, 0),
			mtest.CreateCursorResponse(1, "test.job_pages", mtest.FirstBatch, pageDoc("page-1", "job-1", db.PageStatusCompleted, 1)),
		)

		_, err := store.CompletePage(ctx, db.PageResult{JobID: "job-1", PageID: "page-1", Status: db.PageStatusCompleted})
		assert.ErrorIs(t, err, db.ErrPageNotProcessing)
	})

	mt.Run("complete stops when counters are full", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		mt.AddMockResponses(updated(1, 1), updated(0, 0))

		_, err := store.CompletePage(ctx, db.PageResult{JobID: "job-1", PageID: "page-1", Status: db.PageStatusFailed, Error: "x"})
		assert.ErrorIs(t, err, db.ErrJobFull)
	})

	mt.Run("complete validates status", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		_, err := store.CompletePage(ctx, db.PageResult{JobID: "job-1", PageID: "page-1", Status: "queued"})
		assert.Error(t, err)
	})

	mt.Run("create job checks page count", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		err := store.CreateJob(ctx, &db.GenerationJob{ID: "job-1", TotalPages: 2}, []*db.JobPage{{ID: "p"}})
		assert.Error(t, err)
	})

	mt.Run("create job inserts pages in chunks", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		pages := make([]*db.JobPage, 60)
		for i := range pages {
			pages[i] = &db.JobPage{ID: "page-" + string(rune('a'+i%26)) + string(rune('a'+i/26)), JobID: "job-1", Seq: i}
		}
		// one job insert plus ceil(60/25) page inserts
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateSuccessResponse(),
			mtest.CreateSuccessResponse(),
			mtest.CreateSuccessResponse(),
		)

		err := store.CreateJob(ctx, &db.GenerationJob{ID: "job-1", TotalPages: 60}, pages)
		require.NoError(t, err)
	})

	mt.Run("find queued pages decodes oldest first", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB)
		first := pageDoc("page-1", "job-1", db.PageStatusQueued, 0)
		second := pageDoc("page-2", "job-1", db.PageStatusQueued, 1)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.job_pages", mtest.FirstBatch, first, second))

		pages, err := store.FindQueuedPages(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, pages, 2)
		assert.Equal(t, "page-1", pages[0].ID)
		assert.Equal(t, "page-2", pages[1].ID)
		assert.Equal(t, db.PageStatusQueued, pages[1].Status)
	})
}
