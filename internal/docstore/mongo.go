// Package docstore keeps generation jobs and pages in MongoDB. It implements
// the same claim and completion protocol as the SQL store with single
// document conditional updates.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	jobsCollection  = "generation_jobs"
	pagesCollection = "job_pages"

	// InsertChunkSize is the number of pages written per InsertMany
	InsertChunkSize = 25
)

// MongoStore is a jobs.JobStore backed by MongoDB
type MongoStore struct {
	client *mongo.Client
	jobs   *mongo.Collection
	pages  *mongo.Collection
	now    func() time.Time
}

// Connect opens a client, pings it and ensures indexes exist
func Connect(ctx context.Context, uri, database string, timeout time.Duration) (*MongoStore, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	store := NewWithDatabase(client.Database(database))
	store.client = client
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info().Str("database", database).Msg("MongoDB job store connected")
	return store, nil
}

// NewWithDatabase wraps an existing database handle
func NewWithDatabase(database *mongo.Database) *MongoStore {
	return &MongoStore{
		jobs:  database.Collection(jobsCollection),
		pages: database.Collection(pagesCollection),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Close disconnects the client when the store owns it
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the claim, listing and stale scan indexes
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.pages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "status", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "claimed_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create page indexes: %w", err)
	}

	_, err = s.jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "business_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create job indexes: %w", err)
	}
	return nil
}

// CreateJob inserts the job and then its pages in chunks. MongoDB offers no
// multi-document transaction without a replica set, so a failed chunk
// removes everything written for the job.
func (s *MongoStore) CreateJob(ctx context.Context, job *db.GenerationJob, pages []*db.JobPage) error {
	span := sentry.StartSpan(ctx, "docstore.create_job")
	defer span.Finish()
	span.SetTag("job_id", job.ID)

	if job.TotalPages != len(pages) {
		return fmt.Errorf("job total_pages %d does not match %d pages", job.TotalPages, len(pages))
	}

	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	for start := 0; start < len(pages); start += InsertChunkSize {
		end := min(start+InsertChunkSize, len(pages))
		docs := make([]any, 0, end-start)
		for _, p := range pages[start:end] {
			docs = append(docs, p)
		}
		if _, err := s.pages.InsertMany(ctx, docs); err != nil {
			s.removeJob(job.ID)
			return fmt.Errorf("failed to insert pages %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func (s *MongoStore) removeJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.pages.DeleteMany(ctx, bson.M{"job_id": jobID}); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to remove pages of partially written job")
	}
	if _, err := s.jobs.DeleteOne(ctx, bson.M{"_id": jobID}); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to remove partially written job")
	}
}

// GetJob fetches a job by ID
func (s *MongoStore) GetJob(ctx context.Context, jobID string) (*db.GenerationJob, error) {
	var job db.GenerationJob
	err := s.jobs.FindOne(ctx, bson.M{"_id": jobID}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns a page of a business's jobs, newest first, plus the total
func (s *MongoStore) ListJobs(ctx context.Context, businessID string, limit, offset int) ([]*db.GenerationJob, int, error) {
	filter := bson.M{"business_id": businessID}
	total, err := s.jobs.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*db.GenerationJob, 0)
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return jobs, int(total), nil
}

// GetPage fetches a page of a job
func (s *MongoStore) GetPage(ctx context.Context, jobID, pageID string) (*db.JobPage, error) {
	var page db.JobPage
	err := s.pages.FindOne(ctx, bson.M{"_id": pageID, "job_id": jobID}).Decode(&page)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	return &page, nil
}

// ListPages returns a page of a job's pages in fan-out order
func (s *MongoStore) ListPages(ctx context.Context, jobID, status string, limit, offset int) ([]*db.JobPage, int, error) {
	filter := bson.M{"job_id": jobID}
	if status != "" {
		filter["status"] = status
	}

	total, err := s.pages.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count pages: %w", err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetSkip(int64(offset)).SetLimit(int64(limit))
	cur, err := s.pages.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pages: %w", err)
	}

	pages := make([]*db.JobPage, 0)
	if err := cur.All(ctx, &pages); err != nil {
		return nil, 0, fmt.Errorf("failed to decode pages: %w", err)
	}
	return pages, int(total), nil
}

func (s *MongoStore) claimUpdate(workerID string) bson.M {
	return bson.M{
		"$set": bson.M{"status": db.PageStatusProcessing, "worker_id": workerID, "claimed_at": s.now()},
		"$inc": bson.M{"attempts": 1},
	}
}

// ClaimPage assigns the oldest queued page with attempts left to workerID.
// FindOneAndUpdate is atomic per document, so a page goes to one worker.
func (s *MongoStore) ClaimPage(ctx context.Context, jobID, workerID string, maxAttempts int) (*db.JobPage, error) {
	filter := bson.M{"status": db.PageStatusQueued, "attempts": bson.M{"$lt": maxAttempts}}
	if jobID != "" {
		filter["job_id"] = jobID
	}

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}).
		SetReturnDocument(options.After)

	var page db.JobPage
	err := s.pages.FindOneAndUpdate(ctx, filter, s.claimUpdate(workerID), opts).Decode(&page)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim page: %w", err)
	}

	if err := s.markJobStarted(ctx, page.JobID); err != nil {
		return nil, err
	}
	return &page, nil
}

// StartPage moves one specific queued page to processing
func (s *MongoStore) StartPage(ctx context.Context, pageID, workerID string, maxAttempts int) (*db.JobPage, error) {
	filter := bson.M{"_id": pageID, "status": db.PageStatusQueued, "attempts": bson.M{"$lt": maxAttempts}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var page db.JobPage
	err := s.pages.FindOneAndUpdate(ctx, filter, s.claimUpdate(workerID), opts).Decode(&page)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start page: %w", err)
	}

	if err := s.markJobStarted(ctx, page.JobID); err != nil {
		return nil, err
	}
	return &page, nil
}

func (s *MongoStore) markJobStarted(ctx context.Context, jobID string) error {
	_, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": jobID, "status": db.JobStatusPending},
		bson.M{"$set": bson.M{"status": db.JobStatusProcessing, "started_at": s.now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark job started: %w", err)
	}
	return nil
}

// ReleasePage returns a processing page to the queue if attempts remain
func (s *MongoStore) ReleasePage(ctx context.Context, pageID string, maxAttempts int) (bool, error) {
	res, err := s.pages.UpdateOne(ctx,
		bson.M{"_id": pageID, "status": db.PageStatusProcessing, "attempts": bson.M{"$lt": maxAttempts}},
		bson.M{
			"$set":   bson.M{"status": db.PageStatusQueued, "worker_id": ""},
			"$unset": bson.M{"claimed_at": ""},
		},
	)
	if err != nil {
		return false, fmt.Errorf("failed to release page: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// pagesDone is completed_pages + failed_pages as an aggregation expression
var pagesDone = bson.M{"$add": bson.A{"$completed_pages", "$failed_pages"}}

// CompletePage writes a page outcome, bumps the job counter only while
// pages remain unaccounted for and finalizes the job when the last page
// lands.
func (s *MongoStore) CompletePage(ctx context.Context, result db.PageResult) (*db.Completion, error) {
	span := sentry.StartSpan(ctx, "docstore.complete_page")
	defer span.Finish()
	span.SetTag("job_id", result.JobID)
	span.SetTag("status", result.Status)

	var counter string
	switch result.Status {
	case db.PageStatusCompleted:
		counter = "completed_pages"
	case db.PageStatusFailed:
		counter = "failed_pages"
	default:
		return nil, fmt.Errorf("invalid page result status %q", result.Status)
	}

	now := s.now()
	res, err := s.pages.UpdateOne(ctx,
		bson.M{"_id": result.PageID, "job_id": result.JobID, "status": db.PageStatusProcessing},
		bson.M{"$set": bson.M{
			"status":        result.Status,
			"title":         result.Title,
			"content":       result.Content,
			"word_count":    result.WordCount,
			"error_message": result.Error,
			"completed_at":  now,
		}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update page: %w", err)
	}
	if res.MatchedCount == 0 {
		page, err := s.GetPage(ctx, result.JobID, result.PageID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("page %s is %s: %w", result.PageID, page.Status, db.ErrPageNotProcessing)
	}

	res, err = s.jobs.UpdateOne(ctx,
		bson.M{"_id": result.JobID, "$expr": bson.M{"$lt": bson.A{pagesDone, "$total_pages"}}},
		bson.M{"$inc": bson.M{counter: 1}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job counters: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, db.ErrJobFull
	}

	res, err = s.jobs.UpdateOne(ctx,
		bson.M{
			"_id":    result.JobID,
			"status": bson.M{"$nin": bson.A{db.JobStatusCompleted, db.JobStatusFailed}},
			"$expr":  bson.M{"$eq": bson.A{pagesDone, "$total_pages"}},
		},
		mongo.Pipeline{{{Key: "$set", Value: bson.M{
			"status": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$failed_pages", "$total_pages"}},
				db.JobStatusFailed,
				db.JobStatusCompleted,
			}},
			"completed_at": now,
		}}}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize job: %w", err)
	}

	completion := &db.Completion{Finalized: res.ModifiedCount == 1}
	if completion.Page, err = s.GetPage(ctx, result.JobID, result.PageID); err != nil {
		return nil, err
	}
	if completion.Job, err = s.GetJob(ctx, result.JobID); err != nil {
		return nil, err
	}

	if completion.Finalized {
		log.Info().
			Str("job_id", completion.Job.ID).
			Str("status", completion.Job.Status).
			Msg("Generation job finalized")
	}
	return completion, nil
}

// MarkWebhookSent sets the webhook marker once on a terminal job
func (s *MongoStore) MarkWebhookSent(ctx context.Context, jobID string) (bool, error) {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{
			"_id":             jobID,
			"webhook_sent_at": bson.M{"$exists": false},
			"status":          bson.M{"$in": bson.A{db.JobStatusCompleted, db.JobStatusFailed}},
		},
		bson.M{"$set": bson.M{"webhook_sent_at": s.now()}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark webhook sent: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// FindStalePages lists processing pages claimed before cutoff
func (s *MongoStore) FindStalePages(ctx context.Context, cutoff time.Time, limit int) ([]*db.JobPage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "claimed_at", Value: 1}}).SetLimit(int64(limit))
	cur, err := s.pages.Find(ctx, bson.M{"status": db.PageStatusProcessing, "claimed_at": bson.M{"$lt": cutoff}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale pages: %w", err)
	}

	pages := make([]*db.JobPage, 0)
	if err := cur.All(ctx, &pages); err != nil {
		return nil, fmt.Errorf("failed to decode stale pages: %w", err)
	}
	return pages, nil
}

// FindQueuedPages lists queued pages created before cutoff, oldest first
func (s *MongoStore) FindQueuedPages(ctx context.Context, cutoff time.Time, limit int) ([]*db.JobPage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.pages.Find(ctx, bson.M{"status": db.PageStatusQueued, "created_at": bson.M{"$lt": cutoff}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find queued pages: %w", err)
	}

	pages := make([]*db.JobPage, 0)
	if err := cur.All(ctx, &pages); err != nil {
		return nil, fmt.Errorf("failed to decode queued pages: %w", err)
	}
	return pages, nil
}
