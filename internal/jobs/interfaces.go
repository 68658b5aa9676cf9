package jobs

import (
	"context"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
)

// JobStore persists jobs and pages. *db.DB implements it for SQLite and
// PostgreSQL; docstore.MongoStore implements it for MongoDB.
type JobStore interface {
	CreateJob(ctx context.Context, job *db.GenerationJob, pages []*db.JobPage) error
	GetJob(ctx context.Context, jobID string) (*db.GenerationJob, error)
	ListJobs(ctx context.Context, businessID string, limit, offset int) ([]*db.GenerationJob, int, error)
	GetPage(ctx context.Context, jobID, pageID string) (*db.JobPage, error)
	ListPages(ctx context.Context, jobID, status string, limit, offset int) ([]*db.JobPage, int, error)

	ClaimPage(ctx context.Context, jobID, workerID string, maxAttempts int) (*db.JobPage, error)
	StartPage(ctx context.Context, pageID, workerID string, maxAttempts int) (*db.JobPage, error)
	ReleasePage(ctx context.Context, pageID string, maxAttempts int) (bool, error)
	CompletePage(ctx context.Context, result db.PageResult) (*db.Completion, error)
	MarkWebhookSent(ctx context.Context, jobID string) (bool, error)
	FindStalePages(ctx context.Context, cutoff time.Time, limit int) ([]*db.JobPage, error)
	FindQueuedPages(ctx context.Context, cutoff time.Time, limit int) ([]*db.JobPage, error)
}

// MetadataStore reads the tenant data a job is built from
type MetadataStore interface {
	GetBusiness(ctx context.Context, id string) (*db.Business, error)
	ListKeywords(ctx context.Context, businessID string) ([]*db.Keyword, error)
	ListServiceAreas(ctx context.Context, businessID string) ([]*db.ServiceArea, error)
	ListLocations(ctx context.Context, businessID string) ([]*db.Location, error)
	GetLocation(ctx context.Context, businessID, id string) (*db.Location, error)
	GetQuestionnaire(ctx context.Context, businessID string) (*db.Questionnaire, error)
	GetActivePromptTemplate(ctx context.Context, pageType string) (*db.PromptTemplate, error)
}

var (
	_ JobStore      = (*db.DB)(nil)
	_ MetadataStore = (*db.DB)(nil)
)
