package mocks

import (
	"context"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/stretchr/testify/mock"
)

// MockJobStore is a mock implementation of the job and page store
type MockJobStore struct {
	mock.Mock
}

func (m *MockJobStore) CreateJob(ctx context.Context, job *db.GenerationJob, pages []*db.JobPage) error {
	args := m.Called(ctx, job, pages)
	return args.Error(0)
}

func (m *MockJobStore) GetJob(ctx context.Context, jobID string) (*db.GenerationJob, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.GenerationJob), args.Error(1)
}

func (m *MockJobStore) ListJobs(ctx context.Context, businessID string, limit, offset int) ([]*db.GenerationJob, int, error) {
	args := m.Called(ctx, businessID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*db.GenerationJob), args.Int(1), args.Error(2)
}

func (m *MockJobStore) GetPage(ctx context.Context, jobID, pageID string) (*db.JobPage, error) {
	args := m.Called(ctx, jobID, pageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.JobPage), args.Error(1)
}

func (m *MockJobStore) ListPages(ctx context.Context, jobID, status string, limit, offset int) ([]*db.JobPage, int, error) {
	args := m.Called(ctx, jobID, status, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*db.JobPage), args.Int(1), args.Error(2)
}

// ClaimPage returns a nil page with a nil error when the mock is told to
// have nothing queued
func (m *MockJobStore) ClaimPage(ctx context.Context, jobID, workerID string, maxAttempts int) (*db.JobPage, error) {
	args := m.Called(ctx, jobID, workerID, maxAttempts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.JobPage), args.Error(1)
}

func (m *MockJobStore) StartPage(ctx context.Context, pageID, workerID string, maxAttempts int) (*db.JobPage, error) {
	args := m.Called(ctx, pageID, workerID, maxAttempts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.JobPage), args.Error(1)
}

func (m *MockJobStore) ReleasePage(ctx context.Context, pageID string, maxAttempts int) (bool, error) {
	args := m.Called(ctx, pageID, maxAttempts)
	return args.Bool(0), args.Error(1)
}

func (m *MockJobStore) CompletePage(ctx context.Context, result db.PageResult) (*db.Completion, error) {
	args := m.Called(ctx, result)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Completion), args.Error(1)
}

func (m *MockJobStore) MarkWebhookSent(ctx context.Context, jobID string) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *MockJobStore) FindStalePages(ctx context.Context, cutoff time.Time, limit int) ([]*db.JobPage, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.JobPage), args.Error(1)
}

func (m *MockJobStore) FindQueuedPages(ctx context.Context, cutoff time.Time, limit int) ([]*db.JobPage, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.JobPage), args.Error(1)
}

// MockMetadataStore is a mock implementation of the tenant metadata reads
type MockMetadataStore struct {
	mock.Mock
}

func (m *MockMetadataStore) GetBusiness(ctx context.Context, id string) (*db.Business, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Business), args.Error(1)
}

func (m *MockMetadataStore) ListKeywords(ctx context.Context, businessID string) ([]*db.Keyword, error) {
	args := m.Called(ctx, businessID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.Keyword), args.Error(1)
}

func (m *MockMetadataStore) ListServiceAreas(ctx context.Context, businessID string) ([]*db.ServiceArea, error) {
	args := m.Called(ctx, businessID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.ServiceArea), args.Error(1)
}

func (m *MockMetadataStore) ListLocations(ctx context.Context, businessID string) ([]*db.Location, error) {
	args := m.Called(ctx, businessID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.Location), args.Error(1)
}

func (m *MockMetadataStore) GetLocation(ctx context.Context, businessID, id string) (*db.Location, error) {
	args := m.Called(ctx, businessID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Location), args.Error(1)
}

func (m *MockMetadataStore) GetQuestionnaire(ctx context.Context, businessID string) (*db.Questionnaire, error) {
	args := m.Called(ctx, businessID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Questionnaire), args.Error(1)
}

func (m *MockMetadataStore) GetActivePromptTemplate(ctx context.Context, pageType string) (*db.PromptTemplate, error) {
	args := m.Called(ctx, pageType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.PromptTemplate), args.Error(1)
}
