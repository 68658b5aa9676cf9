package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oneJobOnePage() (*GenerationJob, []*JobPage) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := &GenerationJob{
		ID:         "job-1",
		BusinessID: "b-1",
		PageType:   "keyword-service-area",
		Status:     JobStatusPending,
		TotalPages: 1,
		CreatedAt:  created,
	}
	page := &JobPage{
		ID:         "page-1",
		JobID:      job.ID,
		BusinessID: job.BusinessID,
		Keyword:    "Plumber",
		City:       "Austin",
		State:      "TX",
		PageSlug:   "plumber-austin-tx",
		Language:   "en",
		Status:     PageStatusQueued,
		CreatedAt:  created,
	}
	return job, []*JobPage{page}
}

// expectInserts queues the begin and both inserts of CreateJob
func expectInserts(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO generation_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare(`INSERT INTO job_pages`).
		ExpectExec().
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestCreateJobNotifiesAfterCommit(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   string
	}{
		{
			name: "notify follows commit",
			setupMock: func(mock sqlmock.Sqlmock) {
				expectInserts(mock)
				mock.ExpectCommit()
				mock.ExpectExec(`SELECT pg_notify`).
					WithArgs(PagesQueuedChannel, "job-1").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
		},
		{
			name: "failed notify keeps the committed job",
			setupMock: func(mock sqlmock.Sqlmock) {
				expectInserts(mock)
				mock.ExpectCommit()
				mock.ExpectExec(`SELECT pg_notify`).
					WithArgs(PagesQueuedChannel, "job-1").
					WillReturnError(errors.New("notify queue full"))
			},
		},
		{
			name: "no notify when the commit fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				expectInserts(mock)
				mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))
			},
			wantErr: "failed to commit transaction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer sqlDB.Close()

			tt.setupMock(mock)

			db := NewWithClient(sqlDB, DriverPostgres)
			job, pages := oneJobOnePage()
			err = db.CreateJob(context.Background(), job, pages)

			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCreateJobSQLiteSkipsNotify(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	expectInserts(mock)
	mock.ExpectCommit()

	db := NewWithClient(sqlDB, DriverSQLite)
	job, pages := oneJobOnePage()
	require.NoError(t, db.CreateJob(context.Background(), job, pages))
	assert.NoError(t, mock.ExpectationsWereMet())
}
