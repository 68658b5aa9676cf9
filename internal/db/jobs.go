package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

const jobColumns = `id, business_id, page_type, requested_page_type, status, total_pages, completed_pages, failed_pages,
	webhook_sent_at, created_by, created_at, started_at, completed_at`

// PagesQueuedChannel is the PostgreSQL NOTIFY channel raised when pages are inserted
const PagesQueuedChannel = "job_pages_queued"

func scanJob(row rowScanner) (*GenerationJob, error) {
	var j GenerationJob
	var webhookSentAt, startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.BusinessID, &j.PageType, &j.RequestedPageType, &j.Status, &j.TotalPages,
		&j.CompletedPages, &j.FailedPages, &webhookSentAt, &j.CreatedBy, &j.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.WebhookSentAt = timePtr(webhookSentAt)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	return &j, nil
}

// CreateJob inserts a job and all of its pages in a single transaction so a
// job is never visible without its full page set.
func (db *DB) CreateJob(ctx context.Context, job *GenerationJob, pages []*JobPage) error {
	span := sentry.StartSpan(ctx, "db.create_job")
	defer span.Finish()
	span.SetTag("job_id", job.ID)
	span.SetData("total_pages", job.TotalPages)

	if job.TotalPages != len(pages) {
		return fmt.Errorf("job total_pages %d does not match %d pages", job.TotalPages, len(pages))
	}

	err := db.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, db.rebind(`
			INSERT INTO generation_jobs (id, business_id, page_type, requested_page_type, status, total_pages,
				completed_pages, failed_pages, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		`), job.ID, job.BusinessID, job.PageType, job.RequestedPageType, job.Status, job.TotalPages, job.CreatedBy, job.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, db.rebind(`
			INSERT INTO job_pages (id, job_id, business_id, seq, keyword_id, service_area_id, location_id, keyword,
				service_name, city, state, keyword_slug, location_slug, page_slug, language, status, attempts, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`))
		if err != nil {
			return fmt.Errorf("failed to prepare page insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range pages {
			_, err := stmt.ExecContext(ctx, p.ID, p.JobID, p.BusinessID, p.Seq, nullRef(p.KeywordID), nullRef(p.ServiceAreaID),
				nullRef(p.LocationID), p.Keyword, p.ServiceName, p.City, p.State, p.KeywordSlug, p.LocationSlug,
				p.PageSlug, p.Language, p.Status, p.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert page %d: %w", p.Seq, err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	// Outside the transaction: a failed NOTIFY inside it would abort the
	// commit. Listeners fall back to polling when this is lost.
	if db.driver == DriverPostgres {
		if _, err := db.client.ExecContext(ctx, `SELECT pg_notify($1, $2)`, PagesQueuedChannel, job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to notify queued pages")
		}
	}
	return nil
}

func nullRef(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}

// GetJob fetches a job by ID
func (db *DB) GetJob(ctx context.Context, jobID string) (*GenerationJob, error) {
	return db.getJob(ctx, db.client, jobID)
}

func (db *DB) getJob(ctx context.Context, q querier, jobID string) (*GenerationJob, error) {
	j, err := scanJob(q.QueryRowContext(ctx, db.rebind(`SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a page of a business's jobs, newest first, plus the total
func (db *DB) ListJobs(ctx context.Context, businessID string, limit, offset int) ([]*GenerationJob, int, error) {
	var total int
	if err := db.client.QueryRowContext(ctx, db.rebind(`SELECT COUNT(*) FROM generation_jobs WHERE business_id = ?`), businessID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	rows, err := db.client.QueryContext(ctx, db.rebind(`
		SELECT `+jobColumns+` FROM generation_jobs
		WHERE business_id = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`), businessID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*GenerationJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// MarkWebhookSent sets webhook_sent_at on a terminal job only if it is not
// already set. It returns true for exactly one caller per job.
func (db *DB) MarkWebhookSent(ctx context.Context, jobID string) (bool, error) {
	res, err := db.client.ExecContext(ctx, db.rebind(`
		UPDATE generation_jobs
		SET webhook_sent_at = ?
		WHERE id = ? AND webhook_sent_at IS NULL AND status IN (?, ?)
	`), now(), jobID, JobStatusCompleted, JobStatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to mark webhook sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}
