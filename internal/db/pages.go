package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

const pageColumns = `id, job_id, business_id, seq, keyword_id, service_area_id, location_id, keyword, service_name,
	city, state, keyword_slug, location_slug, page_slug, language, status, attempts, worker_id, claimed_at,
	title, content, word_count, error_message, created_at, completed_at`

func scanPage(row rowScanner) (*JobPage, error) {
	var p JobPage
	var keywordID, serviceAreaID, locationID sql.NullString
	var claimedAt, completedAt sql.NullTime
	err := row.Scan(&p.ID, &p.JobID, &p.BusinessID, &p.Seq, &keywordID, &serviceAreaID, &locationID, &p.Keyword,
		&p.ServiceName, &p.City, &p.State, &p.KeywordSlug, &p.LocationSlug, &p.PageSlug, &p.Language, &p.Status,
		&p.Attempts, &p.WorkerID, &claimedAt, &p.Title, &p.Content, &p.WordCount, &p.ErrorMessage, &p.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if keywordID.Valid {
		p.KeywordID = &keywordID.String
	}
	if serviceAreaID.Valid {
		p.ServiceAreaID = &serviceAreaID.String
	}
	if locationID.Valid {
		p.LocationID = &locationID.String
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ClaimedAt = timePtr(claimedAt)
	p.CompletedAt = timePtr(completedAt)
	return &p, nil
}

// ClaimPage atomically assigns the oldest queued page with attempts left to
// workerID. The sub-select and the update are one statement, so two workers
// can never receive the same page. An empty jobID claims from any job.
// Returns nil, nil when nothing is claimable.
func (db *DB) ClaimPage(ctx context.Context, jobID, workerID string, maxAttempts int) (*JobPage, error) {
	filter := ""
	args := []any{workerID, now(), maxAttempts}
	if jobID != "" {
		filter = " AND job_id = ?"
		args = append(args, jobID)
	}
	lock := ""
	if db.driver == DriverPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	query := `
		UPDATE job_pages
		SET status = 'processing', worker_id = ?, attempts = attempts + 1, claimed_at = ?
		WHERE id = (
			SELECT id FROM job_pages
			WHERE status = 'queued' AND attempts < ?` + filter + `
			ORDER BY created_at, seq
			LIMIT 1` + lock + `
		) AND status = 'queued'
		RETURNING ` + pageColumns

	var page *JobPage
	err := db.Execute(ctx, func(tx *sql.Tx) error {
		var err error
		page, err = scanPage(tx.QueryRowContext(ctx, db.rebind(query), args...))
		if err != nil {
			return err
		}
		return db.markJobStarted(ctx, tx, page.JobID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim page: %w", err)
	}
	return page, nil
}

// StartPage moves one specific queued page to processing, as the queue
// consumer does for each delivered message. Returns nil, nil when the page
// is not queued or has no attempts left.
func (db *DB) StartPage(ctx context.Context, pageID, workerID string, maxAttempts int) (*JobPage, error) {
	var page *JobPage
	err := db.Execute(ctx, func(tx *sql.Tx) error {
		var err error
		page, err = scanPage(tx.QueryRowContext(ctx, db.rebind(`
			UPDATE job_pages
			SET status = 'processing', worker_id = ?, attempts = attempts + 1, claimed_at = ?
			WHERE id = ? AND status = 'queued' AND attempts < ?
			RETURNING `+pageColumns), workerID, now(), pageID, maxAttempts))
		if err != nil {
			return err
		}
		return db.markJobStarted(ctx, tx, page.JobID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start page: %w", err)
	}
	return page, nil
}

func (db *DB) markJobStarted(ctx context.Context, tx *sql.Tx, jobID string) error {
	_, err := tx.ExecContext(ctx, db.rebind(`
		UPDATE generation_jobs SET status = 'processing', started_at = ? WHERE id = ? AND status = 'pending'
	`), now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job started: %w", err)
	}
	return nil
}

// ReleasePage returns a processing page to the queue if it still has attempts
// left. Returns false when the page was not released.
func (db *DB) ReleasePage(ctx context.Context, pageID string, maxAttempts int) (bool, error) {
	res, err := db.client.ExecContext(ctx, db.rebind(`
		UPDATE job_pages
		SET status = 'queued', worker_id = '', claimed_at = NULL
		WHERE id = ? AND status = 'processing' AND attempts < ?
	`), pageID, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to release page: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// CompletePage records the outcome of a processing page, bumps the job's
// counters and, once every page is accounted for, moves the job to failed
// (every page failed) or completed.
func (db *DB) CompletePage(ctx context.Context, result PageResult) (*Completion, error) {
	span := sentry.StartSpan(ctx, "db.complete_page")
	defer span.Finish()
	span.SetTag("job_id", result.JobID)
	span.SetTag("status", result.Status)

	var completedInc, failedInc int
	switch result.Status {
	case PageStatusCompleted:
		completedInc = 1
	case PageStatusFailed:
		failedInc = 1
	default:
		return nil, fmt.Errorf("invalid page result status %q", result.Status)
	}

	completion := &Completion{}
	err := db.Execute(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, db.rebind(`
			UPDATE job_pages
			SET status = ?, title = ?, content = ?, word_count = ?, error_message = ?, completed_at = ?
			WHERE id = ? AND job_id = ? AND status = 'processing'
		`), result.Status, result.Title, result.Content, result.WordCount, result.Error, now(), result.PageID, result.JobID)
		if err != nil {
			return fmt.Errorf("failed to update page: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, db.rebind(`SELECT status FROM job_pages WHERE id = ? AND job_id = ?`), result.PageID, result.JobID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to read page status: %w", err)
			}
			return fmt.Errorf("page %s is %s: %w", result.PageID, status, ErrPageNotProcessing)
		}

		res, err = tx.ExecContext(ctx, db.rebind(`
			UPDATE generation_jobs
			SET completed_pages = completed_pages + ?,
				failed_pages = failed_pages + ?,
				status = CASE WHEN status = 'pending' THEN 'processing' ELSE status END
			WHERE id = ? AND completed_pages + failed_pages < total_pages
		`), completedInc, failedInc, result.JobID)
		if err != nil {
			return fmt.Errorf("failed to update job counters: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrJobFull
		}

		res, err = tx.ExecContext(ctx, db.rebind(`
			UPDATE generation_jobs
			SET status = CASE WHEN failed_pages = total_pages THEN 'failed' ELSE 'completed' END,
				completed_at = ?
			WHERE id = ? AND completed_pages + failed_pages = total_pages AND status NOT IN ('completed', 'failed')
		`), now(), result.JobID)
		if err != nil {
			return fmt.Errorf("failed to finalize job: %w", err)
		}
		n, _ := res.RowsAffected()
		completion.Finalized = n == 1

		if completion.Page, err = db.getPage(ctx, tx, result.JobID, result.PageID); err != nil {
			return err
		}
		completion.Job, err = db.getJob(ctx, tx, result.JobID)
		return err
	})
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, err
	}

	if completion.Finalized {
		log.Info().
			Str("job_id", completion.Job.ID).
			Str("status", completion.Job.Status).
			Int("completed_pages", completion.Job.CompletedPages).
			Int("failed_pages", completion.Job.FailedPages).
			Msg("Generation job finalized")
	}
	return completion, nil
}

// GetPage fetches a page of a job
func (db *DB) GetPage(ctx context.Context, jobID, pageID string) (*JobPage, error) {
	return db.getPage(ctx, db.client, jobID, pageID)
}

func (db *DB) getPage(ctx context.Context, q querier, jobID, pageID string) (*JobPage, error) {
	p, err := scanPage(q.QueryRowContext(ctx, db.rebind(`SELECT `+pageColumns+` FROM job_pages WHERE id = ? AND job_id = ?`), pageID, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	return p, nil
}

// ListPages returns a page of a job's pages in plan order, optionally
// filtered by status, plus the matching total.
func (db *DB) ListPages(ctx context.Context, jobID, status string, limit, offset int) ([]*JobPage, int, error) {
	where := ` WHERE job_id = ?`
	args := []any{jobID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}

	var total int
	if err := db.client.QueryRowContext(ctx, db.rebind(`SELECT COUNT(*) FROM job_pages`+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pages: %w", err)
	}

	rows, err := db.client.QueryContext(ctx, db.rebind(`SELECT `+pageColumns+` FROM job_pages`+where+` ORDER BY seq LIMIT ? OFFSET ?`),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	pages := make([]*JobPage, 0)
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, total, rows.Err()
}

// FindStalePages returns processing pages claimed before cutoff
func (db *DB) FindStalePages(ctx context.Context, cutoff time.Time, limit int) ([]*JobPage, error) {
	rows, err := db.client.QueryContext(ctx, db.rebind(`
		SELECT `+pageColumns+` FROM job_pages
		WHERE status = 'processing' AND claimed_at < ?
		ORDER BY claimed_at
		LIMIT ?
	`), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale pages: %w", err)
	}
	defer rows.Close()

	pages := make([]*JobPage, 0)
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// FindQueuedPages returns queued pages created before cutoff, oldest first.
// Released pages keep their created_at, so they are included too.
func (db *DB) FindQueuedPages(ctx context.Context, cutoff time.Time, limit int) ([]*JobPage, error) {
	rows, err := db.client.QueryContext(ctx, db.rebind(`
		SELECT `+pageColumns+` FROM job_pages
		WHERE status = 'queued' AND created_at < ?
		ORDER BY created_at, seq
		LIMIT ?
	`), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find queued pages: %w", err)
	}
	defer rows.Close()

	pages := make([]*JobPage, 0)
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}
