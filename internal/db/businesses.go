package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const businessColumns = `id, owner_id, name, industry, phone, email, website, address, city, state, zip, created_at, updated_at`

func scanBusiness(row rowScanner) (*Business, error) {
	var b Business
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Industry, &b.Phone, &b.Email, &b.Website,
		&b.Address, &b.City, &b.State, &b.Zip, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

// CreateBusiness inserts a business, assigning its ID and timestamps
func (db *DB) CreateBusiness(ctx context.Context, b *Business) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.CreatedAt = now()
	b.UpdatedAt = b.CreatedAt

	_, err := db.client.ExecContext(ctx, db.rebind(`
		INSERT INTO businesses (`+businessColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), b.ID, b.OwnerID, b.Name, b.Industry, b.Phone, b.Email, b.Website, b.Address, b.City, b.State, b.Zip, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create business: %w", translateError(err))
	}
	return nil
}

// GetBusiness fetches a business by ID
func (db *DB) GetBusiness(ctx context.Context, id string) (*Business, error) {
	row := db.client.QueryRowContext(ctx, db.rebind(`SELECT `+businessColumns+` FROM businesses WHERE id = ?`), id)
	b, err := scanBusiness(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get business: %w", err)
	}
	return b, nil
}

// ListBusinesses returns a page of businesses and the total count.
// An empty ownerID lists every business.
func (db *DB) ListBusinesses(ctx context.Context, ownerID string, limit, offset int) ([]*Business, int, error) {
	where := ""
	args := []any{}
	if ownerID != "" {
		where = " WHERE owner_id = ?"
		args = append(args, ownerID)
	}

	var total int
	if err := db.client.QueryRowContext(ctx, db.rebind(`SELECT COUNT(*) FROM businesses`+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count businesses: %w", err)
	}

	rows, err := db.client.QueryContext(ctx, db.rebind(`SELECT `+businessColumns+` FROM businesses`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list businesses: %w", err)
	}
	defer rows.Close()

	businesses := make([]*Business, 0)
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan business: %w", err)
		}
		businesses = append(businesses, b)
	}
	return businesses, total, rows.Err()
}

// UpdateBusiness overwrites the mutable fields of a business
func (db *DB) UpdateBusiness(ctx context.Context, b *Business) error {
	b.UpdatedAt = now()
	res, err := db.client.ExecContext(ctx, db.rebind(`
		UPDATE businesses
		SET name = ?, industry = ?, phone = ?, email = ?, website = ?, address = ?, city = ?, state = ?, zip = ?, updated_at = ?
		WHERE id = ?
	`), b.Name, b.Industry, b.Phone, b.Email, b.Website, b.Address, b.City, b.State, b.Zip, b.UpdatedAt, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update business: %w", err)
	}
	return requireAffected(res)
}

// DeleteBusiness removes a business and its metadata. Businesses with
// generation history cannot be deleted.
func (db *DB) DeleteBusiness(ctx context.Context, id string) error {
	return db.Execute(ctx, func(tx *sql.Tx) error {
		var jobs int
		if err := tx.QueryRowContext(ctx, db.rebind(`SELECT COUNT(*) FROM generation_jobs WHERE business_id = ?`), id).Scan(&jobs); err != nil {
			return fmt.Errorf("failed to count business jobs: %w", err)
		}
		if jobs > 0 {
			return fmt.Errorf("business has %d generation jobs: %w", jobs, ErrConflict)
		}

		res, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM businesses WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("failed to delete business: %w", err)
		}
		return requireAffected(res)
	})
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// translateError maps driver-specific unique violations to ErrConflict
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pgErr.Detail, ErrConflict)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", err.Error(), ErrConflict)
	}
	return err
}
