package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Harvey-AU/seo-pagegen/internal/util"
	"github.com/google/uuid"
)

const keywordColumns = `id, business_id, keyword, slug, language, search_intent, created_at`

func scanKeyword(row rowScanner) (*Keyword, error) {
	var k Keyword
	if err := row.Scan(&k.ID, &k.BusinessID, &k.Keyword, &k.Slug, &k.Language, &k.SearchIntent, &k.CreatedAt); err != nil {
		return nil, err
	}
	k.CreatedAt = k.CreatedAt.UTC()
	return &k, nil
}

func prepareKeyword(k *Keyword) {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.Language == "" {
		k.Language = "en"
	}
	k.Slug = util.Slugify(k.Keyword)
	k.CreatedAt = now()
}

func (db *DB) insertKeyword(ctx context.Context, q querier, k *Keyword) error {
	_, err := q.ExecContext(ctx, db.rebind(`
		INSERT INTO keywords (`+keywordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), k.ID, k.BusinessID, k.Keyword, k.Slug, k.Language, k.SearchIntent, k.CreatedAt)
	return translateError(err)
}

// CreateKeyword inserts a keyword, deriving its slug
func (db *DB) CreateKeyword(ctx context.Context, k *Keyword) error {
	prepareKeyword(k)
	if err := db.insertKeyword(ctx, db.client, k); err != nil {
		return fmt.Errorf("failed to create keyword: %w", err)
	}
	return nil
}

// CreateKeywords inserts several keywords in one transaction; any duplicate
// aborts the whole batch.
func (db *DB) CreateKeywords(ctx context.Context, keywords []*Keyword) error {
	return db.Execute(ctx, func(tx *sql.Tx) error {
		for _, k := range keywords {
			prepareKeyword(k)
			if err := db.insertKeyword(ctx, tx, k); err != nil {
				return fmt.Errorf("failed to create keyword %q: %w", k.Keyword, err)
			}
		}
		return nil
	})
}

// ListKeywords returns every keyword of a business in creation order
func (db *DB) ListKeywords(ctx context.Context, businessID string) ([]*Keyword, error) {
	rows, err := db.client.QueryContext(ctx, db.rebind(`
		SELECT `+keywordColumns+` FROM keywords WHERE business_id = ? ORDER BY created_at, keyword
	`), businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keywords: %w", err)
	}
	defer rows.Close()

	keywords := make([]*Keyword, 0)
	for rows.Next() {
		k, err := scanKeyword(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan keyword: %w", err)
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

// DeleteKeyword removes a keyword owned by the business
func (db *DB) DeleteKeyword(ctx context.Context, businessID, id string) error {
	res, err := db.client.ExecContext(ctx, db.rebind(`DELETE FROM keywords WHERE id = ? AND business_id = ?`), id, businessID)
	if err != nil {
		return fmt.Errorf("failed to delete keyword: %w", err)
	}
	return requireAffected(res)
}
