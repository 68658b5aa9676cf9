package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const templateColumns = `id, page_type, name, version, template, required_variables, optional_variables, word_count, is_active, created_at, updated_at`

func scanTemplate(row rowScanner) (*PromptTemplate, error) {
	var t PromptTemplate
	var required, optional string
	err := row.Scan(&t.ID, &t.PageType, &t.Name, &t.Version, &t.Template, &required, &optional,
		&t.WordCount, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.RequiredVariables = decodeStrings(required)
	t.OptionalVariables = decodeStrings(optional)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

// CreatePromptTemplate stores a new version for the template's page type.
// The version number is one past the highest existing version. When
// activate is set every other version of the page type is deactivated.
func (db *DB) CreatePromptTemplate(ctx context.Context, t *PromptTemplate, activate bool) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.WordCount <= 0 {
		t.WordCount = 800
	}
	if t.RequiredVariables == nil {
		t.RequiredVariables = []string{}
	}
	if t.OptionalVariables == nil {
		t.OptionalVariables = []string{}
	}
	t.CreatedAt = now()
	t.UpdatedAt = t.CreatedAt
	t.IsActive = activate

	return db.Execute(ctx, func(tx *sql.Tx) error {
		var maxVersion sql.NullInt64
		if err := tx.QueryRowContext(ctx, db.rebind(`SELECT MAX(version) FROM prompt_templates WHERE page_type = ?`), t.PageType).Scan(&maxVersion); err != nil {
			return fmt.Errorf("failed to read template version: %w", err)
		}
		t.Version = int(maxVersion.Int64) + 1

		if activate {
			if err := db.deactivateTemplates(ctx, tx, t.PageType); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, db.rebind(`
			INSERT INTO prompt_templates (`+templateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), t.ID, t.PageType, t.Name, t.Version, t.Template, Serialise(t.RequiredVariables), Serialise(t.OptionalVariables),
			t.WordCount, t.IsActive, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create prompt template: %w", translateError(err))
		}
		return nil
	})
}

func (db *DB) deactivateTemplates(ctx context.Context, tx *sql.Tx, pageType string) error {
	_, err := tx.ExecContext(ctx, db.rebind(`
		UPDATE prompt_templates SET is_active = ?, updated_at = ? WHERE page_type = ? AND is_active = ?
	`), false, now(), pageType, true)
	if err != nil {
		return fmt.Errorf("failed to deactivate templates: %w", err)
	}
	return nil
}

// ActivatePromptTemplate makes one version the active template of its page type
func (db *DB) ActivatePromptTemplate(ctx context.Context, id string) (*PromptTemplate, error) {
	var t *PromptTemplate
	err := db.Execute(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = scanTemplate(tx.QueryRowContext(ctx, db.rebind(`SELECT `+templateColumns+` FROM prompt_templates WHERE id = ?`), id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get prompt template: %w", err)
		}

		if err := db.deactivateTemplates(ctx, tx, t.PageType); err != nil {
			return err
		}

		t.IsActive = true
		t.UpdatedAt = now()
		if _, err := tx.ExecContext(ctx, db.rebind(`UPDATE prompt_templates SET is_active = ?, updated_at = ? WHERE id = ?`), true, t.UpdatedAt, id); err != nil {
			return fmt.Errorf("failed to activate prompt template: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetPromptTemplate fetches a template version by ID
func (db *DB) GetPromptTemplate(ctx context.Context, id string) (*PromptTemplate, error) {
	t, err := scanTemplate(db.client.QueryRowContext(ctx, db.rebind(`SELECT `+templateColumns+` FROM prompt_templates WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt template: %w", err)
	}
	return t, nil
}

// GetActivePromptTemplate returns the active template for a page type. If
// several rows are flagged active the most recently updated one wins.
func (db *DB) GetActivePromptTemplate(ctx context.Context, pageType string) (*PromptTemplate, error) {
	row := db.client.QueryRowContext(ctx, db.rebind(`
		SELECT `+templateColumns+` FROM prompt_templates
		WHERE page_type = ? AND is_active = ?
		ORDER BY updated_at DESC, version DESC
		LIMIT 1
	`), pageType, true)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active prompt template: %w", err)
	}
	return t, nil
}

// ListPromptTemplates returns every version, optionally filtered by page type
func (db *DB) ListPromptTemplates(ctx context.Context, pageType string) ([]*PromptTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM prompt_templates`
	args := []any{}
	if pageType != "" {
		query += ` WHERE page_type = ?`
		args = append(args, pageType)
	}
	query += ` ORDER BY page_type, version DESC`

	rows, err := db.client.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt templates: %w", err)
	}
	defer rows.Close()

	templates := make([]*PromptTemplate, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prompt template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}
