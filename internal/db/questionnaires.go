package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetQuestionnaire returns the questionnaire of a business. A business that
// never saved one gets an empty object rather than ErrNotFound.
func (db *DB) GetQuestionnaire(ctx context.Context, businessID string) (*Questionnaire, error) {
	var q Questionnaire
	var data string
	err := db.client.QueryRowContext(ctx, db.rebind(`
		SELECT business_id, data, updated_at FROM questionnaires WHERE business_id = ?
	`), businessID).Scan(&q.BusinessID, &data, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Questionnaire{BusinessID: businessID, Data: json.RawMessage(`{}`)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get questionnaire: %w", err)
	}
	q.Data = json.RawMessage(data)
	q.UpdatedAt = q.UpdatedAt.UTC()
	return &q, nil
}

// SaveQuestionnaire upserts the questionnaire JSON of a business
func (db *DB) SaveQuestionnaire(ctx context.Context, q *Questionnaire) error {
	if !json.Valid(q.Data) {
		return fmt.Errorf("questionnaire data is not valid JSON")
	}
	q.UpdatedAt = now()

	_, err := db.client.ExecContext(ctx, db.rebind(`
		INSERT INTO questionnaires (business_id, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (business_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`), q.BusinessID, string(q.Data), q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save questionnaire: %w", err)
	}
	return nil
}
