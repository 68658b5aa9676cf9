package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const webhookColumns = `id, business_id, url, events, secret, is_active, created_at`

func scanWebhook(row rowScanner) (*Webhook, error) {
	var w Webhook
	var events string
	if err := row.Scan(&w.ID, &w.BusinessID, &w.URL, &events, &w.Secret, &w.IsActive, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Events = decodeStrings(events)
	w.CreatedAt = w.CreatedAt.UTC()
	return &w, nil
}

// CreateWebhook registers a webhook for a business
func (db *DB) CreateWebhook(ctx context.Context, w *Webhook) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	w.CreatedAt = now()
	w.IsActive = true

	_, err := db.client.ExecContext(ctx, db.rebind(`
		INSERT INTO webhooks (`+webhookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), w.ID, w.BusinessID, w.URL, Serialise(w.Events), w.Secret, w.IsActive, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", translateError(err))
	}
	return nil
}

// ListWebhooks returns every webhook of a business
func (db *DB) ListWebhooks(ctx context.Context, businessID string) ([]*Webhook, error) {
	rows, err := db.client.QueryContext(ctx, db.rebind(`
		SELECT `+webhookColumns+` FROM webhooks WHERE business_id = ? ORDER BY created_at
	`), businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	webhooks := make([]*Webhook, 0)
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

// DeleteWebhook removes a webhook owned by the business
func (db *DB) DeleteWebhook(ctx context.Context, businessID, id string) error {
	res, err := db.client.ExecContext(ctx, db.rebind(`DELETE FROM webhooks WHERE id = ? AND business_id = ?`), id, businessID)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return requireAffected(res)
}
