package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// schemaTables lists CREATE statements in dependency order. The DDL sticks to
// types both SQLite and PostgreSQL accept so one schema serves both drivers.
var schemaTables = []struct {
	name string
	ddl  string
}{
	{"businesses", `
		CREATE TABLE IF NOT EXISTS businesses (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			industry TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			website TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			zip TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`},
	{"keywords", `
		CREATE TABLE IF NOT EXISTS keywords (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
			keyword TEXT NOT NULL,
			slug TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT 'en',
			search_intent TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			UNIQUE(business_id, slug, language)
		)`},
	{"locations", `
		CREATE TABLE IF NOT EXISTS locations (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			zip TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			is_headquarters BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`},
	{"service_areas", `
		CREATE TABLE IF NOT EXISTS service_areas (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
			city TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			slug TEXT NOT NULL,
			location_id TEXT REFERENCES locations(id) ON DELETE SET NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(business_id, slug)
		)`},
	{"questionnaires", `
		CREATE TABLE IF NOT EXISTS questionnaires (
			business_id TEXT PRIMARY KEY REFERENCES businesses(id) ON DELETE CASCADE,
			data TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL
		)`},
	{"prompt_templates", `
		CREATE TABLE IF NOT EXISTS prompt_templates (
			id TEXT PRIMARY KEY,
			page_type TEXT NOT NULL,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			template TEXT NOT NULL,
			required_variables TEXT NOT NULL DEFAULT '[]',
			optional_variables TEXT NOT NULL DEFAULT '[]',
			word_count INTEGER NOT NULL DEFAULT 800,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(page_type, version)
		)`},
	{"generation_jobs", `
		CREATE TABLE IF NOT EXISTS generation_jobs (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL REFERENCES businesses(id),
			page_type TEXT NOT NULL,
			requested_page_type TEXT NOT NULL,
			status TEXT NOT NULL,
			total_pages INTEGER NOT NULL,
			completed_pages INTEGER NOT NULL DEFAULT 0,
			failed_pages INTEGER NOT NULL DEFAULT 0,
			webhook_sent_at TIMESTAMP,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			CHECK (completed_pages + failed_pages <= total_pages)
		)`},
	{"job_pages", `
		CREATE TABLE IF NOT EXISTS job_pages (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES generation_jobs(id),
			business_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			keyword_id TEXT,
			service_area_id TEXT,
			location_id TEXT,
			keyword TEXT NOT NULL DEFAULT '',
			service_name TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			keyword_slug TEXT NOT NULL DEFAULT '',
			location_slug TEXT NOT NULL DEFAULT '',
			page_slug TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT 'en',
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT NOT NULL DEFAULT '',
			claimed_at TIMESTAMP,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			word_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`},
	{"webhooks", `
		CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			business_id TEXT NOT NULL REFERENCES businesses(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			secret TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL
		)`},
}

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_keywords_business ON keywords(business_id)`,
	`CREATE INDEX IF NOT EXISTS idx_service_areas_business ON service_areas(business_id)`,
	`CREATE INDEX IF NOT EXISTS idx_service_areas_location ON service_areas(location_id)`,
	`CREATE INDEX IF NOT EXISTS idx_locations_business ON locations(business_id)`,
	`CREATE INDEX IF NOT EXISTS idx_prompt_templates_active ON prompt_templates(page_type, is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_generation_jobs_business ON generation_jobs(business_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_job_pages_claim ON job_pages(job_id, status, created_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_job_pages_status ON job_pages(status, claimed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_webhooks_business ON webhooks(business_id)`,
}

// setupSchema creates the tables and indexes if they are missing
func (db *DB) setupSchema(ctx context.Context) error {
	for _, table := range schemaTables {
		if _, err := db.client.ExecContext(ctx, table.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
	}

	for _, idx := range schemaIndexes {
		if _, err := db.client.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// ResetSchema drops every table and recreates the schema. Destructive.
func (db *DB) ResetSchema(ctx context.Context) error {
	log.Warn().Str("driver", string(db.driver)).Msg("Resetting database schema")

	for i := len(schemaTables) - 1; i >= 0; i-- {
		name := schemaTables[i].name
		if _, err := db.client.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
			log.Error().Err(err).Str("table", name).Msg("Failed to drop table")
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
	}

	if err := db.setupSchema(ctx); err != nil {
		return fmt.Errorf("failed to recreate schema: %w", err)
	}

	log.Info().Msg("Successfully reset database schema")
	return nil
}

// Migrate applies the schema to an existing connection
func (db *DB) Migrate(ctx context.Context) error {
	return db.setupSchema(ctx)
}
