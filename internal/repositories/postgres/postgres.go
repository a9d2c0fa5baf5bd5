// Package postgres stores platform registrations, links and launches in PostgreSQL.
// It is selected when DATABASE_URL is set; SQLite remains the default.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open creates a tuned connection pool and applies the schema.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return pool, nil
}

func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS lti_platform_registrations (
		    id TEXT PRIMARY KEY,
		    tenant_id TEXT NOT NULL DEFAULT '',
		    issuer TEXT NOT NULL,
		    client_id TEXT NOT NULL,
		    deployment_ids TEXT[] NOT NULL DEFAULT '{}',
		    auth_login_url TEXT NOT NULL,
		    auth_token_url TEXT NOT NULL,
		    jwks_url TEXT NOT NULL,
		    line_items_url TEXT NOT NULL DEFAULT '',
		    memberships_url TEXT NOT NULL DEFAULT '',
		    deep_linking_url TEXT NOT NULL DEFAULT '',
		    tool_private_key_ref TEXT NOT NULL,
		    tool_public_key_id TEXT NOT NULL,
		    enabled BOOLEAN NOT NULL DEFAULT TRUE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    UNIQUE(issuer, client_id)
		);
		CREATE INDEX IF NOT EXISTS idx_platform_registrations_issuer ON lti_platform_registrations(issuer);

		CREATE TABLE IF NOT EXISTS lti_links (
		    id TEXT PRIMARY KEY,
		    lti_tool_id TEXT NOT NULL,
		    lms_context_id TEXT NOT NULL DEFAULT '',
		    lms_resource_link_id TEXT NOT NULL,
		    lo_version_id TEXT,
		    activity_template_id TEXT,
		    title TEXT NOT NULL DEFAULT '',
		    max_points DOUBLE PRECISION NOT NULL DEFAULT 100,
		    line_item_id TEXT NOT NULL DEFAULT '',
		    line_items_url TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    UNIQUE(lti_tool_id, lms_resource_link_id),
		    CHECK (lo_version_id IS NULL OR activity_template_id IS NULL)
		);

		CREATE TABLE IF NOT EXISTS lti_launches (
		    id TEXT PRIMARY KEY,
		    lti_tool_id TEXT NOT NULL,
		    lti_link_id TEXT NOT NULL DEFAULT '',
		    tenant_id TEXT NOT NULL DEFAULT '',
		    deployment_id TEXT NOT NULL DEFAULT '',
		    lms_user_id TEXT NOT NULL,
		    lms_user_email TEXT NOT NULL DEFAULT '',
		    lms_user_name TEXT NOT NULL DEFAULT '',
		    user_role TEXT NOT NULL DEFAULT '',
		    lms_context_title TEXT NOT NULL DEFAULT '',
		    status TEXT NOT NULL,
		    grade_status TEXT NOT NULL DEFAULT 'NONE',
		    score_given DOUBLE PRECISION,
		    score_maximum DOUBLE PRECISION,
		    grade_lease_until TIMESTAMP WITH TIME ZONE,
		    launched_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    completed_at TIMESTAMP WITH TIME ZONE
		);
		ALTER TABLE lti_launches ADD COLUMN IF NOT EXISTS grade_lease_until TIMESTAMP WITH TIME ZONE;
		CREATE INDEX IF NOT EXISTS idx_lti_launches_status_expires ON lti_launches(status, expires_at);
	`)
	return err
}
