package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	repoIface "github.com/quipper/poc/lti/tool/pkg/repositories/platform"
)

type SQLiteRepo struct {
	db *sql.DB
}

var _ repoIface.Repository = (*SQLiteRepo)(nil)

func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRepo{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS lti_platform_registrations (
            id TEXT PRIMARY KEY,
            tenant_id TEXT NOT NULL DEFAULT '',
            issuer TEXT NOT NULL,
            client_id TEXT NOT NULL,
            deployment_ids TEXT NOT NULL DEFAULT '[]',
            auth_login_url TEXT NOT NULL,
            auth_token_url TEXT NOT NULL,
            jwks_url TEXT NOT NULL,
            line_items_url TEXT NOT NULL DEFAULT '',
            memberships_url TEXT NOT NULL DEFAULT '',
            deep_linking_url TEXT NOT NULL DEFAULT '',
            tool_private_key_ref TEXT NOT NULL,
            tool_public_key_id TEXT NOT NULL,
            enabled INTEGER NOT NULL DEFAULT 1,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            UNIQUE(issuer, client_id)
        );
        CREATE INDEX IF NOT EXISTS idx_platform_registrations_issuer ON lti_platform_registrations(issuer);
	`)
	return err
}

func (r *SQLiteRepo) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepo) Disconnect() {
	_ = r.db.Close()
}

const selectColumns = `SELECT id, tenant_id, issuer, client_id, deployment_ids, auth_login_url, auth_token_url,
    jwks_url, line_items_url, memberships_url, deep_linking_url, tool_private_key_ref, tool_public_key_id,
    enabled, created_at, updated_at FROM lti_platform_registrations`

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(s scanner) (*repoIface.Registration, error) {
	var reg repoIface.Registration
	var deployments string
	var enabled int
	var created, updated int64
	if err := s.Scan(&reg.ID, &reg.TenantID, &reg.Issuer, &reg.ClientID, &deployments, &reg.AuthLoginURL,
		&reg.AuthTokenURL, &reg.JWKSURL, &reg.LineItemsURL, &reg.MembershipsURL, &reg.DeepLinkingURL,
		&reg.ToolPrivateKeyRef, &reg.ToolPublicKeyID, &enabled, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deployments), &reg.DeploymentIDs); err != nil {
		return nil, err
	}
	reg.Enabled = enabled == 1
	reg.CreatedAt = time.UnixMilli(created).UTC()
	reg.UpdatedAt = time.UnixMilli(updated).UTC()
	return &reg, nil
}

func (r *SQLiteRepo) getOne(ctx context.Context, query string, args ...any) (*repoIface.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repoIface.ErrNotFound
		}
		return nil, err
	}
	return reg, nil
}

func (r *SQLiteRepo) list(ctx context.Context, query string, args ...any) ([]*repoIface.Registration, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*repoIface.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (r *SQLiteRepo) GetByIssuerClient(ctx context.Context, issuer, clientID string) (*repoIface.Registration, error) {
	return r.getOne(ctx, selectColumns+` WHERE issuer = ? AND client_id = ?`, issuer, clientID)
}

func (r *SQLiteRepo) GetByID(ctx context.Context, id string) (*repoIface.Registration, error) {
	return r.getOne(ctx, selectColumns+` WHERE id = ?`, id)
}

func (r *SQLiteRepo) ListByIssuer(ctx context.Context, issuer string) ([]*repoIface.Registration, error) {
	return r.list(ctx, selectColumns+` WHERE issuer = ? ORDER BY created_at ASC`, issuer)
}

func (r *SQLiteRepo) List(ctx context.Context) ([]*repoIface.Registration, error) {
	return r.list(ctx, selectColumns+` ORDER BY created_at ASC`)
}

// Upsert keeps the original id and created_at when (issuer, client_id) already exists.
func (r *SQLiteRepo) Upsert(ctx context.Context, reg *repoIface.Registration) error {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	if reg.DeploymentIDs == nil {
		reg.DeploymentIDs = []string{}
	}
	deployments, err := json.Marshal(reg.DeploymentIDs)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	enabled := 0
	if reg.Enabled {
		enabled = 1
	}
	row := r.db.QueryRowContext(ctx, `
        INSERT INTO lti_platform_registrations (id, tenant_id, issuer, client_id, deployment_ids, auth_login_url,
            auth_token_url, jwks_url, line_items_url, memberships_url, deep_linking_url, tool_private_key_ref,
            tool_public_key_id, enabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(issuer, client_id) DO UPDATE SET
            tenant_id = excluded.tenant_id,
            deployment_ids = excluded.deployment_ids,
            auth_login_url = excluded.auth_login_url,
            auth_token_url = excluded.auth_token_url,
            jwks_url = excluded.jwks_url,
            line_items_url = excluded.line_items_url,
            memberships_url = excluded.memberships_url,
            deep_linking_url = excluded.deep_linking_url,
            tool_private_key_ref = excluded.tool_private_key_ref,
            tool_public_key_id = excluded.tool_public_key_id,
            enabled = excluded.enabled,
            updated_at = excluded.updated_at
        RETURNING id, created_at`,
		reg.ID, reg.TenantID, reg.Issuer, reg.ClientID, string(deployments), reg.AuthLoginURL,
		reg.AuthTokenURL, reg.JWKSURL, reg.LineItemsURL, reg.MembershipsURL, reg.DeepLinkingURL,
		reg.ToolPrivateKeyRef, reg.ToolPublicKeyID, enabled, now.UnixMilli(), now.UnixMilli())
	var created int64
	if err := row.Scan(&reg.ID, &created); err != nil {
		return err
	}
	reg.CreatedAt = time.UnixMilli(created).UTC()
	reg.UpdatedAt = now
	return nil
}
