package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	repoIface "github.com/quipper/poc/lti/tool/pkg/repositories/platform"
)

type PlatformRepo struct {
	db *pgxpool.Pool
}

var _ repoIface.Repository = (*PlatformRepo)(nil)

func NewPlatformRepo(db *pgxpool.Pool) *PlatformRepo {
	return &PlatformRepo{db: db}
}

func (r *PlatformRepo) Health(ctx context.Context) error { return r.db.Ping(ctx) }

// Disconnect closes the shared pool; pgxpool tolerates repeated Close calls.
func (r *PlatformRepo) Disconnect() { r.db.Close() }

const platformColumns = `SELECT id, tenant_id, issuer, client_id, deployment_ids, auth_login_url, auth_token_url,
    jwks_url, line_items_url, memberships_url, deep_linking_url, tool_private_key_ref, tool_public_key_id,
    enabled, created_at, updated_at FROM lti_platform_registrations`

func scanRegistration(row pgx.Row) (*repoIface.Registration, error) {
	var reg repoIface.Registration
	if err := row.Scan(&reg.ID, &reg.TenantID, &reg.Issuer, &reg.ClientID, &reg.DeploymentIDs, &reg.AuthLoginURL,
		&reg.AuthTokenURL, &reg.JWKSURL, &reg.LineItemsURL, &reg.MembershipsURL, &reg.DeepLinkingURL,
		&reg.ToolPrivateKeyRef, &reg.ToolPublicKeyID, &reg.Enabled, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *PlatformRepo) getOne(ctx context.Context, query string, args ...any) (*repoIface.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repoIface.ErrNotFound
		}
		return nil, err
	}
	return reg, nil
}

func (r *PlatformRepo) list(ctx context.Context, query string, args ...any) ([]*repoIface.Registration, error) {
	rows, err := r.db.Query(ctx, query, args...)
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

func (r *PlatformRepo) GetByIssuerClient(ctx context.Context, issuer, clientID string) (*repoIface.Registration, error) {
	return r.getOne(ctx, platformColumns+` WHERE issuer = $1 AND client_id = $2`, issuer, clientID)
}

func (r *PlatformRepo) GetByID(ctx context.Context, id string) (*repoIface.Registration, error) {
	return r.getOne(ctx, platformColumns+` WHERE id = $1`, id)
}

func (r *PlatformRepo) ListByIssuer(ctx context.Context, issuer string) ([]*repoIface.Registration, error) {
	return r.list(ctx, platformColumns+` WHERE issuer = $1 ORDER BY created_at ASC`, issuer)
}

func (r *PlatformRepo) List(ctx context.Context) ([]*repoIface.Registration, error) {
	return r.list(ctx, platformColumns+` ORDER BY created_at ASC`)
}

func (r *PlatformRepo) Upsert(ctx context.Context, reg *repoIface.Registration) error {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	if reg.DeploymentIDs == nil {
		reg.DeploymentIDs = []string{}
	}
	now := time.Now().UTC()
	return r.db.QueryRow(ctx, `
        INSERT INTO lti_platform_registrations (id, tenant_id, issuer, client_id, deployment_ids, auth_login_url,
            auth_token_url, jwks_url, line_items_url, memberships_url, deep_linking_url, tool_private_key_ref,
            tool_public_key_id, enabled, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
        ON CONFLICT (issuer, client_id) DO UPDATE SET
            tenant_id = EXCLUDED.tenant_id,
            deployment_ids = EXCLUDED.deployment_ids,
            auth_login_url = EXCLUDED.auth_login_url,
            auth_token_url = EXCLUDED.auth_token_url,
            jwks_url = EXCLUDED.jwks_url,
            line_items_url = EXCLUDED.line_items_url,
            memberships_url = EXCLUDED.memberships_url,
            deep_linking_url = EXCLUDED.deep_linking_url,
            tool_private_key_ref = EXCLUDED.tool_private_key_ref,
            tool_public_key_id = EXCLUDED.tool_public_key_id,
            enabled = EXCLUDED.enabled,
            updated_at = EXCLUDED.updated_at
        RETURNING id, created_at, updated_at`,
		reg.ID, reg.TenantID, reg.Issuer, reg.ClientID, reg.DeploymentIDs, reg.AuthLoginURL,
		reg.AuthTokenURL, reg.JWKSURL, reg.LineItemsURL, reg.MembershipsURL, reg.DeepLinkingURL,
		reg.ToolPrivateKeyRef, reg.ToolPublicKeyID, reg.Enabled, now,
	).Scan(&reg.ID, &reg.CreatedAt, &reg.UpdatedAt)
}
