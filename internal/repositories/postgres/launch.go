package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
)

type LaunchRepo struct {
	db *pgxpool.Pool
}

var _ lr.Repository = (*LaunchRepo)(nil)

func NewLaunchRepo(db *pgxpool.Pool) *LaunchRepo {
	return &LaunchRepo{db: db}
}

func (r *LaunchRepo) Health(ctx context.Context) error { return r.db.Ping(ctx) }

func (r *LaunchRepo) Disconnect() { r.db.Close() }

const linkColumns = `id, lti_tool_id, lms_context_id, lms_resource_link_id, lo_version_id, activity_template_id,
    title, max_points, line_item_id, line_items_url`

func scanLink(row pgx.Row) (*lr.Link, error) {
	var l lr.Link
	var lo, tmpl *string
	if err := row.Scan(&l.ID, &l.LtiToolID, &l.LmsContextID, &l.LmsResourceLinkID, &lo, &tmpl,
		&l.Title, &l.MaxPoints, &l.LineItemID, &l.LineItemsURL); err != nil {
		return nil, err
	}
	if lo != nil {
		l.LoVersionID = *lo
	}
	if tmpl != nil {
		l.ActivityTemplateID = *tmpl
	}
	return &l, nil
}

func (r *LaunchRepo) ResolveOrCreateLink(ctx context.Context, toolID, resourceLinkID, contextID string, ags lr.AGSEndpoint, title string) (*lr.Link, error) {
	now := time.Now().UTC()
	return scanLink(r.db.QueryRow(ctx, `
        INSERT INTO lti_links (id, lti_tool_id, lms_context_id, lms_resource_link_id, title, max_points,
            line_item_id, line_items_url, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
        ON CONFLICT (lti_tool_id, lms_resource_link_id) DO UPDATE SET
            lms_context_id = CASE WHEN lti_links.lms_context_id = '' THEN EXCLUDED.lms_context_id ELSE lti_links.lms_context_id END,
            title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE lti_links.title END,
            line_item_id = CASE WHEN lti_links.line_item_id = '' THEN EXCLUDED.line_item_id ELSE lti_links.line_item_id END,
            line_items_url = CASE WHEN lti_links.line_items_url = '' THEN EXCLUDED.line_items_url ELSE lti_links.line_items_url END,
            updated_at = EXCLUDED.updated_at
        RETURNING `+linkColumns,
		uuid.NewString(), toolID, contextID, resourceLinkID, title, float64(lr.DefaultMaxPoints),
		ags.LineItemURL, ags.LineItemsURL, now))
}

func (r *LaunchRepo) GetLink(ctx context.Context, id string) (*lr.Link, error) {
	l, err := scanLink(r.db.QueryRow(ctx, `SELECT `+linkColumns+` FROM lti_links WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lr.ErrNotFound
		}
		return nil, err
	}
	return l, nil
}

func (r *LaunchRepo) SetLinkLineItem(ctx context.Context, linkID, lineItemURL string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE lti_links SET line_item_id = $1, updated_at = NOW() WHERE id = $2 AND line_item_id = ''`,
		lineItemURL, linkID)
	return err
}

func (r *LaunchRepo) CreateLaunch(ctx context.Context, l *lr.Launch) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.GradeStatus == "" {
		l.GradeStatus = lr.GradeNone
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO lti_launches (id, lti_tool_id, lti_link_id, tenant_id, deployment_id, lms_user_id, lms_user_email,
            lms_user_name, user_role, lms_context_title, status, grade_status, score_given, score_maximum,
            launched_at, expires_at, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		l.ID, l.LtiToolID, l.LtiLinkID, l.TenantID, l.DeploymentID, l.LmsUserID, l.LmsUserEmail,
		l.LmsUserName, l.UserRole, l.LmsContextTitle, string(l.Status), string(l.GradeStatus),
		l.ScoreGiven, l.ScoreMaximum, l.LaunchedAt.UTC(), l.ExpiresAt.UTC(), l.CompletedAt)
	return err
}

func (r *LaunchRepo) GetLaunch(ctx context.Context, id string) (*lr.Launch, error) {
	var l lr.Launch
	var status, grade string
	err := r.db.QueryRow(ctx, `
        SELECT id, lti_tool_id, lti_link_id, tenant_id, deployment_id, lms_user_id, lms_user_email, lms_user_name,
            user_role, lms_context_title, status, grade_status, score_given, score_maximum, grade_lease_until,
            launched_at, expires_at, completed_at
        FROM lti_launches WHERE id = $1`, id).Scan(
		&l.ID, &l.LtiToolID, &l.LtiLinkID, &l.TenantID, &l.DeploymentID, &l.LmsUserID, &l.LmsUserEmail,
		&l.LmsUserName, &l.UserRole, &l.LmsContextTitle, &status, &grade, &l.ScoreGiven, &l.ScoreMaximum,
		&l.GradeLeaseUntil, &l.LaunchedAt, &l.ExpiresAt, &l.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lr.ErrNotFound
		}
		return nil, err
	}
	l.Status = lr.Status(status)
	l.GradeStatus = lr.GradeStatus(grade)
	if l.GradeLeaseUntil != nil {
		lease := l.GradeLeaseUntil.UTC()
		l.GradeLeaseUntil = &lease
	}
	l.LaunchedAt = l.LaunchedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return &l, nil
}

// expireLaunches keeps launches with a live grade lease ACTIVE so the passback can settle.
// A lapsed claim is settled to FAILED along with the expiry.
const expireLaunches = `
        UPDATE lti_launches SET status = 'EXPIRED',
            grade_status = CASE WHEN grade_status = 'PENDING' THEN 'FAILED' ELSE grade_status END,
            grade_lease_until = NULL
        WHERE status = 'ACTIVE' AND expires_at <= $1
            AND (grade_status <> 'PENDING' OR grade_lease_until IS NULL OR grade_lease_until <= $1)`

func (r *LaunchRepo) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	return applied(r.db.Exec(ctx, expireLaunches+` AND id = $2`, now.UTC(), id))
}

func (r *LaunchRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, expireLaunches, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *LaunchRepo) CompleteLaunch(ctx context.Context, id string, now time.Time) (bool, error) {
	return applied(r.db.Exec(ctx, `
        UPDATE lti_launches SET status = 'COMPLETED', completed_at = $1 WHERE id = $2 AND status = 'ACTIVE'`,
		now.UTC(), id))
}

func (r *LaunchRepo) ClaimGrade(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	return applied(r.db.Exec(ctx, `
        UPDATE lti_launches SET grade_status = 'PENDING', grade_lease_until = $1
        WHERE id = $2 AND status NOT IN ('EXPIRED', 'ERROR')
            AND (grade_status IN ('NONE', 'FAILED')
                OR (grade_status = 'PENDING' AND (grade_lease_until IS NULL OR grade_lease_until <= $3)))`,
		leaseUntil.UTC(), id, now.UTC()))
}

func (r *LaunchRepo) RecordGrade(ctx context.Context, id string, lease time.Time, scoreGiven, scoreMaximum float64) (bool, error) {
	return applied(r.db.Exec(ctx, `
        UPDATE lti_launches SET grade_status = 'SENT', score_given = $1, score_maximum = $2, grade_lease_until = NULL
        WHERE id = $3 AND status NOT IN ('EXPIRED', 'ERROR') AND grade_status = 'PENDING' AND grade_lease_until = $4`,
		scoreGiven, scoreMaximum, id, lease.UTC()))
}

func (r *LaunchRepo) ReleaseGrade(ctx context.Context, id string, lease time.Time) (bool, error) {
	return applied(r.db.Exec(ctx, `
        UPDATE lti_launches SET grade_status = 'FAILED', grade_lease_until = NULL
        WHERE id = $1 AND grade_status = 'PENDING' AND grade_lease_until = $2`,
		id, lease.UTC()))
}

func applied(tag pgconn.CommandTag, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
