package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
)

type SQLiteRepo struct {
	db *sql.DB
}

var _ lr.Repository = (*SQLiteRepo)(nil)

func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRepo{db: db}, nil
}

func (r *SQLiteRepo) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepo) Disconnect() {
	_ = r.db.Close()
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lti_links (
			id TEXT PRIMARY KEY,
			lti_tool_id TEXT NOT NULL,
			lms_context_id TEXT NOT NULL DEFAULT '',
			lms_resource_link_id TEXT NOT NULL,
			lo_version_id TEXT,
			activity_template_id TEXT,
			title TEXT NOT NULL DEFAULT '',
			max_points REAL NOT NULL DEFAULT 100,
			line_item_id TEXT NOT NULL DEFAULT '',
			line_items_url TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
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
			score_given REAL,
			score_maximum REAL,
			grade_lease_until INTEGER,
			launched_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_lti_launches_status_expires ON lti_launches(status, expires_at);
	`)
	if err != nil {
		return err
	}
	// Databases created before grade leases existed.
	if _, err := db.Exec(`ALTER TABLE lti_launches ADD COLUMN grade_lease_until INTEGER`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		return err
	}
	return nil
}

const linkColumns = `id, lti_tool_id, lms_context_id, lms_resource_link_id, lo_version_id, activity_template_id,
	title, max_points, line_item_id, line_items_url`

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(s scanner) (*lr.Link, error) {
	var l lr.Link
	var lo, tmpl sql.NullString
	if err := s.Scan(&l.ID, &l.LtiToolID, &l.LmsContextID, &l.LmsResourceLinkID, &lo, &tmpl,
		&l.Title, &l.MaxPoints, &l.LineItemID, &l.LineItemsURL); err != nil {
		return nil, err
	}
	l.LoVersionID = lo.String
	l.ActivityTemplateID = tmpl.String
	return &l, nil
}

// ResolveOrCreateLink upserts on (tool, resource link). Context, line item URLs and
// title are only filled in where still empty, except a non-empty title which refreshes.
func (r *SQLiteRepo) ResolveOrCreateLink(ctx context.Context, toolID, resourceLinkID, contextID string, ags lr.AGSEndpoint, title string) (*lr.Link, error) {
	now := time.Now().UTC().UnixMilli()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO lti_links (id, lti_tool_id, lms_context_id, lms_resource_link_id, title, max_points,
			line_item_id, line_items_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lti_tool_id, lms_resource_link_id) DO UPDATE SET
			lms_context_id = CASE WHEN lti_links.lms_context_id = '' THEN excluded.lms_context_id ELSE lti_links.lms_context_id END,
			title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE lti_links.title END,
			line_item_id = CASE WHEN lti_links.line_item_id = '' THEN excluded.line_item_id ELSE lti_links.line_item_id END,
			line_items_url = CASE WHEN lti_links.line_items_url = '' THEN excluded.line_items_url ELSE lti_links.line_items_url END,
			updated_at = excluded.updated_at
		RETURNING `+linkColumns,
		uuid.NewString(), toolID, contextID, resourceLinkID, title, float64(lr.DefaultMaxPoints),
		ags.LineItemURL, ags.LineItemsURL, now, now)
	return scanLink(row)
}

func (r *SQLiteRepo) GetLink(ctx context.Context, id string) (*lr.Link, error) {
	l, err := scanLink(r.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM lti_links WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, lr.ErrNotFound
		}
		return nil, err
	}
	return l, nil
}

func (r *SQLiteRepo) SetLinkLineItem(ctx context.Context, linkID, lineItemURL string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE lti_links SET line_item_id = ?, updated_at = ? WHERE id = ? AND line_item_id = ''`,
		lineItemURL, time.Now().UTC().UnixMilli(), linkID)
	return err
}

func (r *SQLiteRepo) CreateLaunch(ctx context.Context, l *lr.Launch) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.GradeStatus == "" {
		l.GradeStatus = lr.GradeNone
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO lti_launches (id, lti_tool_id, lti_link_id, tenant_id, deployment_id, lms_user_id, lms_user_email,
			lms_user_name, user_role, lms_context_title, status, grade_status, score_given, score_maximum,
			launched_at, expires_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.LtiToolID, l.LtiLinkID, l.TenantID, l.DeploymentID, l.LmsUserID, l.LmsUserEmail,
		l.LmsUserName, l.UserRole, l.LmsContextTitle, string(l.Status), string(l.GradeStatus),
		nullableFloat(l.ScoreGiven), nullableFloat(l.ScoreMaximum),
		l.LaunchedAt.UTC().UnixMilli(), l.ExpiresAt.UTC().UnixMilli(), nullableMillis(l.CompletedAt))
	return err
}

func (r *SQLiteRepo) GetLaunch(ctx context.Context, id string) (*lr.Launch, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, lti_tool_id, lti_link_id, tenant_id, deployment_id, lms_user_id, lms_user_email, lms_user_name,
			user_role, lms_context_title, status, grade_status, score_given, score_maximum, grade_lease_until,
			launched_at, expires_at, completed_at
		FROM lti_launches WHERE id = ?`, id)
	var l lr.Launch
	var status, grade string
	var given, maximum sql.NullFloat64
	var launched, expires int64
	var lease, completed sql.NullInt64
	if err := row.Scan(&l.ID, &l.LtiToolID, &l.LtiLinkID, &l.TenantID, &l.DeploymentID, &l.LmsUserID,
		&l.LmsUserEmail, &l.LmsUserName, &l.UserRole, &l.LmsContextTitle, &status, &grade, &given, &maximum,
		&lease, &launched, &expires, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, lr.ErrNotFound
		}
		return nil, err
	}
	l.Status = lr.Status(status)
	l.GradeStatus = lr.GradeStatus(grade)
	if given.Valid {
		l.ScoreGiven = &given.Float64
	}
	if maximum.Valid {
		l.ScoreMaximum = &maximum.Float64
	}
	if lease.Valid {
		t := time.UnixMilli(lease.Int64).UTC()
		l.GradeLeaseUntil = &t
	}
	l.LaunchedAt = time.UnixMilli(launched).UTC()
	l.ExpiresAt = time.UnixMilli(expires).UTC()
	if completed.Valid {
		t := time.UnixMilli(completed.Int64).UTC()
		l.CompletedAt = &t
	}
	return &l, nil
}

// expireLaunches keeps launches with a live grade lease ACTIVE so the passback can settle.
// A lapsed claim is settled to FAILED along with the expiry.
const expireLaunches = `
		UPDATE lti_launches SET status = 'EXPIRED',
			grade_status = CASE WHEN grade_status = 'PENDING' THEN 'FAILED' ELSE grade_status END,
			grade_lease_until = NULL
		WHERE status = 'ACTIVE' AND expires_at <= :now
			AND (grade_status <> 'PENDING' OR grade_lease_until IS NULL OR grade_lease_until <= :now)`

func (r *SQLiteRepo) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.applied(r.db.ExecContext(ctx, expireLaunches+` AND id = :id`,
		sql.Named("now", now.UTC().UnixMilli()), sql.Named("id", id)))
}

func (r *SQLiteRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, expireLaunches, sql.Named("now", now.UTC().UnixMilli()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRepo) CompleteLaunch(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.applied(r.db.ExecContext(ctx, `
		UPDATE lti_launches SET status = 'COMPLETED', completed_at = ? WHERE id = ? AND status = 'ACTIVE'`,
		now.UTC().UnixMilli(), id))
}

func (r *SQLiteRepo) ClaimGrade(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	return r.applied(r.db.ExecContext(ctx, `
		UPDATE lti_launches SET grade_status = 'PENDING', grade_lease_until = :lease
		WHERE id = :id AND status NOT IN ('EXPIRED', 'ERROR')
			AND (grade_status IN ('NONE', 'FAILED')
				OR (grade_status = 'PENDING' AND (grade_lease_until IS NULL OR grade_lease_until <= :now)))`,
		sql.Named("lease", leaseUntil.UTC().UnixMilli()), sql.Named("id", id), sql.Named("now", now.UTC().UnixMilli())))
}

func (r *SQLiteRepo) RecordGrade(ctx context.Context, id string, lease time.Time, scoreGiven, scoreMaximum float64) (bool, error) {
	return r.applied(r.db.ExecContext(ctx, `
		UPDATE lti_launches SET grade_status = 'SENT', score_given = ?, score_maximum = ?, grade_lease_until = NULL
		WHERE id = ? AND status NOT IN ('EXPIRED', 'ERROR') AND grade_status = 'PENDING' AND grade_lease_until = ?`,
		scoreGiven, scoreMaximum, id, lease.UTC().UnixMilli()))
}

func (r *SQLiteRepo) ReleaseGrade(ctx context.Context, id string, lease time.Time) (bool, error) {
	return r.applied(r.db.ExecContext(ctx, `
		UPDATE lti_launches SET grade_status = 'FAILED', grade_lease_until = NULL
		WHERE id = ? AND grade_status = 'PENDING' AND grade_lease_until = ?`,
		id, lease.UTC().UnixMilli()))
}

func (r *SQLiteRepo) applied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
