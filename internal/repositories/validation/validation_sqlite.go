package validation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	vrepo "github.com/quipper/poc/lti/tool/pkg/repositories/validation"
)

// SQLiteRepo keeps login states in SQLite when no Redis is configured.
type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(dsn string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	// Pragmas safe for simple single-process usage
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRepo{db: db, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS lti_login_states (
    state TEXT PRIMARY KEY,
    nonce TEXT NOT NULL,
    platform_registration_id TEXT NOT NULL,
    target_link_uri TEXT NOT NULL,
    lti_message_hint TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    used INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_login_states_expires_at ON lti_login_states(expires_at);
`)
	return err
}

func (r *SQLiteRepo) Disconnect() { _ = r.db.Close() }

var _ vrepo.Repository = (*SQLiteRepo)(nil)

func (r *SQLiteRepo) SaveLoginState(ctx context.Context, s *vrepo.LoginState, ttl time.Duration) error {
	now := r.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Cleanup expired and consumed rows (best-effort)
	_, _ = tx.ExecContext(ctx, `DELETE FROM lti_login_states WHERE expires_at <= ? OR used = 1`, now.UnixMilli())

	_, err = tx.ExecContext(ctx, `
INSERT INTO lti_login_states (state, nonce, platform_registration_id, target_link_uri, lti_message_hint, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.State, s.Nonce, s.PlatformRegistrationID, s.TargetLinkURI, s.LtiMessageHint,
		s.CreatedAt.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("save login state: %w", err)
	}
	return tx.Commit()
}

// ConsumeLoginState flips used in the same statement that checks it, so two concurrent
// callbacks cannot both see used = 0.
func (r *SQLiteRepo) ConsumeLoginState(ctx context.Context, state string) (*vrepo.LoginState, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE lti_login_states SET used = 1
WHERE state = ? AND used = 0 AND expires_at > ?
RETURNING nonce, platform_registration_id, target_link_uri, lti_message_hint, created_at`,
		state, r.now().UnixMilli())
	s := vrepo.LoginState{State: state, Consumed: true}
	var created int64
	if err := row.Scan(&s.Nonce, &s.PlatformRegistrationID, &s.TargetLinkURI, &s.LtiMessageHint, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, vrepo.ErrStateNotFound
		}
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(created).UTC()
	return &s, nil
}
