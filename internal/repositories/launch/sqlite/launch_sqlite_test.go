package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
)

func newRepo(t *testing.T) *SQLiteRepo {
	t.Helper()
	r, err := NewSQLiteRepo(filepath.Join(t.TempDir(), "launch.db"))
	require.NoError(t, err)
	t.Cleanup(r.Disconnect)
	return r
}

func activeLaunch(now time.Time) *lr.Launch {
	return &lr.Launch{
		LtiToolID:  "reg-1",
		TenantID:   "tenant-1",
		LmsUserID:  "user-1",
		UserRole:   "Learner",
		Status:     lr.StatusActive,
		LaunchedAt: now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func TestResolveOrCreateLinkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	first, err := r.ResolveOrCreateLink(ctx, "reg-1", "rl-1", "ctx-1", lr.AGSEndpoint{LineItemsURL: "https://lms/lineitems"}, "Quiz 1")
	require.NoError(t, err)
	require.Equal(t, float64(lr.DefaultMaxPoints), first.MaxPoints)
	require.Empty(t, first.LineItemID)

	require.NoError(t, r.SetLinkLineItem(ctx, first.ID, "https://lms/lineitems/7"))

	second, err := r.ResolveOrCreateLink(ctx, "reg-1", "rl-1", "ctx-other", lr.AGSEndpoint{LineItemURL: "https://lms/lineitems/9"}, "")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "ctx-1", second.LmsContextID)
	require.Equal(t, "Quiz 1", second.Title)
	require.Equal(t, "https://lms/lineitems/7", second.LineItemID, "resolved line item is kept")

	other, err := r.ResolveOrCreateLink(ctx, "reg-2", "rl-1", "ctx-1", lr.AGSEndpoint{}, "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestLinkContentReferencesAreExclusive(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	link, err := r.ResolveOrCreateLink(ctx, "reg-1", "rl-1", "ctx-1", lr.AGSEndpoint{}, "")
	require.NoError(t, err)

	_, err = r.db.ExecContext(ctx, `UPDATE lti_links SET lo_version_id = 'lo-1', activity_template_id = 'tpl-1' WHERE id = ?`, link.ID)
	require.Error(t, err)
}

func TestLaunchRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	l := activeLaunch(now)
	require.NoError(t, r.CreateLaunch(ctx, l))
	require.NotEmpty(t, l.ID)

	got, err := r.GetLaunch(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, lr.StatusActive, got.Status)
	require.Equal(t, lr.GradeNone, got.GradeStatus)
	require.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
	require.Nil(t, got.ScoreGiven)

	_, err = r.GetLaunch(ctx, "missing")
	require.True(t, errors.Is(err, lr.ErrNotFound))
}

func TestMarkExpiredOnlyAfterExpiry(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	now := time.Now().UTC()
	l := activeLaunch(now)
	require.NoError(t, r.CreateLaunch(ctx, l))

	ok, err := r.MarkExpired(ctx, l.ID, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = r.MarkExpired(ctx, l.ID, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.MarkExpired(ctx, l.ID, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, ok, "already expired")

	got, err := r.GetLaunch(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, lr.StatusExpired, got.Status)
}

func TestExpiredLaunchIsFrozen(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	now := time.Now().UTC()
	l := activeLaunch(now)
	require.NoError(t, r.CreateLaunch(ctx, l))
	_, err := r.MarkExpired(ctx, l.ID, now.Add(2*time.Hour))
	require.NoError(t, err)

	ok, err := r.ClaimGrade(ctx, l.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = r.CompleteLaunch(ctx, l.ID, now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGradeTransitions(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	lease := now.Add(3 * time.Hour)
	l := activeLaunch(now)
	require.NoError(t, r.CreateLaunch(ctx, l))

	ok, err := r.RecordGrade(ctx, l.ID, lease, 85, 100)
	require.NoError(t, err)
	require.False(t, ok, "SENT requires PENDING")

	ok, err = r.ClaimGrade(ctx, l.ID, now, lease)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.ClaimGrade(ctx, l.ID, now, now.Add(4*time.Hour))
	require.NoError(t, err)
	require.False(t, ok, "second claimant loses")

	ok, err = r.MarkExpired(ctx, l.ID, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, ok, "live lease blocks expiry")

	ok, err = r.RecordGrade(ctx, l.ID, now.Add(4*time.Hour), 85, 100)
	require.NoError(t, err)
	require.False(t, ok, "only the lease holder settles")

	ok, err = r.RecordGrade(ctx, l.ID, lease, 85, 100)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := r.GetLaunch(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, lr.GradeSent, got.GradeStatus)
	require.Equal(t, 85.0, *got.ScoreGiven)
	require.Equal(t, 100.0, *got.ScoreMaximum)
	require.Nil(t, got.GradeLeaseUntil)
	require.Equal(t, lr.StatusActive, got.Status)

	n, err := r.ExpireStale(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestLapsedGradeClaim(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	l := activeLaunch(now)
	require.NoError(t, r.CreateLaunch(ctx, l))

	first := now.Add(time.Minute)
	ok, err := r.ClaimGrade(ctx, l.ID, now, first)
	require.NoError(t, err)
	require.True(t, ok)

	later := now.Add(2 * time.Minute)
	second := later.Add(time.Minute)
	ok, err = r.ClaimGrade(ctx, l.ID, later, second)
	require.NoError(t, err)
	require.True(t, ok, "a lapsed claim can be taken over")

	ok, err = r.ReleaseGrade(ctx, l.ID, first)
	require.NoError(t, err)
	require.False(t, ok, "the abandoned sender no longer owns the claim")

	ok, err = r.ReleaseGrade(ctx, l.ID, second)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := r.GetLaunch(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, lr.GradeFailed, got.GradeStatus)
}

func TestExpirySettlesLapsedClaim(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	l := activeLaunch(now)
	require.NoError(t, r.CreateLaunch(ctx, l))
	ok, err := r.ClaimGrade(ctx, l.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := r.ExpireStale(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := r.GetLaunch(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, lr.StatusExpired, got.Status)
	require.Equal(t, lr.GradeFailed, got.GradeStatus)
	require.Nil(t, got.GradeLeaseUntil)
}

func TestCompleteLaunch(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	now := time.Now().UTC()
	l := activeLaunch(now)
	require.NoError(t, r.CreateLaunch(ctx, l))

	ok, err := r.CompleteLaunch(ctx, l.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := r.GetLaunch(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, lr.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}
