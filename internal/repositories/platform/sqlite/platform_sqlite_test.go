package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	repoIface "github.com/quipper/poc/lti/tool/pkg/repositories/platform"
)

func newRepo(t *testing.T) *SQLiteRepo {
	t.Helper()
	r, err := NewSQLiteRepo(filepath.Join(t.TempDir(), "platform.db"))
	require.NoError(t, err)
	t.Cleanup(r.Disconnect)
	return r
}

func canvas() *repoIface.Registration {
	return &repoIface.Registration{
		TenantID:          "tenant-1",
		Issuer:            "https://canvas.example.edu",
		ClientID:          "abc123",
		DeploymentIDs:     []string{"dep1"},
		AuthLoginURL:      "https://canvas.example.edu/api/lti/authorize_redirect",
		AuthTokenURL:      "https://canvas.example.edu/login/oauth2/token",
		JWKSURL:           "https://canvas.example.edu/api/lti/security/jwks",
		ToolPrivateKeyRef: "default",
		ToolPublicKeyID:   "tool-kid-1",
		Enabled:           true,
	}
}

func TestUpsertAndLookup(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	reg := canvas()
	require.NoError(t, r.Upsert(ctx, reg))
	require.NotEmpty(t, reg.ID)

	got, err := r.GetByIssuerClient(ctx, "https://canvas.example.edu", "abc123")
	require.NoError(t, err)
	require.Equal(t, reg.ID, got.ID)
	require.Equal(t, []string{"dep1"}, got.DeploymentIDs)
	require.True(t, got.Enabled)

	byID, err := r.GetByID(ctx, reg.ID)
	require.NoError(t, err)
	require.Equal(t, "tool-kid-1", byID.ToolPublicKeyID)
}

func TestLookupIsCaseSensitive(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	require.NoError(t, r.Upsert(ctx, canvas()))

	_, err := r.GetByIssuerClient(ctx, "https://Canvas.example.edu", "abc123")
	require.True(t, errors.Is(err, repoIface.ErrNotFound))
	_, err = r.GetByIssuerClient(ctx, "https://canvas.example.edu", "ABC123")
	require.True(t, errors.Is(err, repoIface.ErrNotFound))
}

func TestUpsertUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	first := canvas()
	require.NoError(t, r.Upsert(ctx, first))

	second := canvas()
	second.DeploymentIDs = []string{"dep1", "dep2"}
	second.Enabled = false
	require.NoError(t, r.Upsert(ctx, second))
	require.Equal(t, first.ID, second.ID)

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].Enabled)
	require.Equal(t, []string{"dep1", "dep2"}, all[0].DeploymentIDs)

	byIssuer, err := r.ListByIssuer(ctx, "https://canvas.example.edu")
	require.NoError(t, err)
	require.Len(t, byIssuer, 1)
}
