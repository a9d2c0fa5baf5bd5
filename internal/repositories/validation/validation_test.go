package validation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	vrepo "github.com/quipper/poc/lti/tool/pkg/repositories/validation"
)

func newSQLite(t *testing.T) *SQLiteRepo {
	t.Helper()
	r, err := NewSQLiteRepo(filepath.Join(t.TempDir(), "validation.db"))
	require.NoError(t, err)
	t.Cleanup(r.Disconnect)
	return r
}

func newRedis(t *testing.T) (*RedisRepo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewRedisRepoWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(r.Disconnect)
	return r, mr
}

func sample(state string) *vrepo.LoginState {
	return &vrepo.LoginState{
		State:                  state,
		Nonce:                  "nonce-" + state,
		PlatformRegistrationID: "reg-1",
		TargetLinkURI:          "https://tool.example.com/lti/launch",
		LtiMessageHint:         "hint",
	}
}

func stores(t *testing.T) map[string]vrepo.Repository {
	r, _ := newRedis(t)
	return map[string]vrepo.Repository{"sqlite": newSQLite(t), "redis": r}
}

func TestConsumeOnce(t *testing.T) {
	for name, repo := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.SaveLoginState(ctx, sample("s1"), 10*time.Minute))

			got, err := repo.ConsumeLoginState(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, "nonce-s1", got.Nonce)
			require.Equal(t, "reg-1", got.PlatformRegistrationID)
			require.Equal(t, "hint", got.LtiMessageHint)
			require.True(t, got.Consumed)

			_, err = repo.ConsumeLoginState(ctx, "s1")
			require.True(t, errors.Is(err, vrepo.ErrStateNotFound))

			_, err = repo.ConsumeLoginState(ctx, "never-issued")
			require.True(t, errors.Is(err, vrepo.ErrStateNotFound))
		})
	}
}

func TestConcurrentConsumeHasSingleWinner(t *testing.T) {
	for name, repo := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.SaveLoginState(ctx, sample("race"), 10*time.Minute))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := repo.ConsumeLoginState(ctx, "race"); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestSaveRejectsDuplicateState(t *testing.T) {
	for name, repo := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.SaveLoginState(ctx, sample("dup"), time.Minute))
			require.Error(t, repo.SaveLoginState(ctx, sample("dup"), time.Minute))
		})
	}
}

func TestSQLiteExpiredStateIsNotConsumable(t *testing.T) {
	repo := newSQLite(t)
	ctx := context.Background()
	now := time.Now()
	repo.now = func() time.Time { return now }
	require.NoError(t, repo.SaveLoginState(ctx, sample("old"), 10*time.Minute))

	now = now.Add(11 * time.Minute)
	_, err := repo.ConsumeLoginState(ctx, "old")
	require.True(t, errors.Is(err, vrepo.ErrStateNotFound))
}

func TestRedisExpiredStateIsNotConsumable(t *testing.T) {
	repo, mr := newRedis(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveLoginState(ctx, sample("old"), 10*time.Minute))

	mr.FastForward(11 * time.Minute)
	_, err := repo.ConsumeLoginState(ctx, "old")
	require.True(t, errors.Is(err, vrepo.ErrStateNotFound))
}
