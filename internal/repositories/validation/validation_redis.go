package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	vrepo "github.com/quipper/poc/lti/tool/pkg/repositories/validation"
)

const loginStatePrefix = "lti:login_state:"

// RedisRepo keeps login states as JSON values with a native TTL. Consumption is GETDEL,
// so the read and the invalidation are a single server-side command.
type RedisRepo struct {
	client *redis.Client
}

// NewRedisRepo parses a redis:// URL; password overrides the one in the URL when set.
func NewRedisRepo(ctx context.Context, url, password string) (*RedisRepo, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRepo{client: client}, nil
}

func NewRedisRepoWithClient(client *redis.Client) *RedisRepo {
	return &RedisRepo{client: client}
}

var _ vrepo.Repository = (*RedisRepo)(nil)

func (r *RedisRepo) SaveLoginState(ctx context.Context, s *vrepo.LoginState, ttl time.Duration) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, loginStatePrefix+s.State, b, ttl).Result()
	if err != nil {
		return fmt.Errorf("save login state: %w", err)
	}
	if !ok {
		return errors.New("save login state: state already exists")
	}
	return nil
}

func (r *RedisRepo) ConsumeLoginState(ctx context.Context, state string) (*vrepo.LoginState, error) {
	raw, err := r.client.GetDel(ctx, loginStatePrefix+state).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, vrepo.ErrStateNotFound
		}
		return nil, err
	}
	var s vrepo.LoginState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode login state: %w", err)
	}
	s.Consumed = true
	return &s, nil
}

func (r *RedisRepo) Disconnect() { _ = r.client.Close() }
