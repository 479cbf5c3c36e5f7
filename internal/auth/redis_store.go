package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const redisKeyPrefix = "mailproof:credential:"

// RedisStore keeps sealed credentials in Redis so several operator
// machines can share one authorized identity
type RedisStore struct {
	client redis.Cmdable
	sealer *Sealer
}

// NewRedisStore creates a Redis-backed credential store
func NewRedisStore(client redis.Cmdable, sealer *Sealer) *RedisStore {
	return &RedisStore{client: client, sealer: sealer}
}

func (s *RedisStore) key(identity string) string {
	return redisKeyPrefix + identityKey(identity)
}

// Load returns ErrNotFound when the key does not exist
func (s *RedisStore) Load(ctx context.Context, identity string) (*oauth2.Token, error) {
	data, err := s.client.Get(ctx, s.key(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return openToken(s.sealer, data)
}

// Save stores the credential without expiry; refresh tokens outlive access tokens
func (s *RedisStore) Save(ctx context.Context, identity string, tok *oauth2.Token) error {
	sealed, err := sealToken(s.sealer, tok)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(identity), sealed, 0).Err(); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Delete removes the credential
func (s *RedisStore) Delete(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, s.key(identity)).Err(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
