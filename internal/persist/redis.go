package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the part of the redis service the state store needs.
type KV interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

// RedisStore keeps connection state in Redis with a TTL, so abandoned
// sessions expire on their own.
type RedisStore struct {
	kv  KV
	ttl time.Duration
}

func NewRedisStore(kv KV, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisStore{kv: kv, ttl: ttl}
}

func stateKey(connectionID, membershipID string) string {
	return fmt.Sprintf("state:%s:%s", membershipID, connectionID)
}

func (s *RedisStore) Save(ctx context.Context, connectionID, membershipID string, data []byte) error {
	return s.kv.Set(ctx, stateKey(connectionID, membershipID), data, s.ttl)
}

func (s *RedisStore) Load(ctx context.Context, connectionID, membershipID string) ([]byte, error) {
	v, err := s.kv.Get(ctx, stateKey(connectionID, membershipID))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func (s *RedisStore) Delete(ctx context.Context, connectionID, membershipID string) error {
	return s.kv.Del(ctx, stateKey(connectionID, membershipID))
}
