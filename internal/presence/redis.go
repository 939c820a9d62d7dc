package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// clearIfCurrentScript deletes the user's entry only when it still names
// the given connection. KEYS[1] entry key, KEYS[2] online set.
var clearIfCurrentScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == ARGV[1] then
		redis.call("DEL", KEYS[1])
		redis.call("SREM", KEYS[2], ARGV[2])
		return 1
	end
	return 0
`)

// RedisStore keeps presence in Redis so several relay processes share it.
// Each user has a string key holding the connection id, and an online set
// backs Count.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entryKey(userID string) string {
	return fmt.Sprintf("%s:presence:user:%s", s.prefix, userID)
}

func (s *RedisStore) onlineKey() string {
	return s.prefix + ":presence:online"
}

func (s *RedisStore) SetOnline(ctx context.Context, userID, connectionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(userID), connectionID, 0)
		pipe.SAdd(ctx, s.onlineKey(), userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.entryKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read presence: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(userID))
		pipe.SRem(ctx, s.onlineKey(), userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearIfCurrent(ctx context.Context, userID, connectionID string) (bool, error) {
	n, err := clearIfCurrentScript.Run(ctx, s.client,
		[]string{s.entryKey(userID), s.onlineKey()},
		connectionID, userID,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to clear presence: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.onlineKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count presence: %w", err)
	}
	return int(n), nil
}

// Ping checks connectivity to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
