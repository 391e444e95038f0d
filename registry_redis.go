package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "studio:"

// RedisRegistry stores sessions as JSON strings with an index set of ids.
type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry connects lazily to the configured server.
func NewRedisRegistry(config RegistryConfig) *RedisRegistry {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
	return NewRedisRegistryWithClient(rdb, config.RedisPrefix, 0)
}

// NewRedisRegistryWithClient uses an existing client. Entries expire after
// ttl unless it is zero.
func NewRedisRegistryWithClient(rdb *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisRegistry{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisRegistry) indexKey() string            { return r.prefix + "sessions" }

func (r *RedisRegistry) Save(ctx context.Context, session *RecordingSession) error {
	data, err := json.Marshal(metadataOnly(session))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.rdb.Set(ctx, r.sessionKey(session.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if err := r.rdb.SAdd(ctx, r.indexKey(), session.ID).Err(); err != nil {
		return fmt.Errorf("redis index: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Load(ctx context.Context, id string) (*RecordingSession, error) {
	data, err := r.rdb.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var s RecordingSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis members: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	n, err := r.rdb.Del(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if err := r.rdb.SRem(ctx, r.indexKey(), id).Err(); err != nil {
		return fmt.Errorf("redis index: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// Close closes the client.
func (r *RedisRegistry) Close() error { return r.rdb.Close() }
