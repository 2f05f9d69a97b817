package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spherical/batch-extractor/internal/domain"
)

// RedisStore keeps checkpoints in one hash so several hosts can share a
// batch. Durability follows the server's persistence settings.
type RedisStore struct {
	client *redis.Client
	key    string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Batch    string // namespaces the hash, usually the output folder
}

// OpenRedisStore connects and pings the server.
func OpenRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, domain.CheckpointError("redis ping failed", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "bx:"
	}

	return &RedisStore{
		client: client,
		key:    fmt.Sprintf("%scheckpoint:%s", prefix, cfg.Batch),
	}, nil
}

// IsCompleted reports whether the hash has a field for taskID.
func (s *RedisStore) IsCompleted(ctx context.Context, taskID string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.key, taskID).Result()
	if err != nil {
		return false, domain.CheckpointError("redis hexists", err)
	}
	return ok, nil
}

// MarkCompleted sets the field only if absent.
func (s *RedisStore) MarkCompleted(ctx context.Context, rec domain.CheckpointRecord) error {
	if rec.TaskID == "" {
		return domain.CheckpointError("empty task id", nil)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return domain.CheckpointError("encode checkpoint record", err)
	}
	if err := s.client.HSetNX(ctx, s.key, rec.TaskID, data).Err(); err != nil {
		return domain.CheckpointError(fmt.Sprintf("redis hsetnx %s", rec.TaskID), err)
	}
	return nil
}

// Completed reads the whole hash.
func (s *RedisStore) Completed(ctx context.Context) (map[string]domain.CheckpointRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]domain.CheckpointRecord{}, nil
	}
	if err != nil {
		return nil, domain.CheckpointError("redis hgetall", err)
	}

	out := make(map[string]domain.CheckpointRecord, len(fields))
	for id, raw := range fields {
		var rec domain.CheckpointRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			rec = domain.CheckpointRecord{TaskID: id}
		}
		out[id] = rec
	}
	return out, nil
}

// Client exposes the connection for the progress publisher.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
