package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spherical/batch-extractor/internal/domain"
)

// RedisPublisher publishes snapshots on a Redis channel so dashboards on
// other hosts can follow a run.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	runID   string
	owned   bool
}

// ProgressMessage is the JSON payload sent on the channel.
type ProgressMessage struct {
	RunID    string                  `json:"run_id"`
	Progress domain.ProgressSnapshot `json:"progress"`
}

// NewRedisPublisher publishes through an existing client.
func NewRedisPublisher(client *redis.Client, prefix, runID string) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: prefix + "progress",
		runID:   runID,
	}
}

// DialRedisPublisher connects to addr and publishes through its own client.
func DialRedisPublisher(ctx context.Context, addr string, db int, prefix, runID string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	p := NewRedisPublisher(client, prefix, runID)
	p.owned = true
	return p, nil
}

// Channel is the channel name snapshots go to.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Publish sends snap as JSON.
func (p *RedisPublisher) Publish(ctx context.Context, snap domain.ProgressSnapshot) error {
	data, err := json.Marshal(ProgressMessage{RunID: p.runID, Progress: snap})
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close closes the client if the publisher opened it.
func (p *RedisPublisher) Close() error {
	if p.owned {
		return p.client.Close()
	}
	return nil
}
