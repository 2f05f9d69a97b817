//go:build integration

package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/spherical/batch-extractor/internal/domain"
)

func TestRedisPublisher_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	addr := fmt.Sprintf("%s:%s", host, port.Port())

	pub, err := DialRedisPublisher(ctx, addr, 0, "bx:", "run-42")
	require.NoError(t, err)
	defer pub.Close()

	sub := redis.NewClient(&redis.Options{Addr: addr})
	defer sub.Close()
	ps := sub.Subscribe(ctx, pub.Channel())
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, domain.ProgressSnapshot{Total: 5, Completed: 2}))

	msgCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := ps.ReceiveMessage(msgCtx)
	require.NoError(t, err)

	var got ProgressMessage
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "run-42", got.RunID)
	assert.Equal(t, 5, got.Progress.Total)
	assert.Equal(t, 2, got.Progress.Completed)
	assert.Equal(t, "bx:progress", pub.Channel())
}
