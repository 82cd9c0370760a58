//go:build integration

package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	s, err := NewRedisStore(ctx, RedisConfig{Addr: host + ":" + port.Port(), MaxPerOwner: 2, TTL: time.Hour})
	require.NoError(t, err)
	defer s.Close()

	for _, id := range []string{"D1", "D2", "D3"} {
		e := NewEntry("alice", KindConverted)
		e.DocumentID = id
		require.NoError(t, s.Record(ctx, e))
	}

	got, err := s.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "D3", got[0].DocumentID)
	assert.Equal(t, "D2", got[1].DocumentID)

	ttl, err := s.client.TTL(ctx, s.key("alice")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
