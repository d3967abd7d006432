package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeyard/internal/domain"
)

type countingSource struct {
	calls int
	out   []domain.AreaCapacity
	err   error
}

func (s *countingSource) CapacityByArea(context.Context) ([]domain.AreaCapacity, error) {
	s.calls++
	return s.out, s.err
}

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := NewClient(context.Background(), addr)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestSummaryWithoutClientReadsSource(t *testing.T) {
	src := &countingSource{out: []domain.AreaCapacity{{Area: "A", Capacity: 10}}}
	c := Capacity{Source: src}

	for i := 0; i < 2; i++ {
		out, err := c.Summary(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "A", out[0].Area)
	}
	assert.Equal(t, 2, src.calls)
	c.Invalidate(context.Background())
}

func TestSummaryPropagatesSourceError(t *testing.T) {
	src := &countingSource{err: errors.New("boom")}
	_, err := Capacity{Source: src}.Summary(context.Background())
	assert.EqualError(t, err, "boom")
}

func TestSummaryIsCachedUntilInvalidated(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()
	ctx := context.Background()
	client.Del(ctx, capacityKey)

	src := &countingSource{out: []domain.AreaCapacity{{
		Area:           "A",
		Racks:          2,
		Capacity:       200,
		Occupied:       40,
		Available:      160,
		CapacityLinear: decimal.RequireFromString("2400"),
		OccupiedLinear: decimal.RequireFromString("480.5"),
		ReservedLinear: decimal.Zero,
	}}}
	c := Capacity{Client: client, Source: src, TTL: time.Minute}

	first, err := c.Summary(ctx)
	require.NoError(t, err)
	second, err := c.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Available, second[0].Available)
	assert.True(t, second[0].OccupiedLinear.Equal(decimal.RequireFromString("480.5")))

	c.Invalidate(ctx)
	_, err = c.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
	client.Del(ctx, capacityKey)
}
