package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"pipeyard/internal/domain"
)

const capacityKey = "pipeyard:capacity:areas"

// Source computes the capacity summary from the store.
type Source interface {
	CapacityByArea(ctx context.Context) ([]domain.AreaCapacity, error)
}

// Capacity is a read-through cache for the per-area capacity summary.
// Without a client every call goes to Source. Redis failures are logged and
// never fail the read.
type Capacity struct {
	Client redis.Cmdable
	Source Source
	TTL    time.Duration
	Logger *log.Logger
}

func (c Capacity) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c Capacity) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return 5 * time.Second
}

// Summary returns the cached summary or recomputes and stores it.
func (c Capacity) Summary(ctx context.Context) ([]domain.AreaCapacity, error) {
	if c.Client != nil {
		raw, err := c.Client.Get(ctx, capacityKey).Bytes()
		switch {
		case err == nil:
			var out []domain.AreaCapacity
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
			c.logger().Printf("cache: discarding unreadable capacity entry")
		case !errors.Is(err, redis.Nil):
			c.logger().Printf("cache: get capacity: %v", err)
		}
	}
	out, err := c.Source.CapacityByArea(ctx)
	if err != nil {
		return nil, err
	}
	if c.Client != nil {
		data, err := json.Marshal(out)
		if err == nil {
			err = c.Client.Set(ctx, capacityKey, data, c.ttl()).Err()
		}
		if err != nil {
			c.logger().Printf("cache: set capacity: %v", err)
		}
	}
	return out, nil
}

// Invalidate drops the cached summary after a capacity change.
func (c Capacity) Invalidate(ctx context.Context) {
	if c.Client == nil {
		return
	}
	if err := c.Client.Del(ctx, capacityKey).Err(); err != nil {
		c.logger().Printf("cache: invalidate capacity: %v", err)
	}
}

// NewClient connects to addr and checks the connection.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
