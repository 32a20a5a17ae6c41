// Package barcache is a read-through Redis cache in front of a bar source.
// Entries are keyed by the current bar boundary, so a cached sequence is
// reused only while no new bar could have closed. Redis being down never
// fails a fetch; the cache degrades to a passthrough.
package barcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"signalbot/internal/model"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Cache decorates a model.BarSource with Redis caching.
type Cache struct {
	client *goredis.Client
	source model.BarSource
	now    func() time.Time
}

// New connects to Redis and wraps the source. The connection is verified
// with a ping so misconfiguration surfaces at startup.
func New(cfg Config, source model.BarSource) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("barcache: redis ping: %w", err)
	}
	log.Printf("[barcache] connected to %s", cfg.Addr)
	return &Cache{
		client: client,
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Passthrough returns a cache without Redis; every fetch goes straight to
// the source. Used when no Redis address is configured.
func Passthrough(source model.BarSource) *Cache {
	return &Cache{
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FetchBars implements model.BarSource.
func (c *Cache) FetchBars(ctx context.Context, symbol string, tf model.Timeframe, count int) ([]model.Bar, error) {
	if c.client == nil {
		return c.source.FetchBars(ctx, symbol, tf, count)
	}

	d := tf.Duration()
	boundary := c.now().Truncate(d)
	key := fmt.Sprintf("bars:%s:%s:%d:%d", symbol, tf, count, boundary.Unix())

	if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var bars []model.Bar
		if json.Unmarshal(data, &bars) == nil && len(bars) > 0 {
			return bars, nil
		}
	} else if err != goredis.Nil {
		log.Printf("[barcache] get %s: %v", key, err)
	}

	bars, err := c.source.FetchBars(ctx, symbol, tf, count)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(bars); err == nil {
		// Entry is stale once the next bar closes anyway.
		if err := c.client.Set(ctx, key, data, d).Err(); err != nil {
			log.Printf("[barcache] set %s: %v", key, err)
		}
	}
	return bars, nil
}

// Client exposes the underlying Redis client for health checks. Nil in
// passthrough mode.
func (c *Cache) Client() *goredis.Client {
	return c.client
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
