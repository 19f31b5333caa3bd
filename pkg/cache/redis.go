package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/papertrader/pkg/terminal"
)

const (
	keyPrefix  = "terminal:"
	DefaultTTL = 2 * time.Minute
)

// SnapshotCache keeps the last published terminal snapshot per symbol so a
// restarted process or another reader can show last-known-good data.
type SnapshotCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *logrus.Logger
}

// NewSnapshotCache connects to redisURL and verifies the connection.
func NewSnapshotCache(ctx context.Context, redisURL string, ttl time.Duration, logger *logrus.Logger) (*SnapshotCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewSnapshotCacheWithClient(client, ttl, logger), nil
}

func NewSnapshotCacheWithClient(client redis.UniversalClient, ttl time.Duration, logger *logrus.Logger) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SnapshotCache{client: client, ttl: ttl, logger: logger}
}

func snapshotKey(symbol string) string {
	return keyPrefix + strings.ToUpper(symbol)
}

// Publish stores snap under its symbol with the configured TTL.
func (c *SnapshotCache) Publish(ctx context.Context, snap terminal.Snapshot) error {
	if snap.Symbol == "" {
		return errors.New("snapshot has no symbol")
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := snapshotKey(snap.Symbol)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s failed: %w", key, err)
	}

	c.logger.WithFields(logrus.Fields{
		"key":   key,
		"bytes": len(data),
	}).Debug("Published snapshot")
	return nil
}

// Get returns the cached snapshot for symbol, or nil when none is cached.
func (c *SnapshotCache) Get(ctx context.Context, symbol string) (*terminal.Snapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var snap terminal.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode cached snapshot: %w", err)
	}
	return &snap, nil
}

func (c *SnapshotCache) Close() error {
	return c.client.Close()
}
