// Package redis caches url to item id lookups for the admission layer.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

const (
	keyPrefix         = "crawlqueue:url:"
	connectionTimeout = 5 * time.Second
)

// Config holds Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// Keyer derives the cache key suffix for a kind and url.
type Keyer interface {
	Key(parts ...string) string
}

// Index is a url to id cache. The store stays authoritative; a stale entry
// only costs an extra read.
type Index struct {
	client redis.Cmdable
	keyer  Keyer
	ttl    time.Duration
}

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New builds an Index; ttl <= 0 keeps entries forever.
func New(client redis.Cmdable, keyer Keyer, ttl time.Duration) *Index {
	if ttl < 0 {
		ttl = 0
	}
	return &Index{client: client, keyer: keyer, ttl: ttl}
}

func (i *Index) key(kind queue.Kind, url string) string {
	return keyPrefix + i.keyer.Key(string(kind), url)
}

// Lookup returns the cached id, or ok=false on a miss.
func (i *Index) Lookup(ctx context.Context, kind queue.Kind, url string) (string, bool, error) {
	id, err := i.client.Get(ctx, i.key(kind, url)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return id, true, nil
}

// Remember caches id for kind and url.
func (i *Index) Remember(ctx context.Context, kind queue.Kind, url, id string) error {
	if err := i.client.Set(ctx, i.key(kind, url), id, i.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Forget drops the cached entry.
func (i *Index) Forget(ctx context.Context, kind queue.Kind, url string) error {
	if err := i.client.Del(ctx, i.key(kind, url)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
