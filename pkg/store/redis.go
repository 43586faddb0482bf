package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// DefaultRedisPrefix namespaces keys written by RedisStore.
const DefaultRedisPrefix = "baton:state:"

// RedisClient is the subset of go-redis client methods used by RedisStore.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore keeps one JSON document per key in Redis.
type RedisStore struct {
	client RedisClient
	prefix string
}

// OpenRedis connects to the server named by a redis:// URI and checks
// the connection with PING.
func OpenRedis(ctx context.Context, uri string) (*RedisStore, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis uri: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisStore(client, DefaultRedisPrefix), nil
}

// NewRedisStore wraps an existing client. An empty prefix is allowed.
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(key string) string { return r.prefix + key }

// Load reads the document saved under key.
func (r *RedisStore) Load(ctx context.Context, key string) (state.State, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get %q: %w", key, err)
	}
	st, err := state.Decode(bytes.NewReader(raw), state.FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return st, nil
}

// Save replaces the document under key. Documents never expire.
func (r *RedisStore) Save(ctx context.Context, key string, st state.State) error {
	if err := validKey(key); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := state.Encode(&buf, st, state.FormatJSON); err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	if err := r.client.Set(ctx, r.key(key), buf.Bytes(), 0).Err(); err != nil {
		return fmt.Errorf("store: redis set %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error { return r.client.Close() }
