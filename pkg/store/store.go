// Package store persists State between runs of a job, so a cursor saved
// by one run is where the next one starts.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ravi-parthasarathy/baton/pkg/state"
)

// ErrNotFound is returned by Load when nothing has been saved under a key.
var ErrNotFound = errors.New("store: key not found")

// Store loads and saves State documents by key.
type Store interface {
	Load(ctx context.Context, key string) (state.State, error)
	Save(ctx context.Context, key string, st state.State) error
	Close() error
}

// Open selects a store from uri. redis:// and rediss:// URIs open a
// RedisStore; file:// URIs and bare paths open a FileStore.
func Open(ctx context.Context, uri string) (Store, error) {
	switch {
	case uri == "":
		return nil, fmt.Errorf("store: empty uri")
	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		return OpenRedis(ctx, uri)
	case strings.HasPrefix(uri, "file://"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("store: parse %q: %w", uri, err)
		}
		return NewFileStore(u.Host + u.Path)
	case strings.Contains(uri, "://"):
		return nil, fmt.Errorf("store: unsupported scheme in %q", uri)
	default:
		return NewFileStore(uri)
	}
}

// validKey rejects keys that would escape a directory or collide with
// the Redis prefix separator.
func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("store: empty key")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("store: invalid key %q", key)
	}
	return nil
}
