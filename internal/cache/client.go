// Package cache provides caching and pub/sub infrastructure for the
// extraction engine.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// Client defines the cache interface.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Close() error
}

// PubSub defines channel-based message fan-out. Both cache clients implement
// it, which lets the event relay run against the memory client in tests.
type PubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// CacheKey generates a cache key from components.
func CacheKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

// DocumentTypeKey generates a document-type-scoped cache key.
func DocumentTypeKey(documentTypeID string, parts ...string) string {
	return CacheKey(append([]string{"doctype", documentTypeID}, parts...)...)
}

// DocumentKey generates a document-scoped cache key.
func DocumentKey(documentID string, parts ...string) string {
	return CacheKey(append([]string{"doc", documentID}, parts...)...)
}
