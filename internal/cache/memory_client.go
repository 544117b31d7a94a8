package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryClient implements an in-process cache with pub/sub for development
// and tests.
type MemoryClient struct {
	mu      sync.RWMutex
	data    map[string]cacheEntry
	maxSize int

	subs      map[string]map[int]chan []byte
	nextSubID int

	done   chan struct{}
	closed bool
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryClient creates a new in-memory cache client.
func NewMemoryClient(maxSize int) *MemoryClient {
	if maxSize <= 0 {
		maxSize = 10000
	}

	c := &MemoryClient{
		data:    make(map[string]cacheEntry),
		maxSize: maxSize,
		subs:    make(map[string]map[int]chan []byte),
		done:    make(chan struct{}),
	}

	// Start cleanup goroutine
	go c.cleanup()

	return c
}

// Get retrieves a value from cache.
func (c *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}

	if time.Now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}

	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple eviction if at max size
	if len(c.data) >= c.maxSize {
		c.evictOldest()
	}

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

// Delete removes a value from cache.
func (c *MemoryClient) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// DeleteByPrefix removes all keys with the given prefix.
func (c *MemoryClient) DeleteByPrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.data {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.data, key)
		}
	}

	return nil
}

// Close stops the cleanup goroutine and closes every subscriber channel.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	for channel, subs := range c.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(c.subs, channel)
	}
	return nil
}

// Publish fans a message out to every subscriber of the channel. Slow
// subscribers have messages dropped rather than blocking the publisher.
func (c *MemoryClient) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil
	}
	for _, ch := range c.subs[channel] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for the channel. The returned function
// removes the subscription and closes the message channel.
func (c *MemoryClient) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, fmt.Errorf("memory cache closed")
	}

	ch := make(chan []byte, 100)
	id := c.nextSubID
	c.nextSubID++

	if c.subs[channel] == nil {
		c.subs[channel] = make(map[int]chan []byte)
	}
	c.subs[channel][id] = ch

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[channel][id]; ok {
			close(sub)
			delete(c.subs[channel], id)
		}
	}

	return ch, unsubscribe, nil
}

// evictOldest removes the entry with the earliest expiration.
func (c *MemoryClient) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.data {
		if oldestKey == "" || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
		}
	}

	if oldestKey != "" {
		delete(c.data, oldestKey)
	}
}

// cleanup periodically removes expired entries until Close.
func (c *MemoryClient) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.data {
				if now.After(entry.expiresAt) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
