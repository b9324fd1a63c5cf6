/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for directory lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/models"
)

// Default TTL values for different cache types
const (
	DefaultDirectoryTTL  = 30 * time.Second
	DefaultCapabilityTTL = 30 * time.Second
)

// Key prefixes for Redis cache
const (
	keyPrefix     = "equigrid:cache:"
	KeyDirectory  = keyPrefix + "directory"
	KeyCapability = keyPrefix + "capability:" // + capability
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL overrides
	DirectoryTTL  time.Duration
	CapabilityTTL time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		DirectoryTTL:   DefaultDirectoryTTL,
		CapabilityTTL:  DefaultCapabilityTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance. An unreachable Redis yields a disabled cache, not an error.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		_ = client.Close()
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// delete removes a key from cache.
func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// SCAN rather than KEYS so a large keyspace does not block Redis.
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Directory caching methods

// GetDirectory retrieves the cached full directory listing.
func (c *Cache) GetDirectory(ctx context.Context) ([]models.DirectoryEntry, bool) {
	var entries []models.DirectoryEntry
	found, err := c.get(ctx, KeyDirectory, &entries)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Int("count", len(entries)).Msg("directory cache hit")
	return entries, true
}

// SetDirectory caches the full directory listing.
func (c *Cache) SetDirectory(ctx context.Context, entries []models.DirectoryEntry) error {
	c.logger.Debug().Int("count", len(entries)).Msg("caching directory")
	return c.set(ctx, KeyDirectory, entries, c.config.DirectoryTTL)
}

// GetCapability retrieves the cached equiplets advertising capability.
func (c *Cache) GetCapability(ctx context.Context, capability string) ([]models.DirectoryEntry, bool) {
	var entries []models.DirectoryEntry
	found, err := c.get(ctx, KeyCapability+capability, &entries)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("capability", capability).Int("count", len(entries)).Msg("capability cache hit")
	return entries, true
}

// SetCapability caches the equiplets advertising capability.
func (c *Cache) SetCapability(ctx context.Context, capability string, entries []models.DirectoryEntry) error {
	c.logger.Debug().Str("capability", capability).Int("count", len(entries)).Msg("caching capability lookup")
	return c.set(ctx, KeyCapability+capability, entries, c.config.CapabilityTTL)
}

// InvalidateDirectory removes every directory listing from cache.
func (c *Cache) InvalidateDirectory(ctx context.Context) error {
	c.logger.Debug().Msg("invalidating directory caches")
	if err := c.delete(ctx, KeyDirectory); err != nil {
		return err
	}
	return c.deletePattern(ctx, KeyCapability+"*")
}
