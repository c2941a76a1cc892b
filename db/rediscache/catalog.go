// Package rediscache keeps catalog listings in Redis so repeated catalog
// lookups skip the pricing service.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"quote-cpq/decision/cpq"
)

const (
	DefaultTTL = 5 * time.Minute
	keyPrefix  = "cpq_catalog:"
	scanBatch  = 100
)

// Config for the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Catalog serves cpq.Catalog from Redis and falls back to the wrapped
// catalog on a miss. Cache failures never fail a lookup.
type Catalog struct {
	next   cpq.Catalog
	rdb    redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
}

var _ cpq.Catalog = (*Catalog)(nil)

// NewClient opens a Redis client for cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 2 * time.Second,
		ReadTimeout: time.Second,
	})
}

func NewCatalog(next cpq.Catalog, rdb redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *Catalog) ListRuleSets(ctx context.Context, filter cpq.CatalogFilter) ([]cpq.RuleSet, error) {
	var out []cpq.RuleSet
	key := Key("rule_sets", filter)
	if c.load(ctx, key, &out) {
		return out, nil
	}
	out, err := c.next.ListRuleSets(ctx, filter)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, out)
	return out, nil
}

func (c *Catalog) ListQuoteTemplates(ctx context.Context, filter cpq.CatalogFilter) ([]cpq.QuoteTemplate, error) {
	var out []cpq.QuoteTemplate
	key := Key("quote_templates", filter)
	if c.load(ctx, key, &out) {
		return out, nil
	}
	out, err := c.next.ListQuoteTemplates(ctx, filter)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, out)
	return out, nil
}

// Invalidate drops every cached listing, walking the keyspace with SCAN.
func (c *Catalog) Invalidate(ctx context.Context) error {
	var cursor uint64
	dropped := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan catalog keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to drop catalog keys: %w", err)
			}
			dropped += len(keys)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	c.logger.Info().Int("keys", dropped).Msg("catalog cache flushed")
	return nil
}

// Key names the cache entry of one listing.
func Key(kind string, filter cpq.CatalogFilter) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefix, kind, filter.Status, filter.Keyword)
}

func (c *Catalog) load(ctx context.Context, key string, v any) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding unreadable catalog cache entry")
		return false
	}
	return true
}

func (c *Catalog) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
}
