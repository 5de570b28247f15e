// Package redis provides a catalog source that keeps the issue table in a
// Redis key and announces replacements on a pub/sub channel.
// Pushes are applied atomically via a Lua script.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/festivio/numeros/pkg/entitlement"
)

const sourceName = "redis"

// Source loads the catalog from Redis and republishes it on change
type Source struct {
	client  redis.UniversalClient
	config  Config
	holder  *entitlement.CatalogHolder
	logger  entitlement.Logger
	metrics entitlement.Metrics
	push    *redis.Script
}

// Config holds Redis catalog source configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "numeros:")
	KeyPrefix string

	// Channel receives a message whenever the catalog is replaced
	// (default: KeyPrefix + "catalog:updates")
	Channel string

	// RetryDelay is the wait before resubscribing after a dropped
	// subscription (default: 2s)
	RetryDelay time.Duration

	Logger  entitlement.Logger
	Metrics entitlement.Metrics
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "numeros:",
		Channel:    "numeros:catalog:updates",
		RetryDelay: 2 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.KeyPrefix == "" {
		return fmt.Errorf("key prefix is required")
	}
	if c.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	return nil
}

// New creates a new Redis catalog source.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, holder *entitlement.CatalogHolder, config Config) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if holder == nil {
		return nil, fmt.Errorf("catalog holder is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "numeros:"
	}
	if config.Channel == "" {
		config.Channel = config.KeyPrefix + "catalog:updates"
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Source{
		client:  client,
		config:  config,
		holder:  holder,
		logger:  config.Logger,
		metrics: config.Metrics,
		push:    pushScript,
	}
	if s.logger == nil {
		s.logger = &entitlement.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &entitlement.NoopMetrics{}
	}
	return s, nil
}

// pushScript replaces the catalog, bumps its version and announces the
// new version in one step.
var pushScript = redis.NewScript(`
	local catalogKey = KEYS[1]
	local versionKey = KEYS[2]
	local data = ARGV[1]
	local channel = ARGV[2]

	redis.call('SET', catalogKey, data)
	local version = redis.call('INCR', versionKey)
	redis.call('PUBLISH', channel, version)
	return version
`)

// Both keys carry the {catalog} hash tag so the push script touches a single
// cluster slot. A prefix with its own hash tag takes precedence and still
// maps both keys to one slot.
func (s *Source) catalogKey() string {
	return s.config.KeyPrefix + "{catalog}"
}

func (s *Source) versionKey() string {
	return s.config.KeyPrefix + "{catalog}:version"
}

// Load fetches the stored catalog and publishes it. A missing key returns
// ErrCatalogUnavailable; a malformed value keeps the previous snapshot.
func (s *Source) Load(ctx context.Context) error {
	data, err := s.client.Get(ctx, s.catalogKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		err = fmt.Errorf("%w: key %s is not set", entitlement.ErrCatalogUnavailable, s.catalogKey())
		s.metrics.RecordCatalogReload(sourceName, err)
		return err
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", entitlement.ErrCatalogUnavailable, err)
		s.metrics.RecordCatalogReload(sourceName, err)
		return err
	}

	c, err := entitlement.ParseCatalog(data)
	if err != nil {
		s.metrics.RecordCatalogReload(sourceName, err)
		s.logger.Error("stored catalog rejected, keeping previous snapshot",
			entitlement.Field{Key: "key", Value: s.catalogKey()},
			entitlement.Field{Key: "error", Value: err},
		)
		return err
	}

	s.holder.Publish(c.WithSource(sourceName))
	s.metrics.RecordCatalogReload(sourceName, nil)
	s.logger.Info("catalog loaded",
		entitlement.Field{Key: "key", Value: s.catalogKey()},
		entitlement.Field{Key: "entries", Value: c.Len()},
	)
	return nil
}

// Push validates data as a catalog and stores it, notifying every
// subscribed Source. It returns the new catalog version.
func (s *Source) Push(ctx context.Context, data []byte) (int64, error) {
	if _, err := entitlement.ParseCatalog(data); err != nil {
		return 0, err
	}

	version, err := s.push.Run(ctx, s.client,
		[]string{s.catalogKey(), s.versionKey()},
		string(data), s.config.Channel,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to push catalog: %w", err)
	}
	return version, nil
}

// Version returns the number of pushes applied so far
func (s *Source) Version(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, s.versionKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Run subscribes to the update channel and reloads on every message until
// ctx is cancelled. Dropped subscriptions are re-established and followed
// by a reload so that no update is missed.
func (s *Source) Run(ctx context.Context) error {
	for {
		err := s.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("catalog subscription dropped, retrying",
			entitlement.Field{Key: "channel", Value: s.config.Channel},
			entitlement.Field{Key: "error", Value: err},
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config.RetryDelay):
		}
	}
}

func (s *Source) listen(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.config.Channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reloading.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if err := s.Load(ctx); err != nil && !errors.Is(err, entitlement.ErrCatalogUnavailable) {
		s.logger.Warn("catalog reload failed", entitlement.Field{Key: "error", Value: err})
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			s.logger.Debug("catalog update announced",
				entitlement.Field{Key: "version", Value: msg.Payload},
			)
			_ = s.Load(ctx)
		}
	}
}
