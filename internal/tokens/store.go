// Package tokens resolves push device tokens for a phone number.
package tokens

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/notification-gateway/internal/config"
)

// Store looks up the device tokens registered for a phone number. An empty
// result without error means the phone has no registered devices.
type Store interface {
	TokensByPhone(ctx context.Context, phone string) ([]string, error)
	Close() error
}

// SetReader is the subset of the Redis client the store uses.
type SetReader interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisStore reads tokens from a Redis set per phone.
type RedisStore struct {
	reader SetReader
	closer func() error
	prefix string
	logger zerolog.Logger
}

// NewRedisStore wraps a set reader. keyPrefix is prepended to the phone to
// form the set key.
func NewRedisStore(reader SetReader, keyPrefix string, logger zerolog.Logger) *RedisStore {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	s := &RedisStore{reader: reader, prefix: keyPrefix, logger: logger}
	if c, ok := reader.(interface{ Close() error }); ok {
		s.closer = c.Close
	}
	return s
}

// TokensByPhone returns the members of the phone's token set in sorted order.
func (s *RedisStore) TokensByPhone(ctx context.Context, phone string) ([]string, error) {
	key := s.prefix + phone
	members, err := s.reader.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("tokens: redis smembers %s: %w", key, err)
	}

	out := make([]string, 0, len(members))
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	slices.Sort(out)

	s.logger.Debug().
		Str("key", key).
		Int("tokens", len(out)).
		Msg("tokens: lookup completed")
	return out, nil
}

// Close releases the underlying client when it owns one.
func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// StaticStore returns the same token list for every phone. It is meant for
// local development without Redis.
type StaticStore struct {
	tokens []string
}

// NewStaticStore constructs a StaticStore.
func NewStaticStore(tokens []string) *StaticStore {
	return &StaticStore{tokens: slices.Clone(tokens)}
}

// TokensByPhone returns a copy of the configured tokens.
func (s *StaticStore) TokensByPhone(context.Context, string) ([]string, error) {
	return slices.Clone(s.tokens), nil
}

// Close is a no-op.
func (s *StaticStore) Close() error { return nil }

// New constructs the configured token store backend.
func New(cfg config.TokenStoreConfig, logger zerolog.Logger) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "redis"
	}

	switch backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  3 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
		logger.Info().
			Str("backend", "redis").
			Str("addr", cfg.RedisAddr).
			Int("db", cfg.RedisDB).
			Msg("push token store initialised")
		return NewRedisStore(client, cfg.KeyPrefix, logger), nil
	case "static":
		logger.Info().
			Str("backend", "static").
			Int("tokens", len(cfg.StaticTokens)).
			Msg("push token store initialised")
		return NewStaticStore(cfg.StaticTokens), nil
	default:
		return nil, fmt.Errorf("tokens: unsupported backend %q", cfg.Backend)
	}
}
