package cache

import (
	"context"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/config"
)

// Provider is the key-value surface needed to coordinate scheduled work across replicas.
type Provider interface {
	// SetNX stores value under key only when the key is absent.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	Close() error
}

// NoopProvider grants every lease and stores nothing.
type NoopProvider struct{}

// SetNX always reports success.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

// CompareAndDelete always reports success.
func (NoopProvider) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return true, nil
}

// Close is a no-op.
func (NoopProvider) Close() error { return nil }

// New returns a Valkey-backed provider when the cache is enabled, otherwise a
// process-local one.
func New(cfg config.CacheConfig) (Provider, error) {
	if !cfg.Enabled {
		return NewMemoryProvider(), nil
	}
	return NewValkeyProvider(ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
	})
}
