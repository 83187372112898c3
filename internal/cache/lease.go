package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease is a TTL-bounded mutual exclusion over one key.
type Lease struct {
	provider Provider
	key      string
	ttl      time.Duration
}

// NewLease constructs a lease on key.
func NewLease(provider Provider, key string, ttl time.Duration) *Lease {
	if provider == nil {
		provider = NoopProvider{}
	}
	return &Lease{provider: provider, key: key, ttl: ttl}
}

// TryAcquire attempts to take the lease once. When acquired, release gives it back and
// is safe to call after the TTL expired and another holder took over.
func (l *Lease) TryAcquire(ctx context.Context) (release func(context.Context) error, acquired bool, err error) {
	token := []byte(uuid.NewString())
	ok, err := l.provider.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func(ctx context.Context) error {
		if _, err := l.provider.CompareAndDelete(ctx, l.key, token); err != nil {
			return fmt.Errorf("release lease %s: %w", l.key, err)
		}
		return nil
	}
	return release, true, nil
}
