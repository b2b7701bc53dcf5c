package cache

import (
	"context"
	"time"
)

// SettingsCache fronts the settings table. Misses and cache errors fall through
// to the repository; the cache is never authoritative.
type SettingsCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopSettingsCache struct{}

func (NoopSettingsCache) Get(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}

func (NoopSettingsCache) Set(_ context.Context, _ string, _ string, _ time.Duration) error {
	return nil
}

func (NoopSettingsCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
