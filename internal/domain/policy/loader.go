package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// PackSource is the minimal store surface the loader needs.
type PackSource interface {
	// GetPolicyPack returns the pack at (key, version).
	GetPolicyPack(ctx context.Context, key, version string) (*Pack, error)
	// LatestActivePack returns the newest active pack for key.
	LatestActivePack(ctx context.Context, key string) (*Pack, error)
}

// Loader resolves policy packs from the store with a read-through cache.
// The pack table is read-mostly; cached entries expire so that pack
// upserts become visible without a restart.
type Loader struct {
	source PackSource
	cache  *ristretto.Cache[string, *Pack]
	ttl    time.Duration
}

// NewLoader creates a Loader over the given pack source.
func NewLoader(source PackSource) (*Loader, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Pack]{
		NumCounters: 1e4,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("policy cache: %w", err)
	}
	return &Loader{source: source, cache: cache, ttl: time.Minute}, nil
}

// LoadPack returns the pack at (key, version), or the latest active pack
// for key when version is empty.
func (l *Loader) LoadPack(ctx context.Context, key, version string) (*Pack, error) {
	cacheKey := key + "@" + version
	if pack, ok := l.cache.Get(cacheKey); ok {
		return pack, nil
	}

	var pack *Pack
	var err error
	if version == "" {
		pack, err = l.source.LatestActivePack(ctx, key)
	} else {
		pack, err = l.source.GetPolicyPack(ctx, key, version)
	}
	if err != nil {
		return nil, err
	}
	if err := pack.Validate(); err != nil {
		return nil, err
	}

	l.cache.SetWithTTL(cacheKey, pack, 1, l.ttl)
	return pack, nil
}

// Invalidate drops any cached copies of key (all versions are evicted
// lazily via TTL; the exact (key, version) entry is dropped immediately).
func (l *Loader) Invalidate(key, version string) {
	l.cache.Del(key + "@" + version)
	l.cache.Del(key + "@")
}
