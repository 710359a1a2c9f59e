// Package cache provides caching for overlay images and query results.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	OverlayCacheSizeMB int
	OverlayTTL         time.Duration
	QueryCacheSize     int
}

// Manager manages overlay and query caches.
type Manager struct {
	overlayCache *bigcache.BigCache
	queryCache   *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}
	if cfg.OverlayCacheSizeMB <= 0 {
		cfg.OverlayCacheSizeMB = 64
	}
	if cfg.OverlayTTL <= 0 {
		cfg.OverlayTTL = 10 * time.Minute
	}

	overlayCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.OverlayTTL,
		CleanWindow:        cfg.OverlayTTL / 2,
		MaxEntriesInWindow: 4096,
		MaxEntrySize:       64 * 1024, // typical overlay PNG is a few KB
		HardMaxCacheSize:   cfg.OverlayCacheSizeMB,
		Verbose:            false,
	}

	overlayCache, err := bigcache.New(context.Background(), overlayCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		overlayCache: overlayCache,
		queryCache:   queryCache,
	}, nil
}

// GetOverlay retrieves a rendered overlay from cache.
func (m *Manager) GetOverlay(key string) ([]byte, bool) {
	data, err := m.overlayCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetOverlay stores a rendered overlay in cache.
func (m *Manager) SetOverlay(key string, data []byte) error {
	return m.overlayCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// OverlayKey generates a cache key for an overlay region. generation changes
// whenever the view's placements change, so stale images are never served.
func OverlayKey(viewID string, generation uint64, x, y, w, h int, scale float64) string {
	return fmt.Sprintf("overlay:%s:%d:%d,%d,%d,%d:s=%.4f", viewID, generation, x, y, w, h, scale)
}

// GroupKey generates a cache key for the gene list of a filter group.
func GroupKey(viewID, group string) string {
	return fmt.Sprintf("group:%s:%s", viewID, group)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"overlay_cache_len": m.overlayCache.Len(),
		"overlay_cache_cap": m.overlayCache.Capacity(),
		"query_cache_len":   m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.overlayCache.Close()
}
