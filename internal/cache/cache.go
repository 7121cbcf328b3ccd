// Package cache provides caching for rendered frames and store
// responses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gridflow/annotator/internal/dataset"
	"github.com/gridflow/annotator/internal/store"
)

// Config contains cache configuration.
type Config struct {
	FrameCacheSizeMB int
	FrameTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages the frame cache and the typed response caches.
type Manager struct {
	frameCache  *bigcache.BigCache
	flowCache   *lru.Cache[string, map[int]*store.FlowBundle]
	hourlyCache *lru.Cache[int, store.HourlySeries]
	heatCache   *lru.Cache[string, *dataset.HeatField]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	frameCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.FrameTTL,
		CleanWindow:        cfg.FrameTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.FrameCacheSizeMB,
		Verbose:            false,
	}

	frameCache, err := bigcache.New(context.Background(), frameCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}

	flowCache, err := lru.New[string, map[int]*store.FlowBundle](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow cache: %w", err)
	}
	hourlyCache, err := lru.New[int, store.HourlySeries](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create hourly cache: %w", err)
	}
	heatCache, err := lru.New[string, *dataset.HeatField](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create heat cache: %w", err)
	}

	return &Manager{
		frameCache:  frameCache,
		flowCache:   flowCache,
		hourlyCache: hourlyCache,
		heatCache:   heatCache,
	}, nil
}

// GetFrame retrieves an encoded frame from cache.
func (m *Manager) GetFrame(key string) ([]byte, bool) {
	data, err := m.frameCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetFrame stores an encoded frame in cache.
func (m *Manager) SetFrame(key string, data []byte) error {
	return m.frameCache.Set(key, data)
}

// GetFlows retrieves a cell's per-year flow bundles from cache.
func (m *Manager) GetFlows(key string) (map[int]*store.FlowBundle, bool) {
	return m.flowCache.Get(key)
}

// SetFlows stores a cell's per-year flow bundles.
func (m *Manager) SetFlows(key string, bundles map[int]*store.FlowBundle) {
	m.flowCache.Add(key, bundles)
}

// GetHourly retrieves a cell's hourly series from cache.
func (m *Manager) GetHourly(gridID int) (store.HourlySeries, bool) {
	return m.hourlyCache.Get(gridID)
}

// SetHourly stores a cell's hourly series.
func (m *Manager) SetHourly(gridID int, series store.HourlySeries) {
	m.hourlyCache.Add(gridID, series)
}

// GetHeat retrieves a heat field from cache.
func (m *Manager) GetHeat(key string) (*dataset.HeatField, bool) {
	return m.heatCache.Get(key)
}

// SetHeat stores a heat field, keyed per year and filter.
func (m *Manager) SetHeat(key string, field *dataset.HeatField) {
	m.heatCache.Add(key, field)
}

// FrameKey hashes a scene fingerprint into a short cache key.
func FrameKey(fingerprint string) string {
	h := sha256.Sum256([]byte(fingerprint))
	return "frame:" + hex.EncodeToString(h[:])[:16]
}

// FlowKey generates a cache key for a cell's flow neighborhood.
func FlowKey(gridID, topK int, cov float64, direction string) string {
	return fmt.Sprintf("flows:%d:%d:%g:%s", gridID, topK, cov, direction)
}

// HeatKey generates a cache key for a heat field.
func HeatKey(year int, metric, city, area string) string {
	return fmt.Sprintf("heat:%d:%s:%s:%s", year, metric, city, area)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"frame_cache_len":  m.frameCache.Len(),
		"frame_cache_cap":  m.frameCache.Capacity(),
		"flow_cache_len":   m.flowCache.Len(),
		"hourly_cache_len": m.hourlyCache.Len(),
		"heat_cache_len":   m.heatCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.frameCache.Close()
}
