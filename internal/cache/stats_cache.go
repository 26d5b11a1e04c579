// Package cache 保存「局面 key → 統計」的持久化快取。
//
// 兩層結構：
//   - L1: ristretto 記憶體快取（熱資料）
//   - L2: storage.Store 的 stats_cache 集合（跨重啟保留）
//
// 沒有 TTL；只有設定變更時才會整個清空。
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/ChuLiYu/linescout/internal/storage"
	"github.com/ChuLiYu/linescout/pkg/types"
)

const (
	defaultNumCounters = 1e5 // admission policy counters
	defaultMaxCost     = 1 << 16
	defaultBufferItems = 64
)

var (
	// ErrCacheUnavailable 持久層無法讀寫
	ErrCacheUnavailable = errors.New("stats cache unavailable")
)

// Config StatsCache 設定
type Config struct {
	NumCounters int64
	MaxCost     int64 // 每筆成本為 1，等同 L1 最大筆數
	Logger      *slog.Logger
}

// StatsCache 兩層統計快取
type StatsCache struct {
	l1    *ristretto.Cache
	store storage.Store
	log   *slog.Logger

	// mu 讓 Clear 與 L1 寫入互斥；clears 為清空次數
	mu     sync.RWMutex
	clears uint64
}

// New 建立 StatsCache
func New(store storage.Store, cfg Config) (*StatsCache, error) {
	if store == nil {
		return nil, errors.New("cache: store is required")
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = defaultNumCounters
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = defaultMaxCost
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create L1 cache: %w", err)
	}

	return &StatsCache{
		l1:    l1,
		store: store,
		log:   cfg.Logger,
	}, nil
}

// Get 查詢局面統計
//
// L1 未命中時讀 L2，命中則回填 L1。
// 讀 L2 期間發生過 Clear 時不回填，避免舊值復活
func (c *StatsCache) Get(ctx context.Context, key string) (types.Stats, bool, error) {
	if v, ok := c.l1.Get(key); ok {
		if stats, ok := v.(types.Stats); ok {
			return stats, true, nil
		}
	}

	c.mu.RLock()
	clears := c.clears
	c.mu.RUnlock()

	var stats types.Stats
	ok, err := storage.GetJSON(ctx, c.store, storage.CollectionStatsCache, key, &stats)
	if err != nil {
		return types.Stats{}, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if !ok {
		return types.Stats{}, false, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.clears == clears {
		c.l1.Set(key, stats, 1)
		c.l1.Wait()
	}
	return stats, true, nil
}

// Put 寫入局面統計（先寫 L2 再寫 L1）
func (c *StatsCache) Put(ctx context.Context, key string, stats types.Stats) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := storage.PutJSON(ctx, c.store, storage.CollectionStatsCache, key, stats); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	c.l1.Set(key, stats, 1)
	c.l1.Wait()
	return nil
}

// Clear 清空兩層快取
func (c *StatsCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.DeleteCollection(ctx, storage.CollectionStatsCache); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	c.l1.Clear()
	c.clears++
	c.log.Info("Stats cache cleared")
	return nil
}

// Len 持久層中的筆數
func (c *StatsCache) Len(ctx context.Context) (int, error) {
	n, err := c.store.Count(ctx, storage.CollectionStatsCache)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return n, nil
}

// Close 釋放 L1（不關閉底層 Store）
func (c *StatsCache) Close() {
	c.l1.Close()
}
