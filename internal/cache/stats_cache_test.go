package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/linescout/internal/storage"
	"github.com/ChuLiYu/linescout/pkg/types"
)

func newTestCache(t *testing.T) (*StatsCache, storage.Store) {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := New(store, Config{})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, store
}

func TestStatsCachePutGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	_, ok, err := c.Get(ctx, "fen-1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := types.NewStats(10, 5, 3)
	require.NoError(t, c.Put(ctx, "fen-1", want))

	got, ok, err := c.Get(ctx, "fen-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStatsCacheSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	c, err := New(store, Config{})
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "fen-1", types.NewStats(1, 2, 3)))
	c.Close()
	require.NoError(t, store.Close())

	store, err = storage.OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()
	c, err = New(store, Config{})
	require.NoError(t, err)
	defer c.Close()

	got, ok, err := c.Get(ctx, "fen-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 6, got.Total)
}

func TestStatsCacheClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	require.NoError(t, c.Put(ctx, "a", types.NewStats(1, 0, 0)))
	require.NoError(t, c.Put(ctx, "b", types.NewStats(0, 1, 0)))
	require.NoError(t, c.Clear(ctx))

	for _, key := range []string{"a", "b"} {
		_, ok, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, "key %s should be gone from both tiers", key)
	}
	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatsCacheL2Fallback(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)

	// 直接寫入 L2，模擬重啟後 L1 為空
	require.NoError(t, storage.PutJSON(ctx, store, storage.CollectionStatsCache, "fen-x", types.NewStats(4, 4, 2)))

	got, ok, err := c.Get(ctx, "fen-x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10, got.Total)
}

// brokenStore 每個操作都失敗
type brokenStore struct{}

var errDiskGone = errors.New("disk gone")

func (brokenStore) Get(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, errDiskGone
}
func (brokenStore) Put(context.Context, string, string, []byte) error { return errDiskGone }
func (brokenStore) Delete(context.Context, string, string) error { return errDiskGone }
func (brokenStore) List(context.Context, string) ([]storage.Record, error) {
	return nil, errDiskGone
}
func (brokenStore) Count(context.Context, string) (int, error) { return 0, errDiskGone }
func (brokenStore) DeleteCollection(context.Context, string) error { return errDiskGone }
func (brokenStore) Close() error { return nil }

// slowStore 第一次 Get 在讀到資料後停住，直到 release 關閉
type slowStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
	blocked bool
}

func (s *slowStore) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	raw, ok, err := s.Store.Get(ctx, collection, key)
	if !s.blocked {
		s.blocked = true
		close(s.entered)
		<-s.release
	}
	return raw, ok, err
}

func TestStatsCacheClearDuringL2Read(t *testing.T) {
	ctx := context.Background()
	_, base := newTestCache(t)
	require.NoError(t, storage.PutJSON(ctx, base, storage.CollectionStatsCache, "fen-1", types.NewStats(1, 1, 1)))

	slow := &slowStore{Store: base, entered: make(chan struct{}), release: make(chan struct{})}
	c, err := New(slow, Config{})
	require.NoError(t, err)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := c.Get(ctx, "fen-1")
		assert.NoError(t, err)
	}()

	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("L2 read never started")
	}
	require.NoError(t, c.Clear(ctx))
	close(slow.release)
	<-done

	// 清空前讀到的舊值不可回填 L1
	_, ok, err := c.Get(ctx, "fen-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatsCacheUnavailable(t *testing.T) {
	ctx := context.Background()
	c, err := New(brokenStore{}, Config{})
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheUnavailable)
	assert.ErrorIs(t, c.Put(ctx, "k", types.NewStats(1, 1, 1)), ErrCacheUnavailable)
	assert.ErrorIs(t, c.Clear(ctx), ErrCacheUnavailable)
	_, err = c.Len(ctx)
	assert.ErrorIs(t, err, ErrCacheUnavailable)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}
