package storage

// ============================================================================
// Store 測試檔案
// 職責：兩種後端共用同一組行為測試，另外驗證檔案後端的重新載入與損壞偵測
// ============================================================================

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{
			name: DriverSQLite,
			open: func(t *testing.T) Store {
				s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "linescout.db"))
				require.NoError(t, err)
				t.Cleanup(func() { s.Close() })
				return s
			},
		},
		{
			name: DriverFile,
			open: func(t *testing.T) Store {
				s, err := Open(DriverFile, filepath.Join(t.TempDir(), "linescout.json"))
				require.NoError(t, err)
				t.Cleanup(func() { s.Close() })
				return s
			},
		},
	}
}

func TestStoreGetPut(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			_, ok, err := s.Get(ctx, CollectionStatsCache, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put(ctx, CollectionStatsCache, "k1", []byte(`{"white":1}`)))
			v, ok, err := s.Get(ctx, CollectionStatsCache, "k1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `{"white":1}`, string(v))

			// 覆寫
			require.NoError(t, s.Put(ctx, CollectionStatsCache, "k1", []byte(`{"white":2}`)))
			v, _, err = s.Get(ctx, CollectionStatsCache, "k1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"white":2}`, string(v))

			// 集合彼此隔離
			_, ok, err = s.Get(ctx, CollectionEnrichedLines, "k1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreListKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			for _, k := range []string{"c", "a", "b"} {
				require.NoError(t, s.Put(ctx, CollectionEnrichedLines, k, []byte(`"`+k+`"`)))
			}
			// 覆寫不改變順序
			require.NoError(t, s.Put(ctx, CollectionEnrichedLines, "c", []byte(`"c2"`)))

			records, err := s.List(ctx, CollectionEnrichedLines)
			require.NoError(t, err)
			require.Len(t, records, 3)
			assert.Equal(t, "c", records[0].Key)
			assert.Equal(t, `"c2"`, string(records[0].Value))
			assert.Equal(t, "a", records[1].Key)
			assert.Equal(t, "b", records[2].Key)

			n, err := s.Count(ctx, CollectionEnrichedLines)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			require.NoError(t, s.Put(ctx, CollectionStatsCache, "a", []byte(`1`)))
			require.NoError(t, s.Put(ctx, CollectionStatsCache, "b", []byte(`2`)))
			require.NoError(t, s.Put(ctx, CollectionSettings, "explorer", []byte(`{}`)))

			require.NoError(t, s.Delete(ctx, CollectionStatsCache, "a"))
			require.NoError(t, s.Delete(ctx, CollectionStatsCache, "nope"))
			n, err := s.Count(ctx, CollectionStatsCache)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, s.DeleteCollection(ctx, CollectionStatsCache))
			n, err = s.Count(ctx, CollectionStatsCache)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			// 其他集合不受影響
			n, err = s.Count(ctx, CollectionSettings)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStoreClosed(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			require.NoError(t, s.Close())

			_, _, err := s.Get(ctx, CollectionStatsCache, "k")
			assert.ErrorIs(t, err, ErrStoreClosed)
			assert.ErrorIs(t, s.Put(ctx, CollectionStatsCache, "k", []byte(`1`)), ErrStoreClosed)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			type payload struct {
				Name  string `json:"name"`
				Count int    `json:"count"`
			}
			require.NoError(t, PutJSON(ctx, s, CollectionSettings, "p", payload{Name: "x", Count: 3}))

			var got payload
			ok, err := GetJSON(ctx, s, CollectionSettings, "p", &got)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, payload{Name: "x", Count: 3}, got)

			ok, err = GetJSON(ctx, s, CollectionSettings, "missing", &got)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

// ============================================================================
// 後端特有行為
// ============================================================================

func TestSQLiteReopenPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "linescout.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, CollectionStatsCache, "k", []byte(`{"total":9}`)))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get(ctx, CollectionStatsCache, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"total":9}`, string(v))
}

func TestFileReopenPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "linescout.json")

	s, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, CollectionEnrichedLines, "b", []byte(`2`)))
	require.NoError(t, s.Put(ctx, CollectionEnrichedLines, "a", []byte(`1`)))
	require.NoError(t, s.Close())

	// 臨時檔案不應殘留
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	records, err := reopened.List(ctx, CollectionEnrichedLines)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[0].Key)
	assert.Equal(t, "a", records[1].Key)
}

func TestFileFailedFlushLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "linescout.json")

	s, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, CollectionEnrichedLines, "a", []byte(`1`)))
	require.NoError(t, s.Put(ctx, CollectionEnrichedLines, "b", []byte(`2`)))
	require.NoError(t, s.Put(ctx, CollectionStatsCache, "k", []byte(`3`)))

	// 臨時檔案路徑被目錄佔住，之後每次落盤都會失敗
	require.NoError(t, os.Mkdir(path+".tmp", 0o755))

	assert.Error(t, s.Put(ctx, CollectionEnrichedLines, "a", []byte(`9`)))
	assert.Error(t, s.Put(ctx, CollectionEnrichedLines, "c", []byte(`4`)))
	assert.Error(t, s.Put(ctx, CollectionSettings, "current", []byte(`{}`)))
	assert.Error(t, s.Delete(ctx, CollectionEnrichedLines, "a"))
	assert.Error(t, s.DeleteCollection(ctx, CollectionStatsCache))

	v, ok, err := s.Get(ctx, CollectionEnrichedLines, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	records, err := s.List(ctx, CollectionEnrichedLines)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Key)
	assert.Equal(t, "b", records[1].Key)

	n, err := s.Count(ctx, CollectionStatsCache)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.Count(ctx, CollectionSettings)
	require.NoError(t, err)
	assert.Zero(t, n)

	// 恢復後的下一次寫入只帶上自己的變更
	require.NoError(t, os.Remove(path+".tmp"))
	require.NoError(t, s.Put(ctx, CollectionEnrichedLines, "d", []byte(`5`)))
	require.NoError(t, s.Close())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	records, err = reopened.List(ctx, CollectionEnrichedLines)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"a", "b", "d"}, []string{records[0].Key, records[1].Key, records[2].Key})
	assert.Equal(t, "1", string(records[0].Value))
}

func TestFileCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linescout.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenFile(path)
	assert.ErrorIs(t, err, ErrCorruptedDocument)
}

func TestFileIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linescout.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 2, "collections": {}}`), 0o644))

	_, err := OpenFile(path)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestFileRejectsInvalidJSONValue(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "linescout.json"))
	require.NoError(t, err)
	assert.Error(t, s.Put(context.Background(), CollectionStatsCache, "k", []byte("not json")))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("postgres", "whatever")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
