// ============================================================================
// linescout 持久化儲存 - 集合式鍵值存取
// ============================================================================
//
// Package: internal/storage
// File: store.go
// Purpose: 提供以「集合 + key」存取 JSON 值的持久化介面
//
// 集合（固定字串識別）:
//   - stats_cache:    局面 key → Stats
//   - enriched_lines: 線路 identity → EnrichedLine
//   - settings:       "explorer" → Settings
//
// 後端:
//   - sqlite: modernc.org/sqlite（純 Go，單一 kv 資料表）
//   - file:   單一 JSON 文件，temp file + rename 原子寫入
//
// 順序:
//   List 依照 key 第一次寫入的順序回傳，覆寫不改變順序
//
// ============================================================================

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// 集合名稱
const (
	CollectionStatsCache    = "stats_cache"
	CollectionEnrichedLines = "enriched_lines"
	CollectionSettings      = "settings"
)

// 後端名稱
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStoreClosed 儲存已關閉
	ErrStoreClosed = errors.New("storage: store is closed")
	// ErrUnknownDriver 未知的後端名稱
	ErrUnknownDriver = errors.New("storage: unknown driver")
	// ErrCorruptedDocument 檔案後端內容無法解析
	ErrCorruptedDocument = errors.New("storage: document is corrupted")
	// ErrIncompatibleVersion 檔案後端版本不相容
	ErrIncompatibleVersion = errors.New("storage: document schema version is incompatible")
)

// Record 集合中的一筆資料
type Record struct {
	Key   string
	Value []byte
}

// Store 持久化鍵值儲存介面
type Store interface {
	// Get 讀取一筆資料，不存在時 ok 為 false
	Get(ctx context.Context, collection, key string) (value []byte, ok bool, err error)
	// Put 寫入或覆寫一筆資料
	Put(ctx context.Context, collection, key string, value []byte) error
	// Delete 刪除一筆資料（不存在不視為錯誤）
	Delete(ctx context.Context, collection, key string) error
	// List 依寫入順序列出集合內所有資料
	List(ctx context.Context, collection string) ([]Record, error)
	// Count 集合內的資料筆數
	Count(ctx context.Context, collection string) (int, error)
	// DeleteCollection 清空整個集合
	DeleteCollection(ctx context.Context, collection string) error
	// Close 關閉儲存
	Close() error
}

// Open 依照後端名稱開啟儲存
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(path)
	case DriverFile:
		return OpenFile(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// GetJSON 讀取並反序列化一筆資料
func GetJSON(ctx context.Context, s Store, collection, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, collection, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return true, nil
}

// PutJSON 序列化並寫入一筆資料
func PutJSON(ctx context.Context, s Store, collection, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return s.Put(ctx, collection, key, raw)
}
