// Package settings 管理開局資料庫查詢條件：持久化、YAML 檔讀取與檔案監看。
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/linescout/internal/storage"
	"github.com/ChuLiYu/linescout/pkg/types"
)

const settingsKey = "explorer"

var validSpeeds = map[string]bool{
	"ultrabullet":    true,
	"bullet":         true,
	"blitz":          true,
	"rapid":          true,
	"classical":      true,
	"correspondence": true,
}

var (
	// ErrInvalidSettings 設定內容不合法
	ErrInvalidSettings = errors.New("invalid settings")
)

// Validate 檢查設定是否可用於查詢
func Validate(s types.Settings) error {
	if len(s.Ratings) == 0 {
		return fmt.Errorf("%w: at least one rating bucket is required", ErrInvalidSettings)
	}
	for _, r := range s.Ratings {
		if r <= 0 {
			return fmt.Errorf("%w: rating %d must be positive", ErrInvalidSettings, r)
		}
	}
	if len(s.Speeds) == 0 {
		return fmt.Errorf("%w: at least one speed is required", ErrInvalidSettings)
	}
	for _, sp := range s.Speeds {
		if !validSpeeds[strings.ToLower(strings.TrimSpace(sp))] {
			return fmt.Errorf("%w: unknown speed %q", ErrInvalidSettings, sp)
		}
	}
	return nil
}

// ============================================================================
// Store: 持久化於 storage 的 settings 集合
// ============================================================================

// Store 設定的持久化存取
type Store struct {
	store storage.Store
}

// NewStore 建立 Store
func NewStore(store storage.Store) *Store {
	return &Store{store: store}
}

// Load 讀取設定，尚未儲存過時回傳預設值
func (s *Store) Load(ctx context.Context) (types.Settings, error) {
	var out types.Settings
	ok, err := storage.GetJSON(ctx, s.store, storage.CollectionSettings, settingsKey, &out)
	if err != nil {
		return types.Settings{}, err
	}
	if !ok {
		return types.DefaultSettings().Normalize(), nil
	}
	return out.Normalize(), nil
}

// Save 驗證並儲存設定
func (s *Store) Save(ctx context.Context, settings types.Settings) error {
	if err := Validate(settings); err != nil {
		return err
	}
	return storage.PutJSON(ctx, s.store, storage.CollectionSettings, settingsKey, settings.Normalize())
}

// ============================================================================
// YAML 檔案
// ============================================================================

// LoadFile 從 YAML 檔讀取設定
func LoadFile(path string) (types.Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Settings{}, err
	}
	var s types.Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return types.Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := Validate(s); err != nil {
		return types.Settings{}, err
	}
	return s.Normalize(), nil
}

// WriteFile 以 YAML 寫入設定檔
func WriteFile(path string, s types.Settings) error {
	raw, err := yaml.Marshal(s.Normalize())
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
