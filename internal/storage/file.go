package storage

// ============================================================================
// 職責說明：
// 1. 將所有集合序列化為單一 JSON 文件
// 2. 每次寫入使用原子性寫入（temp file + rename）防止損壞
//    落盤失敗時記憶體狀態維持寫入前的樣子
// 3. 載入時驗證 schema 版本相容性
// 4. 適合小型課程或無法使用 SQLite 的環境
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const fileSchemaVersion = 1

// fileDocument 磁碟上的文件格式
type fileDocument struct {
	SchemaVer   int                        `json:"schema_ver"`
	Collections map[string]*fileCollection `json:"collections"`
}

// fileCollection 保留 key 的第一次寫入順序
type fileCollection struct {
	Order  []string                   `json:"order"`
	Values map[string]json.RawMessage `json:"values"`
}

func newFileCollection() *fileCollection {
	return &fileCollection{Values: make(map[string]json.RawMessage)}
}

// clone 複製順序與索引（值本身不會被原地修改，可共用）
func (c *fileCollection) clone() *fileCollection {
	out := &fileCollection{
		Order:  make([]string, len(c.Order)),
		Values: make(map[string]json.RawMessage, len(c.Values)),
	}
	copy(out.Order, c.Order)
	for k, v := range c.Values {
		out.Values[k] = v
	}
	return out
}

// FileStore 單一 JSON 文件實作的 Store
type FileStore struct {
	path   string
	mu     sync.Mutex
	doc    fileDocument
	closed bool
}

// OpenFile 載入（或建立）JSON 文件儲存
//
// 行為：
//   - 檔案不存在時以空狀態開始（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的文件
func OpenFile(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir: %w", err)
		}
	}

	s := &FileStore{
		path: path,
		doc: fileDocument{
			SchemaVer:   fileSchemaVersion,
			Collections: make(map[string]*fileCollection),
		},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read storage file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedDocument, err)
	}
	if doc.SchemaVer != fileSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, fileSchemaVersion)
	}
	if doc.Collections == nil {
		doc.Collections = make(map[string]*fileCollection)
	}
	for name, c := range doc.Collections {
		if c == nil {
			doc.Collections[name] = newFileCollection()
			continue
		}
		if c.Values == nil {
			c.Values = make(map[string]json.RawMessage)
		}
	}
	s.doc = doc
	return s, nil
}

// flush 原子性寫回磁碟（呼叫者需持有 mu）
func (s *FileStore) flush() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal storage document: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write temp storage file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename storage file: %w", err)
	}
	return nil
}

// commit 以 next 取代集合（nil 表示刪除）後落盤，失敗時還原記憶體狀態（呼叫者需持有 mu）
func (s *FileStore) commit(collection string, next *fileCollection) error {
	prev, existed := s.doc.Collections[collection]
	if next == nil {
		delete(s.doc.Collections, collection)
	} else {
		s.doc.Collections[collection] = next
	}
	if err := s.flush(); err != nil {
		if existed {
			s.doc.Collections[collection] = prev
		} else {
			delete(s.doc.Collections, collection)
		}
		return err
	}
	return nil
}

func (s *FileStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get 讀取一筆資料
func (s *FileStore) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return nil, false, err
	}

	c, ok := s.doc.Collections[collection]
	if !ok {
		return nil, false, nil
	}
	v, ok := c.Values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Put 寫入或覆寫
func (s *FileStore) Put(ctx context.Context, collection, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("storage: value for %s/%s is not valid JSON", collection, key)
	}

	next := newFileCollection()
	if c, ok := s.doc.Collections[collection]; ok {
		next = c.clone()
	}
	if _, exists := next.Values[key]; !exists {
		next.Order = append(next.Order, key)
	}
	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	next.Values[key] = stored
	return s.commit(collection, next)
}

// Delete 刪除一筆資料
func (s *FileStore) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}

	c, ok := s.doc.Collections[collection]
	if !ok {
		return nil
	}
	if _, exists := c.Values[key]; !exists {
		return nil
	}
	next := c.clone()
	delete(next.Values, key)
	for i, k := range next.Order {
		if k == key {
			next.Order = append(next.Order[:i], next.Order[i+1:]...)
			break
		}
	}
	return s.commit(collection, next)
}

// List 依寫入順序列出
func (s *FileStore) List(ctx context.Context, collection string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return nil, err
	}

	c, ok := s.doc.Collections[collection]
	if !ok {
		return nil, nil
	}
	records := make([]Record, 0, len(c.Order))
	for _, k := range c.Order {
		v := c.Values[k]
		out := make([]byte, len(v))
		copy(out, v)
		records = append(records, Record{Key: k, Value: out})
	}
	return records, nil
}

// Count 集合筆數
func (s *FileStore) Count(ctx context.Context, collection string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return 0, err
	}

	c, ok := s.doc.Collections[collection]
	if !ok {
		return 0, nil
	}
	return len(c.Values), nil
}

// DeleteCollection 清空集合
func (s *FileStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}

	if _, ok := s.doc.Collections[collection]; !ok {
		return nil
	}
	return s.commit(collection, nil)
}

// Close 關閉儲存（每次寫入皆已落盤，這裡只標記狀態）
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Path 文件路徑（用於測試與除錯）
func (s *FileStore) Path() string {
	return s.path
}
