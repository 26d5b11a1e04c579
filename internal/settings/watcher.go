package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ChuLiYu/linescout/pkg/types"
)

// DefaultDebounce 編輯器存檔常常連續觸發多個事件
const DefaultDebounce = 200 * time.Millisecond

// ChangeFunc 設定內容改變時呼叫
type ChangeFunc func(ctx context.Context, s types.Settings) error

// Watcher 監看設定檔，內容改變時呼叫 ChangeFunc
type Watcher struct {
	path     string
	current  types.Settings
	onChange ChangeFunc
	debounce time.Duration
	log      *slog.Logger
}

// NewWatcher 建立 Watcher
//
// current 為目前生效的設定，檔案內容與它相同時不會觸發
func NewWatcher(path string, current types.Settings, onChange ChangeFunc, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("settings watcher: path is required")
	}
	if onChange == nil {
		return nil, errors.New("settings watcher: onChange is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		current:  current.Normalize(),
		onChange: onChange,
		debounce: DefaultDebounce,
		log:      logger,
	}, nil
}

// Run 監看直到 ctx 取消
//
// 監看的是所在目錄，才能收到「寫入暫存檔再 rename」這類存檔方式的事件
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Info("Watching settings file", "path", w.path)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Settings watcher error", "error", err)

		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	s, err := LoadFile(w.path)
	if err != nil {
		w.log.Warn("Ignoring unreadable settings file", "path", w.path, "error", err)
		return
	}
	if s.Equal(w.current) {
		return
	}

	w.log.Info("Settings file changed", "ratings", s.Ratings, "speeds", s.Speeds)
	if err := w.onChange(ctx, s); err != nil {
		w.log.Error("Failed to apply settings", "error", err)
		return
	}
	w.current = s
}
