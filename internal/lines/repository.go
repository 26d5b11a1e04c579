// Package lines 保存已充實的線路，並提供儀表板用的排序。
package lines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/linescout/internal/storage"
	"github.com/ChuLiYu/linescout/pkg/types"
)

// 排序欄位
const (
	SortTotal     = "total"
	SortWhite     = "white"
	SortDraws     = "draws"
	SortBlack     = "black"
	SortMoves     = "moves"
	SortVariation = "variation"
)

var (
	// ErrUnknownSortKey 不支援的排序欄位
	ErrUnknownSortKey = errors.New("unknown sort key")
)

// Repository 以 identity 為主鍵的線路儲存
type Repository struct {
	store storage.Store
}

// NewRepository 建立 Repository
func NewRepository(store storage.Store) *Repository {
	return &Repository{store: store}
}

// Upsert 依 identity 寫入或覆寫
func (r *Repository) Upsert(ctx context.Context, line types.EnrichedLine) error {
	return storage.PutJSON(ctx, r.store, storage.CollectionEnrichedLines, line.Identity(), line)
}

// Get 依 identity 讀取
func (r *Repository) Get(ctx context.Context, identity string) (types.EnrichedLine, bool, error) {
	var line types.EnrichedLine
	ok, err := storage.GetJSON(ctx, r.store, storage.CollectionEnrichedLines, identity, &line)
	return line, ok, err
}

// All 依第一次寫入順序列出所有線路
func (r *Repository) All(ctx context.Context) ([]types.EnrichedLine, error) {
	records, err := r.store.List(ctx, storage.CollectionEnrichedLines)
	if err != nil {
		return nil, err
	}
	out := make([]types.EnrichedLine, 0, len(records))
	for _, rec := range records {
		var line types.EnrichedLine
		if err := json.Unmarshal(rec.Value, &line); err != nil {
			return nil, fmt.Errorf("decode line %s: %w", rec.Key, err)
		}
		out = append(out, line)
	}
	return out, nil
}

// ByCourse 只列出指定課程的線路（course 為空時等同 All）
func (r *Repository) ByCourse(ctx context.Context, course string) ([]types.EnrichedLine, error) {
	all, err := r.All(ctx)
	if err != nil || course == "" {
		return all, err
	}
	out := all[:0]
	for _, l := range all {
		if l.Course == course {
			out = append(out, l)
		}
	}
	return out, nil
}

// Count 線路筆數
func (r *Repository) Count(ctx context.Context) (int, error) {
	return r.store.Count(ctx, storage.CollectionEnrichedLines)
}

// Sort 依欄位排序（穩定排序）
//
// Stats 為 nil 的線路無論升降冪都排在最後
func Sort(list []types.EnrichedLine, key string, desc bool) error {
	if key == "" {
		key = SortVariation
	}

	var less func(a, b types.EnrichedLine) bool
	needsStats := true
	switch key {
	case SortTotal:
		less = func(a, b types.EnrichedLine) bool { return a.Stats.Total < b.Stats.Total }
	case SortWhite:
		less = func(a, b types.EnrichedLine) bool { return a.Stats.WhitePct() < b.Stats.WhitePct() }
	case SortDraws:
		less = func(a, b types.EnrichedLine) bool { return a.Stats.DrawPct() < b.Stats.DrawPct() }
	case SortBlack:
		less = func(a, b types.EnrichedLine) bool { return a.Stats.BlackPct() < b.Stats.BlackPct() }
	case SortMoves:
		needsStats = false
		less = func(a, b types.EnrichedLine) bool {
			return strings.Join(a.Moves, " ") < strings.Join(b.Moves, " ")
		}
	case SortVariation:
		needsStats = false
		less = func(a, b types.EnrichedLine) bool {
			if a.Course != b.Course {
				return a.Course < b.Course
			}
			if a.Chapter != b.Chapter {
				return a.Chapter < b.Chapter
			}
			if a.Unit != b.Unit {
				return a.Unit < b.Unit
			}
			return a.Variation < b.Variation
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSortKey, key)
	}

	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if needsStats {
			if a.Stats == nil || b.Stats == nil {
				return a.Stats != nil && b.Stats == nil
			}
		}
		if desc {
			return less(b, a)
		}
		return less(a, b)
	})
	return nil
}
