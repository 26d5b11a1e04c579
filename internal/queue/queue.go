// ============================================================================
// linescout 富化佇列 - 等待抓取統計的線路
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 保存等待抓取統計的線路，FIFO，依線路 identity 去重
//
// 設計理念:
//   1. items []QueueItem - 依序排列的待處理項目
//   2. pending map       - identity 索引，避免同一條線路重複排隊
//   3. 兩者在同一個鎖內同步更新
//
// 操作:
//   EnqueueUnique()  加到尾端（已在佇列中的 identity 略過）
//   PopBatch(n)      從前端取出最多 n 個
//   RequeueFront()   整批依原順序放回前端（限流時使用）
//   RemoveCourse()   移除某個課程的所有項目（重新擷取該課程時使用）
//
// 並發安全:
//   - sync.RWMutex 保護所有資料，每個操作都在單一臨界區內完成
//
// ============================================================================

package queue

import (
	"sync"

	"github.com/ChuLiYu/linescout/pkg/types"
)

// Queue 富化佇列
type Queue struct {
	mu      sync.RWMutex
	items   []types.QueueItem
	pending map[string]struct{} // identity 索引
}

// New 建立空佇列
func New() *Queue {
	return &Queue{
		items:   make([]types.QueueItem, 0),
		pending: make(map[string]struct{}),
	}
}

// EnqueueUnique 將項目加到尾端，回傳實際加入的數量
//
// 與已在佇列中的項目 identity 相同者略過，同一次呼叫內的重複也只加入一次
func (q *Queue) EnqueueUnique(items ...types.QueueItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, it := range items {
		id := it.Identity()
		if _, dup := q.pending[id]; dup {
			continue
		}
		q.pending[id] = struct{}{}
		q.items = append(q.items, it)
		added++
	}
	return added
}

// PopBatch 從前端取出最多 n 個項目
func (q *Queue) PopBatch(n int) []types.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}

	batch := make([]types.QueueItem, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0:0], q.items[n:]...)
	for _, it := range batch {
		delete(q.pending, it.Identity())
	}
	return batch
}

// RequeueFront 把一整批依原順序放回前端
//
// 若期間有相同 identity 被加到佇列中，以放回的這一筆為準（移除較後面的那筆）
func (q *Queue) RequeueFront(batch []types.QueueItem) {
	if len(batch) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	front := make([]types.QueueItem, 0, len(batch))
	ids := make(map[string]struct{}, len(batch))
	for _, it := range batch {
		id := it.Identity()
		if _, dup := ids[id]; dup {
			continue
		}
		ids[id] = struct{}{}
		front = append(front, it)
	}

	rest := make([]types.QueueItem, 0, len(q.items))
	for _, it := range q.items {
		if _, moved := ids[it.Identity()]; moved {
			continue
		}
		rest = append(rest, it)
	}

	q.items = append(front, rest...)
	for id := range ids {
		q.pending[id] = struct{}{}
	}
}

// RemoveCourse 移除屬於 course 的所有項目，回傳移除數量
//
// 其他課程的項目保持原本順序
func (q *Queue) RemoveCourse(course string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make([]types.QueueItem, 0, len(q.items))
	removed := 0
	for _, it := range q.items {
		if it.Course == course {
			delete(q.pending, it.Identity())
			removed++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	return removed
}

// Len 待處理數量
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Contains 該 identity 是否在佇列中
func (q *Queue) Contains(identity string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.pending[identity]
	return ok
}

// Snapshot 目前佇列內容的複本（依序）
func (q *Queue) Snapshot() []types.QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]types.QueueItem, len(q.items))
	copy(out, q.items)
	return out
}
