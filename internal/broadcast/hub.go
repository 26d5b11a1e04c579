// Package broadcast 把管線事件扇出給任意數量的訂閱者。
//
// Publish 從不阻塞：訂閱者的緩衝區滿了就丟棄該事件並累計丟棄數。
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/linescout/pkg/types"
)

// DefaultBuffer 每個訂閱者的預設緩衝大小
const DefaultBuffer = 64

type subscriber struct {
	ch chan types.Event
}

// Hub 事件扇出中心
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewHub 建立 Hub
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Subscribe 註冊訂閱者，回傳事件 channel 與取消函式
//
// 取消後 channel 會被關閉；Hub 關閉後訂閱會得到一個已關閉的 channel
func (h *Hub) Subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan types.Event, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.ch)
			}
		})
	}
	return ch, cancel
}

// Publish 發送事件給所有訂閱者（不阻塞）
func (h *Hub) Publish(ev types.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers 目前訂閱者數量
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped 因緩衝區已滿而丟棄的事件數
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close 關閉所有訂閱者的 channel
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
