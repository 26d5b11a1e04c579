// ============================================================================
// linescout Worker Pool - 並發統計抓取
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期，平行抓取一個批次內的局面統計
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務（一個局面 key 一個任務）
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │ Coordinator │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool()        建立 Pool
//   2. Start(n)         啟動 n 個 Worker
//   3. Submit(ctx, t)   提交任務
//   4. ReceiveResult()  讀取結果
//   5. Stop()           關閉 stopCh，取消進行中的抓取，等待所有 Worker 結束
//
// 關閉:
//   taskCh 與 resultCh 不會被關閉，所有收發都搭配 stopCh 做 select，
//   所以 Submit 與 Stop 同時發生時不會對已關閉的 channel 送值
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	fetch    FetchFunc
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	baseCtx  context.Context // Stop() 時取消，中斷進行中的抓取
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - fetch: 實際的抓取函式
func NewPool(bufferSize int, fetch FetchFunc) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		fetch:    fetch,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.fetch == nil {
		return errors.New("pool has no fetch function")
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.fetch, p.taskCh, p.resultCh, p.stopCh, p.baseCtx)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
//
// 阻塞直到有空間、ctx 取消或 Pool 關閉
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	// 已關閉時優先回報，不再交出殘留在緩衝區的結果
	select {
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	default:
	}

	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，取消 baseCtx
//  3. 等待所有 Worker 結束
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
