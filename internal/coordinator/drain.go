package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/linescout/internal/cache"
	"github.com/ChuLiYu/linescout/internal/explorer"
	"github.com/ChuLiYu/linescout/internal/worker"
	"github.com/ChuLiYu/linescout/pkg/types"
)

// ============================================================================
// Drain Loop
// ============================================================================

// drainLoop 等待喚醒，每次喚醒把佇列處理到空為止
func (c *Coordinator) drainLoop() {
	defer c.loopWg.Done()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Drain loop stopped")
			return
		case <-c.wake:
			c.drain()
		}
	}
}

func (c *Coordinator) drain() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		// 取出批次與轉為 Idle 在同一個臨界區：Intake 的 enqueue 不會落在兩者之間
		c.mu.Lock()
		batch := c.queue.PopBatch(c.cfg.BatchSize)
		if len(batch) == 0 {
			completed := c.state == StateDraining
			idle := c.idleCh
			if completed {
				c.state = StateIdle
			}
			processed, failed := c.processed, c.failed
			c.mu.Unlock()

			c.metrics.UpdateQueueStats(0, 0)
			if completed {
				c.log.Info("Enrichment complete", "processed", processed, "failed", failed)
				c.hub.Publish(types.Event{
					Type:   types.EventEnrichmentComplete,
					Counts: map[string]int{"processed": processed, "failed": failed},
				})
				// 事件送出後才喚醒 WaitIdle
				close(idle)
			}
			return
		}
		gen, s := c.gen, c.current
		epochs := c.batchEpochs(batch)
		c.inFlight = len(batch)
		pending := c.queue.Len()
		c.mu.Unlock()
		c.metrics.UpdateQueueStats(pending, len(batch))

		start := time.Now()
		limited, ok := c.runBatch(batch, gen, epochs, s)
		if !ok {
			return
		}

		if limited {
			c.cooldown()
			continue
		}
		c.pace(start)
		c.metrics.ObserveBatch(time.Since(start).Seconds())
	}
}

// runBatch 執行一個批次
//
// 回傳值：
//   - limited: 批次被限流、已放回前端
//   - ok: false 表示 Pool 已關閉，批次已放回前端
func (c *Coordinator) runBatch(batch []types.QueueItem, gen uint64, epochs map[string]uint64, s types.Settings) (limited, ok bool) {
	// 依局面 key 分組：同一批內相同 key 只抓一次
	keys := make([]string, 0, len(batch))
	seen := make(map[string]bool, len(batch))
	for _, it := range batch {
		if !seen[it.PositionKey] {
			seen[it.PositionKey] = true
			keys = append(keys, it.PositionKey)
		}
	}

	go func() {
		for _, k := range keys {
			task := worker.Task{Key: k, Settings: s, Generation: gen, Timeout: c.cfg.FetchTimeout}
			if err := c.pool.Submit(c.runCtx, task); err != nil {
				return
			}
		}
	}()

	results := make(map[string]worker.Result, len(keys))
	for len(results) < len(keys) {
		res, err := c.pool.ReceiveResult(c.runCtx)
		if err != nil {
			c.abandon(batch)
			return false, false
		}
		results[res.Key] = res
	}

	// 關閉期間被取消的抓取不算失敗
	select {
	case <-c.stopCh:
		c.abandon(batch)
		return false, false
	default:
	}

	return c.settle(batch, results, gen, epochs), true
}

// abandon 把未完成的批次放回前端
func (c *Coordinator) abandon(batch []types.QueueItem) {
	c.mu.Lock()
	c.queue.RequeueFront(batch)
	c.inFlight = 0
	c.mu.Unlock()
}

// batchEpochs 記錄批次內各課程目前的重置世代，呼叫端需持有 mu
func (c *Coordinator) batchEpochs(batch []types.QueueItem) map[string]uint64 {
	epochs := make(map[string]uint64)
	for _, it := range batch {
		epochs[it.Course] = c.epochs[it.Course]
	}
	return epochs
}

// settle 處理批次結果，回傳是否被限流
func (c *Coordinator) settle(batch []types.QueueItem, results map[string]worker.Result, gen uint64, epochs map[string]uint64) bool {
	c.settleMu.Lock()
	defer c.settleMu.Unlock()

	// 批次進行中被重新擷取的課程：項目作廢，其他課程照常處理
	c.mu.Lock()
	staleGen := c.gen != gen
	live := make([]types.QueueItem, 0, len(batch))
	for _, it := range batch {
		if c.epochs[it.Course] == epochs[it.Course] {
			live = append(live, it)
		}
	}
	c.inFlight = 0
	c.mu.Unlock()

	if dropped := len(batch) - len(live); dropped > 0 {
		c.log.Debug("Course re-extracted during batch, dropping items", "items", dropped)
	}

	ctx := c.runCtx

	// 舊世代：結果作廢，項目加回尾端
	if staleGen {
		n := c.enqueue(live)
		c.log.Info("Discarding results from previous settings generation",
			"generation", gen,
			"requeued", n)
		return false
	}

	limited := false
	for key, res := range results {
		if res.Err != nil {
			if errors.Is(res.Err, explorer.ErrRateLimited) {
				limited = true
			}
			continue
		}
		if err := c.cache.Put(ctx, key, res.Stats); err != nil {
			c.recordError(err)
		}
	}

	if limited {
		c.mu.Lock()
		c.queue.RequeueFront(live)
		c.rateLimited++
		pending := c.queue.Len()
		c.mu.Unlock()

		c.metrics.RecordRateLimited()
		c.metrics.UpdateQueueStats(pending, 0)
		c.log.Warn("Stats source rate limited, batch returned to queue",
			"items", len(live),
			"cooldown", c.cfg.Cooldown)
		return true
	}

	// 失敗只在確定寫入 nil 統計時計數，每個局面 key 一次
	failedKeys := make(map[string]bool)
	now := time.Now().UTC()
	for _, it := range live {
		res := results[it.PositionKey]
		var stats *types.Stats
		if res.Err == nil {
			st := res.Stats
			stats = &st
		} else {
			if !failedKeys[it.PositionKey] {
				failedKeys[it.PositionKey] = true
				c.metrics.RecordFetchFailed()
			}
			c.log.Warn("Stats fetch failed",
				"course", it.Course,
				"unit", it.Unit,
				"variation", it.Variation,
				"error", res.Err)
		}

		if err := c.persist(ctx, it.Enriched(stats, now)); err != nil {
			c.recordError(err)
			c.bump(false)
			continue
		}
		c.bump(stats != nil)
	}
	return false
}

// persist upsert 一條線路並廣播
func (c *Coordinator) persist(ctx context.Context, line types.EnrichedLine) error {
	if err := c.lines.Upsert(ctx, line); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrCacheUnavailable, err)
	}
	c.metrics.RecordPersisted()
	c.hub.Publish(types.Event{Type: types.EventLineEnriched, Line: &line})
	return nil
}

func (c *Coordinator) bump(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.processed++
	} else {
		c.failed++
	}
}

func (c *Coordinator) recordError(err error) {
	c.log.Error("Persistence failure in drain loop", "error", err)
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// ============================================================================
// 等待
// ============================================================================

// cooldown 限流後暫停，狀態維持 Draining
func (c *Coordinator) cooldown() {
	c.mu.Lock()
	c.coolingDown = true
	c.mu.Unlock()

	c.sleep(c.cfg.Cooldown)

	c.mu.Lock()
	c.coolingDown = false
	c.mu.Unlock()
}

// pace 讓批次至少持續 BatchWindow
func (c *Coordinator) pace(start time.Time) {
	if remaining := c.cfg.BatchWindow - time.Since(start); remaining > 0 {
		c.sleep(remaining)
	}
}

func (c *Coordinator) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.stopCh:
	}
}
