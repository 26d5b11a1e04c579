// ============================================================================
// linescout 富化協調器 - 擷取與統計抓取之間的核心
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 接收擷取出的線路，比對快取，驅動有併發上限、受限流的統計抓取
//
// 架構設計:
//   - Queue:      等待抓取的線路（FIFO，identity 去重）
//   - StatsCache: 局面 key → 統計（兩層，持久化）
//   - Pool:       固定數量的抓取 Worker
//   - flights:    singleflight，同一局面同時只會有一個對外請求
//   - Repository: 已富化線路（identity upsert）
//   - Hub:        即時事件廣播
//
// 狀態機:
//   Idle ──(Intake 有未命中)──→ Draining ──(佇列清空且無批次)──→ Idle
//   Draining 期間可能處於冷卻（限流後暫停），狀態仍為 Draining
//
// 批次流程 (drainLoop):
//   1. 鎖內從前端取出最多 BatchSize 個項目（先取出，再做 I/O）
//   2. 依局面 key 分組，每個不同的 key 提交一個任務給 Pool
//   3. 等待所有結果
//   4. 任一結果為限流 → 整批依序放回前端，冷卻 Cooldown
//   5. 否則成功者寫快取、upsert、廣播；失敗者以 nil Stats 寫入
//   6. 批次至少持續 BatchWindow
//
// 世代 (generation):
//   設定變更時 gen++ 並清空快取；在舊世代下完成的批次丟棄結果，
//   項目重新加到佇列尾端，不會遺失
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/linescout/internal/cache"
	"github.com/ChuLiYu/linescout/internal/lines"
	"github.com/ChuLiYu/linescout/internal/metrics"
	"github.com/ChuLiYu/linescout/internal/queue"
	"github.com/ChuLiYu/linescout/internal/worker"
	"github.com/ChuLiYu/linescout/pkg/types"
)

// 預設值
const (
	DefaultBatchSize    = 5
	DefaultBatchWindow  = 2 * time.Second
	DefaultCooldown     = 60 * time.Second
	DefaultFetchTimeout = 15 * time.Second
)

var (
	// ErrStopped 協調器已停止
	ErrStopped = errors.New("coordinator stopped")
)

// State 協調器狀態
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

// ============================================================================
// 協作者介面
// ============================================================================

// StatsFetcher 統計來源
type StatsFetcher interface {
	Fetch(ctx context.Context, positionKey string, settings types.Settings) (types.Stats, error)
}

// Normalizer 走法序列 → 局面 key
type Normalizer interface {
	Normalize(moves []string) (string, error)
}

// Publisher 事件廣播
type Publisher interface {
	Publish(ev types.Event)
}

// SettingsStore 設定持久化
type SettingsStore interface {
	Load(ctx context.Context) (types.Settings, error)
	Save(ctx context.Context, s types.Settings) error
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Coordinator 配置
type Config struct {
	BatchSize    int           // 每批最多項目數
	BatchWindow  time.Duration // 每批最短持續時間
	Cooldown     time.Duration // 限流後暫停時間
	Workers      int           // 抓取 Worker 數量（預設等於 BatchSize）
	FetchTimeout time.Duration // 單次抓取超時
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Workers <= 0 {
		c.Workers = c.BatchSize
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Deps Coordinator 依賴的元件
type Deps struct {
	Fetcher    StatsFetcher
	Normalizer Normalizer
	Cache      *cache.StatsCache
	Lines      *lines.Repository
	Settings   SettingsStore
	Publisher  Publisher
}

// IntakeReport 一次 Intake 的結果
type IntakeReport struct {
	Lines     int `json:"lines"`
	Illegal   int `json:"illegal"`
	CacheHits int `json:"cache_hits"`
	Enqueued  int `json:"enqueued"`
}

// Status 協調器狀態快照
type Status struct {
	State       State          `json:"state"`
	CoolingDown bool           `json:"cooling_down"`
	Pending     int            `json:"pending"`
	InFlight    int            `json:"in_flight"`
	Processed   int            `json:"processed"`
	Failed      int            `json:"failed"`
	CacheHits   int            `json:"cache_hits"`
	Illegal     int            `json:"illegal"`
	RateLimited int            `json:"rate_limited"`
	Generation  uint64         `json:"generation"`
	Settings    types.Settings `json:"settings"`
	LastError   string         `json:"last_error,omitempty"`
}

// Coordinator 富化協調器
type Coordinator struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Collector
	fetcher  StatsFetcher
	norm     Normalizer
	cache    *cache.StatsCache
	lines    *lines.Repository
	settings SettingsStore
	hub      Publisher

	queue   *queue.Queue
	pool    *worker.Pool
	flights singleflight.Group

	// settleMu 讓「批次結果寫入」與「設定變更清快取」互斥，
	// 舊設定的統計不會在清空之後被寫回快取
	settleMu sync.Mutex

	mu          sync.Mutex // 保護以下欄位
	state       State
	coolingDown bool
	gen         uint64            // 設定世代
	epochs      map[string]uint64 // 各課程的佇列重置世代
	current     types.Settings
	inFlight    int
	processed   int
	failed      int
	cacheHits   int
	illegal     int
	rateLimited int
	lastError   string
	idleCh      chan struct{} // Idle 時為已關閉的 channel
	started     bool
	stopped     bool

	wake      chan struct{}
	stopCh    chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc
	loopWg    sync.WaitGroup
}

// ============================================================================
// 生命週期
// ============================================================================

// New 建立 Coordinator
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Fetcher == nil || deps.Normalizer == nil || deps.Cache == nil || deps.Lines == nil || deps.Settings == nil {
		return nil, errors.New("coordinator: fetcher, normalizer, cache, lines and settings are required")
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	cfg.applyDefaults()

	idle := make(chan struct{})
	close(idle)
	runCtx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:       cfg,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		fetcher:   deps.Fetcher,
		norm:      deps.Normalizer,
		cache:     deps.Cache,
		lines:     deps.Lines,
		settings:  deps.Settings,
		hub:       deps.Publisher,
		queue:     queue.New(),
		state:     StateIdle,
		current:   types.DefaultSettings().Normalize(),
		idleCh:    idle,
		epochs:    make(map[string]uint64),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	c.pool = worker.NewPool(cfg.BatchSize, c.fetchOnce)
	return c, nil
}

// Start 載入設定、啟動 Worker Pool 與 drain loop
func (c *Coordinator) Start(ctx context.Context) error {
	s, err := c.settings.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load settings: %v", cache.ErrCacheUnavailable, err)
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.current = s.Normalize()
	c.mu.Unlock()

	if err := c.pool.Start(c.cfg.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.loopWg.Add(1)
	go c.drainLoop()

	// Start 之前就已排隊的項目
	if c.queue.Len() > 0 {
		c.signal()
	}

	c.log.Info("Coordinator started",
		"batch_size", c.cfg.BatchSize,
		"batch_window", c.cfg.BatchWindow,
		"cooldown", c.cfg.Cooldown,
		"workers", c.cfg.Workers,
		"ratings", s.Ratings,
		"speeds", s.Speeds)
	return nil
}

// Stop 優雅關閉
//
// 關閉順序：
//  1. close(stopCh) 與取消 runCtx，讓冷卻與 pacing 的等待立即結束
//  2. pool.Stop()，進行中的抓取被取消，drain loop 收到 ErrPoolClosed
//  3. loopWg.Wait()
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("Stopping coordinator...")
	close(c.stopCh)
	c.cancelRun()
	c.pool.Stop()
	c.loopWg.Wait()
	c.log.Info("Coordinator stopped", "pending", c.queue.Len())
}

// ============================================================================
// Intake
// ============================================================================

// Intake 接收一個單元的線路：正規化、查快取、未命中者排隊
//
// 快取命中的線路立即寫入並廣播；不合法的線路丟棄並計數。
// 持久層錯誤以 cache.ErrCacheUnavailable 回傳。
func (c *Coordinator) Intake(ctx context.Context, course string, batch []types.Line) (IntakeReport, error) {
	report := IntakeReport{Lines: len(batch)}
	misses := make([]types.QueueItem, 0, len(batch))

	for _, line := range batch {
		key, err := c.norm.Normalize(line.Moves)
		if err != nil {
			report.Illegal++
			c.metrics.RecordIllegal()
			c.log.Debug("Dropping illegal line",
				"course", course,
				"unit", line.UnitLabel,
				"variation", line.VariationIndex,
				"error", err)
			continue
		}

		item := types.QueueItem{
			Course:      course,
			Chapter:     line.ChapterLabel,
			Unit:        line.UnitLabel,
			Variation:   line.VariationIndex,
			Moves:       append([]string(nil), line.Moves...),
			PositionKey: key,
		}

		stats, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.recordIntake(report)
			return report, err
		}
		if ok {
			report.CacheHits++
			c.metrics.RecordCacheHit()
			if err := c.persist(ctx, item.Enriched(&stats, time.Now().UTC())); err != nil {
				c.recordIntake(report)
				return report, err
			}
			continue
		}
		misses = append(misses, item)
	}

	report.Enqueued = c.enqueue(misses)
	c.recordIntake(report)
	return report, nil
}

func (c *Coordinator) recordIntake(r IntakeReport) {
	c.mu.Lock()
	c.illegal += r.Illegal
	c.cacheHits += r.CacheHits
	c.mu.Unlock()
	c.metrics.RecordEnqueued(r.Enqueued)
}

// enqueue 加入佇列；有新項目時同步轉為 Draining 並喚醒 drain loop
func (c *Coordinator) enqueue(items []types.QueueItem) int {
	if len(items) == 0 {
		return 0
	}

	c.mu.Lock()
	added := c.queue.EnqueueUnique(items...)
	if added > 0 && c.state == StateIdle {
		c.state = StateDraining
		c.idleCh = make(chan struct{})
	}
	pending, inFlight := c.queue.Len(), c.inFlight
	c.mu.Unlock()

	c.metrics.UpdateQueueStats(pending, inFlight)
	if added > 0 {
		c.signal()
	}
	return added
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// ResetQueue 移除某個課程的待處理項目（該課程重新擷取時使用）
//
// 其他課程的項目（例如設定變更後重新排隊的線路）保留。
// 該課程進行中的批次完成後不會寫入線路，但成功的統計仍會寫進快取
func (c *Coordinator) ResetQueue(course string) int {
	c.mu.Lock()
	dropped := c.queue.RemoveCourse(course)
	c.epochs[course]++
	c.mu.Unlock()

	if dropped > 0 {
		c.log.Info("Enrichment queue reset", "course", course, "dropped", dropped)
	}
	c.signal()
	return dropped
}

// ============================================================================
// 設定與重新富化
// ============================================================================

// ApplySettings 儲存新設定、清空快取並重新富化所有已儲存線路
func (c *Coordinator) ApplySettings(ctx context.Context, s types.Settings) (int, error) {
	if err := c.settings.Save(ctx, s); err != nil {
		return 0, err
	}
	s = s.Normalize()
	c.log.Info("Applying settings", "ratings", s.Ratings, "speeds", s.Speeds)
	return c.refresh(ctx, &s)
}

// Reenrich 以目前設定清空快取並重新富化所有已儲存線路
func (c *Coordinator) Reenrich(ctx context.Context) (int, error) {
	return c.refresh(ctx, nil)
}

func (c *Coordinator) refresh(ctx context.Context, s *types.Settings) (int, error) {
	c.settleMu.Lock()
	c.mu.Lock()
	c.gen++
	if s != nil {
		c.current = *s
	}
	gen := c.gen
	c.mu.Unlock()
	err := c.cache.Clear(ctx)
	c.settleMu.Unlock()
	if err != nil {
		return 0, err
	}

	persisted, err := c.lines.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", cache.ErrCacheUnavailable, err)
	}
	items := make([]types.QueueItem, 0, len(persisted))
	for _, l := range persisted {
		items = append(items, types.ItemFromEnriched(l))
	}
	added := c.enqueue(items)

	c.log.Info("Re-enrichment queued",
		"generation", gen,
		"persisted", len(persisted),
		"enqueued", added)
	return added, nil
}

// Settings 目前生效的設定
func (c *Coordinator) Settings() types.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ============================================================================
// 隨選查詢
// ============================================================================

// Lookup 查詢單一局面的統計（與 drain loop 共用快取與 singleflight）
func (c *Coordinator) Lookup(ctx context.Context, positionKey string) (types.Stats, error) {
	stats, ok, err := c.cache.Get(ctx, positionKey)
	if err != nil {
		return types.Stats{}, err
	}
	if ok {
		c.metrics.RecordCacheHit()
		return stats, nil
	}

	c.mu.Lock()
	gen, s := c.gen, c.current
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()
	stats, err = c.fetchOnce(fetchCtx, positionKey, s)
	if err != nil {
		return types.Stats{}, err
	}

	c.settleMu.Lock()
	defer c.settleMu.Unlock()
	c.mu.Lock()
	same := c.gen == gen
	c.mu.Unlock()
	if same {
		if err := c.cache.Put(ctx, positionKey, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// fetchOnce 同一局面、同一設定同時只發出一個請求
//
// 飛行中先查快取：限流重試時已成功的局面不再重抓
func (c *Coordinator) fetchOnce(ctx context.Context, positionKey string, s types.Settings) (types.Stats, error) {
	v, err, _ := c.flights.Do(flightKey(positionKey, s), func() (any, error) {
		if stats, ok, err := c.cache.Get(ctx, positionKey); err == nil && ok {
			return stats, nil
		}
		stats, err := c.fetcher.Fetch(ctx, positionKey, s)
		if err != nil {
			return types.Stats{}, err
		}
		c.metrics.RecordFetched()
		return stats, nil
	})
	if err != nil {
		return types.Stats{}, err
	}
	return v.(types.Stats), nil
}

func flightKey(positionKey string, s types.Settings) string {
	n := s.Normalize()
	return fmt.Sprintf("%s|%v|%v", positionKey, n.Ratings, n.Speeds)
}

// ============================================================================
// 狀態查詢
// ============================================================================

// Status 取得狀態快照
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:       c.state,
		CoolingDown: c.coolingDown,
		Pending:     c.queue.Len(),
		InFlight:    c.inFlight,
		Processed:   c.processed,
		Failed:      c.failed,
		CacheHits:   c.cacheHits,
		Illegal:     c.illegal,
		RateLimited: c.rateLimited,
		Generation:  c.gen,
		Settings:    c.current,
		LastError:   c.lastError,
	}
}

// WaitIdle 阻塞直到佇列清空且沒有進行中的批次
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	ch := c.idleCh
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return ErrStopped
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(types.Event) {}
