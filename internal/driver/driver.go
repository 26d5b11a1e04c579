// ============================================================================
// linescout Extraction Driver - 一次完整的擷取流程
// ============================================================================
//
// Package: internal/driver
// 文件: driver.go
// 功能: 課程結構 → 每個單元的局面圖 → 走訪 → 交給協調器 Intake
//
// 流程:
//   1. 抓取課程結構（失敗則整個 run 失敗，廣播 run_failed）
//   2. 逐個單元：等待 politeness limiter → 抓局面圖 → 走訪 → 標記章節/單元
//   3. 整個單元的線路一次交給 Coordinator.Intake，不等富化完成
//   4. 全部單元處理完，廣播 extraction_complete
//
// 容錯:
//   - 單元的局面圖抓取失敗或走訪沒有產生線路：記錄後繼續下一個單元
//   - Intake 回傳 ErrCacheUnavailable：持久層壞了，中止本次 run
//
// ============================================================================

package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/linescout/internal/cache"
	"github.com/ChuLiYu/linescout/internal/coordinator"
	"github.com/ChuLiYu/linescout/internal/course"
	"github.com/ChuLiYu/linescout/internal/metrics"
	"github.com/ChuLiYu/linescout/internal/traversal"
	"github.com/ChuLiYu/linescout/pkg/types"
)

var (
	// ErrStructureFetch 無法取得課程結構
	ErrStructureFetch = errors.New("course structure fetch failed")

	// ErrGraphFetch 無法取得單元的局面圖
	ErrGraphFetch = errors.New("position graph fetch failed")

	// ErrRunInProgress 已有 run 正在執行
	ErrRunInProgress = errors.New("extraction run already in progress")
)

// CourseSource 課程結構與局面圖來源
type CourseSource interface {
	FetchCourse(ctx context.Context, courseID string) (types.Course, error)
	FetchGraph(ctx context.Context, unitID string) (course.Graph, error)
}

// Intaker 接收線路的一方（通常是 *coordinator.Coordinator）
type Intaker interface {
	Intake(ctx context.Context, course string, lines []types.Line) (coordinator.IntakeReport, error)
	ResetQueue(course string) int
}

// Publisher 事件廣播
type Publisher interface {
	Publish(ev types.Event)
}

// Config Driver 設定
type Config struct {
	UnitDelay time.Duration // 單元之間的最小間隔，0 表示不等待
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Report 一次 run 的結果
type Report struct {
	RunID       string    `json:"run_id"`
	Course      string    `json:"course"`
	Title       string    `json:"title,omitempty"`
	Units       int       `json:"units"`
	UnitsFailed int       `json:"units_failed"`
	UnitsEmpty  int       `json:"units_empty"`
	Lines       int       `json:"lines"`
	Illegal     int       `json:"illegal"`
	CacheHits   int       `json:"cache_hits"`
	Enqueued    int       `json:"enqueued"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Counts 事件中附帶的計數
func (r Report) Counts() map[string]int {
	return map[string]int{
		"units":        r.Units,
		"units_failed": r.UnitsFailed,
		"units_empty":  r.UnitsEmpty,
		"lines":        r.Lines,
		"illegal":      r.Illegal,
		"cache_hits":   r.CacheHits,
		"enqueued":     r.Enqueued,
	}
}

// Driver 擷取流程
type Driver struct {
	src     CourseSource
	intake  Intaker
	hub     Publisher
	limiter *rate.Limiter
	log     *slog.Logger
	metrics *metrics.Collector
	running atomic.Bool
}

// New 建立 Driver
func New(cfg Config, src CourseSource, intake Intaker, hub Publisher) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.UnitDelay > 0 {
		limit = rate.Every(cfg.UnitDelay)
	}
	if hub == nil {
		hub = nopPublisher{}
	}
	return &Driver{
		src:     src,
		intake:  intake,
		hub:     hub,
		limiter: rate.NewLimiter(limit, 1),
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Running 是否有 run 正在執行
func (d *Driver) Running() bool {
	return d.running.Load()
}

// Run 執行一次完整擷取
//
// 回傳時擷取階段已結束，富化可能仍在進行（以 enrichment_complete 事件為準）
func (d *Driver) Run(ctx context.Context, courseID string) (Report, error) {
	if !d.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer d.running.Store(false)

	report := Report{
		RunID:     uuid.NewString(),
		Course:    courseID,
		StartedAt: time.Now().UTC(),
	}
	log := d.log.With("run_id", report.RunID, "course", courseID)

	// 新的 run 重置該課程的佇列項目
	if dropped := d.intake.ResetQueue(courseID); dropped > 0 {
		log.Info("Dropped pending items from previous run", "dropped", dropped)
	}

	// Step 1: 課程結構
	structure, err := d.src.FetchCourse(ctx, courseID)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrStructureFetch, err)
		log.Error("Run failed", "error", err)
		d.hub.Publish(types.Event{Type: types.EventRunFailed, RunID: report.RunID, Message: err.Error()})
		report.FinishedAt = time.Now().UTC()
		return report, err
	}
	report.Title = structure.Title
	report.Units = len(structure.Units)
	log.Info("Extraction started", "title", structure.Title, "units", len(structure.Units))

	// Step 2-4: 逐個單元
	for _, unit := range structure.Units {
		if err := d.limiter.Wait(ctx); err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, err
		}

		lines, err := d.extractUnit(ctx, unit)
		if err != nil {
			report.UnitsFailed++
			log.Warn("Skipping unit", "unit", unit.Title, "unit_id", unit.ID, "error", err)
			continue
		}
		if len(lines) == 0 {
			report.UnitsEmpty++
			log.Warn("Unit produced no lines", "unit", unit.Title, "unit_id", unit.ID)
			continue
		}

		report.Lines += len(lines)
		d.metrics.RecordExtracted(len(lines))

		ir, err := d.intake.Intake(ctx, courseID, lines)
		report.Illegal += ir.Illegal
		report.CacheHits += ir.CacheHits
		report.Enqueued += ir.Enqueued
		if err != nil {
			if errors.Is(err, cache.ErrCacheUnavailable) {
				log.Error("Aborting run, persistence unavailable", "error", err)
				d.hub.Publish(types.Event{Type: types.EventRunFailed, RunID: report.RunID, Message: err.Error()})
				report.FinishedAt = time.Now().UTC()
				return report, err
			}
			report.UnitsFailed++
			log.Warn("Intake failed", "unit", unit.Title, "error", err)
			continue
		}

		log.Debug("Unit extracted",
			"unit", unit.Title,
			"lines", len(lines),
			"cache_hits", ir.CacheHits,
			"enqueued", ir.Enqueued)
	}

	// Step 5
	report.FinishedAt = time.Now().UTC()
	d.hub.Publish(types.Event{
		Type:   types.EventExtractionComplete,
		RunID:  report.RunID,
		Counts: report.Counts(),
	})
	log.Info("Extraction complete",
		"units", report.Units,
		"units_failed", report.UnitsFailed,
		"lines", report.Lines,
		"enqueued", report.Enqueued,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

// extractUnit 抓取單元局面圖並走訪，回傳已標記章節/單元的線路
func (d *Driver) extractUnit(ctx context.Context, unit types.Unit) ([]types.Line, error) {
	graph, err := d.src.FetchGraph(ctx, unit.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGraphFetch, err)
	}

	start, fallback := traversal.ResolveStart(graph.Positions, graph.Start)
	if fallback {
		d.log.Warn("Start position not in graph, using shortest key",
			"unit", unit.Title,
			"requested", graph.Start,
			"resolved", start)
	}

	lines := traversal.Traverse(graph.Positions, start)
	for i := range lines {
		lines[i].ChapterLabel = unit.Chapter
		lines[i].UnitLabel = unit.Title
	}
	return lines, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(types.Event) {}
