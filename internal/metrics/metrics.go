// ============================================================================
// linescout Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露擷取與富化管線的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - linescout_lines_extracted_total: 走訪產生的線路數
//      - linescout_lines_enqueued_total:  進入富化佇列的線路數
//      - linescout_cache_hits_total:      Intake 或 Lookup 命中快取的次數
//      - linescout_lines_illegal_total:   因不合法走法被丟棄的線路數
//      - linescout_stats_fetched_total:   成功抓取統計的局面數
//      - linescout_stats_failed_total:    抓取失敗（非限流）的局面數
//      - linescout_rate_limited_total:    整批被限流退回的次數
//      - linescout_lines_persisted_total: 寫入 enriched_lines 的次數
//
//   2. 性能指標 (Histogram):
//      - linescout_batch_latency_seconds: 一個批次從開始到結束的時間（含 pacing）
//
//   3. 狀態指標 (Gauge):
//      - linescout_queue_pending:   佇列中的線路數
//      - linescout_fetch_in_flight: 進行中的抓取數
//
// Prometheus 查詢示例:
//
//   # 每分鐘富化線路數
//   rate(linescout_lines_persisted_total[1m])
//
//   # 限流比例
//   rate(linescout_rate_limited_total[5m])
//
// 所有 Record 方法對 nil *Collector 是 no-op，元件可以不帶指標運作
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 線路相關指標
	linesExtracted prometheus.Counter
	linesEnqueued  prometheus.Counter
	cacheHits      prometheus.Counter
	linesIllegal   prometheus.Counter
	linesPersisted prometheus.Counter

	// 抓取相關指標
	statsFetched prometheus.Counter
	statsFailed  prometheus.Counter
	rateLimited  prometheus.Counter

	// 效能指標
	batchLatency prometheus.Histogram

	// 狀態指標
	queuePending prometheus.Gauge
	inFlight     prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用 DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		linesExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linescout_lines_extracted_total",
			Help: "Total number of lines produced by graph traversal",
		}),
		linesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linescout_lines_enqueued_total",
			Help: "Total number of lines added to the enrichment queue",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linescout_cache_hits_total",
			Help: "Total number of stats cache hits",
		}),
		linesIllegal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linescout_lines_illegal_total",
			Help: "Total number of lines dropped for an illegal move",
		}),
		linesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linescout_lines_persisted_total",
			Help: "Total number of enriched line writes",
		}),
		statsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linescout_stats_fetched_total",
			Help: "Total number of positions fetched from the stats source",
		}),
		statsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linescout_stats_failed_total",
			Help: "Total number of failed stats fetches (excluding rate limits)",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linescout_rate_limited_total",
			Help: "Total number of batches returned to the queue after a rate limit",
		}),
		batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linescout_batch_latency_seconds",
			Help:    "Enrichment batch latency in seconds, pacing included",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 2.5, 5, 10, 30, 60},
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linescout_queue_pending",
			Help: "Current number of lines waiting for stats",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linescout_fetch_in_flight",
			Help: "Current number of in-flight stats fetches",
		}),
	}

	reg.MustRegister(
		c.linesExtracted,
		c.linesEnqueued,
		c.cacheHits,
		c.linesIllegal,
		c.linesPersisted,
		c.statsFetched,
		c.statsFailed,
		c.rateLimited,
		c.batchLatency,
		c.queuePending,
		c.inFlight,
	)
	return c
}

// RecordExtracted 記錄走訪產生的線路
func (c *Collector) RecordExtracted(n int) {
	if c == nil {
		return
	}
	c.linesExtracted.Add(float64(n))
}

// RecordEnqueued 記錄加入佇列的線路
func (c *Collector) RecordEnqueued(n int) {
	if c == nil {
		return
	}
	c.linesEnqueued.Add(float64(n))
}

// RecordCacheHit 記錄快取命中
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// RecordIllegal 記錄被丟棄的不合法線路
func (c *Collector) RecordIllegal() {
	if c == nil {
		return
	}
	c.linesIllegal.Inc()
}

// RecordPersisted 記錄寫入的線路
func (c *Collector) RecordPersisted() {
	if c == nil {
		return
	}
	c.linesPersisted.Inc()
}

// RecordFetched 記錄成功抓取
func (c *Collector) RecordFetched() {
	if c == nil {
		return
	}
	c.statsFetched.Inc()
}

// RecordFetchFailed 記錄抓取失敗
func (c *Collector) RecordFetchFailed() {
	if c == nil {
		return
	}
	c.statsFailed.Inc()
}

// RecordRateLimited 記錄整批限流
func (c *Collector) RecordRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// ObserveBatch 記錄批次延遲
func (c *Collector) ObserveBatch(seconds float64) {
	if c == nil {
		return
	}
	c.batchLatency.Observe(seconds)
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	if c == nil {
		return
	}
	c.queuePending.Set(float64(pending))
	c.inFlight.Set(float64(inFlight))
}

// Handler 回傳 /metrics handler（gatherer 為 nil 時使用 DefaultGatherer）
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
