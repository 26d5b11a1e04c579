// ============================================================================
// linescout Dashboard API - JSON HTTP 介面
// ============================================================================
//
// Package: internal/api
// 文件: api.go
// 功能: 提供儀表板所需的狀態、線路列表、局面查詢、設定與觸發擷取
//
// 路由:
//   GET  /healthz
//   GET  /api/status
//   GET  /api/lines?sort=&order=&course=
//   GET  /api/positions?fen=
//   GET  /api/settings
//   PUT  /api/settings          （觸發重新富化）
//   POST /api/runs {courseId}   （非同步執行，回傳 202）
//   GET  /metrics
//
// ============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/linescout/internal/cache"
	"github.com/ChuLiYu/linescout/internal/coordinator"
	"github.com/ChuLiYu/linescout/internal/driver"
	"github.com/ChuLiYu/linescout/internal/explorer"
	"github.com/ChuLiYu/linescout/internal/lines"
	"github.com/ChuLiYu/linescout/internal/metrics"
	"github.com/ChuLiYu/linescout/internal/settings"
	"github.com/ChuLiYu/linescout/pkg/types"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxBodyBytes      = 1 << 20
)

// Coordinator API 需要的協調器能力
type Coordinator interface {
	Status() coordinator.Status
	Settings() types.Settings
	ApplySettings(ctx context.Context, s types.Settings) (int, error)
	Lookup(ctx context.Context, positionKey string) (types.Stats, error)
}

// Runner 擷取流程
type Runner interface {
	Run(ctx context.Context, courseID string) (driver.Report, error)
	Running() bool
}

// LineSource 已富化線路
type LineSource interface {
	All(ctx context.Context) ([]types.EnrichedLine, error)
	ByCourse(ctx context.Context, course string) ([]types.EnrichedLine, error)
}

// Config API 設定
type Config struct {
	Coordinator Coordinator
	Runner      Runner
	Lines       LineSource
	Gatherer    prometheus.Gatherer // nil 時使用 DefaultGatherer
	Logger      *slog.Logger

	// RunContext 背景 run 使用的 context，通常是整個程式的生命週期
	RunContext context.Context
}

// Server Dashboard HTTP API
type Server struct {
	cfg Config
	log *slog.Logger
	mux *http.ServeMux
}

// New 建立 Server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RunContext == nil {
		cfg.RunContext = context.Background()
	}
	s := &Server{cfg: cfg, log: cfg.Logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/lines", s.handleLines)
	s.mux.HandleFunc("GET /api/positions", s.handlePosition)
	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	s.mux.HandleFunc("POST /api/runs", s.handleRun)
	s.mux.Handle("GET /metrics", metrics.Handler(cfg.Gatherer))
	return s
}

// Handler 回傳帶 request log 的 handler
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe 監聽 addr 直到 ctx 取消
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("Dashboard API listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.log.Info("Dashboard API stopped")
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	coordinator.Status
	Running bool `json:"running"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: s.cfg.Coordinator.Status()}
	if s.cfg.Runner != nil {
		resp.Running = s.cfg.Runner.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

// lineView 線路加上百分比（Stats 為 nil 時省略）
type lineView struct {
	types.EnrichedLine
	WhitePct *float64 `json:"white_pct,omitempty"`
	DrawPct  *float64 `json:"draw_pct,omitempty"`
	BlackPct *float64 `json:"black_pct,omitempty"`
}

func newLineView(l types.EnrichedLine) lineView {
	v := lineView{EnrichedLine: l}
	if l.Stats != nil {
		w, d, b := l.Stats.WhitePct(), l.Stats.DrawPct(), l.Stats.BlackPct()
		v.WhitePct, v.DrawPct, v.BlackPct = &w, &d, &b
	}
	return v
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	desc := false
	switch strings.ToLower(q.Get("order")) {
	case "", "asc":
	case "desc":
		desc = true
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("order must be asc or desc"))
		return
	}

	var (
		list []types.EnrichedLine
		err  error
	)
	if course := q.Get("course"); course != "" {
		list, err = s.cfg.Lines.ByCourse(r.Context(), course)
	} else {
		list, err = s.cfg.Lines.All(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	if err := lines.Sort(list, q.Get("sort"), desc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	views := make([]lineView, 0, len(list))
	for _, l := range list {
		views = append(views, newLineView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(views), "lines": views})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	fen := strings.TrimSpace(r.URL.Query().Get("fen"))
	if fen == "" {
		writeError(w, http.StatusBadRequest, errors.New("fen is required"))
		return
	}

	stats, err := s.cfg.Coordinator.Lookup(r.Context(), fen)
	if err != nil {
		writeError(w, lookupStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fen": fen, "stats": stats})
}

func lookupStatus(err error) int {
	switch {
	case errors.Is(err, explorer.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, explorer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrCacheUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Coordinator.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var in types.Settings
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	requeued, err := s.cfg.Coordinator.ApplySettings(r.Context(), in)
	if err != nil {
		code := http.StatusServiceUnavailable
		if errors.Is(err, settings.ErrInvalidSettings) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settings": s.cfg.Coordinator.Settings(),
		"requeued": requeued,
	})
}

type runRequest struct {
	CourseID string `json:"courseId"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runner == nil {
		writeError(w, http.StatusNotImplemented, errors.New("extraction is not configured"))
		return
	}

	var in runRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	in.CourseID = strings.TrimSpace(in.CourseID)
	if in.CourseID == "" {
		writeError(w, http.StatusBadRequest, errors.New("courseId is required"))
		return
	}
	if s.cfg.Runner.Running() {
		writeError(w, http.StatusConflict, driver.ErrRunInProgress)
		return
	}

	go func() {
		if _, err := s.cfg.Runner.Run(s.cfg.RunContext, in.CourseID); err != nil {
			s.log.Error("Background run failed", "course", in.CourseID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "course": in.CourseID})
}

// ============================================================================
// 輔助函式
// ============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start))
	})
}
