package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/linescout/internal/cache"
	"github.com/ChuLiYu/linescout/internal/coordinator"
	"github.com/ChuLiYu/linescout/internal/driver"
	"github.com/ChuLiYu/linescout/internal/explorer"
	"github.com/ChuLiYu/linescout/internal/metrics"
	"github.com/ChuLiYu/linescout/internal/settings"
	"github.com/ChuLiYu/linescout/pkg/types"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeCoordinator struct {
	mu        sync.Mutex
	settings  types.Settings
	applied   []types.Settings
	lookupErr error
}

func (f *fakeCoordinator) Status() coordinator.Status {
	return coordinator.Status{State: coordinator.StateDraining, Pending: 4, Processed: 9}
}

func (f *fakeCoordinator) Settings() types.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeCoordinator) ApplySettings(_ context.Context, s types.Settings) (int, error) {
	if err := settings.Validate(s); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s.Normalize()
	f.applied = append(f.applied, s)
	return 12, nil
}

func (f *fakeCoordinator) Lookup(_ context.Context, key string) (types.Stats, error) {
	if f.lookupErr != nil {
		return types.Stats{}, f.lookupErr
	}
	return types.NewStats(30, 10, 60), nil
}

type fakeRunner struct {
	mu      sync.Mutex
	running bool
	courses []string
	ran     chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, courseID string) (driver.Report, error) {
	f.mu.Lock()
	f.courses = append(f.courses, courseID)
	f.mu.Unlock()
	if f.ran != nil {
		close(f.ran)
	}
	return driver.Report{Course: courseID}, nil
}

func (f *fakeRunner) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeLines struct {
	lines []types.EnrichedLine
	err   error
}

func (f *fakeLines) All(context.Context) ([]types.EnrichedLine, error) {
	return append([]types.EnrichedLine(nil), f.lines...), f.err
}

func (f *fakeLines) ByCourse(_ context.Context, course string) ([]types.EnrichedLine, error) {
	var out []types.EnrichedLine
	for _, l := range f.lines {
		if l.Course == course {
			out = append(out, l)
		}
	}
	return out, f.err
}

func stats(w, d, b int) *types.Stats {
	s := types.NewStats(w, d, b)
	return &s
}

func sampleLines() []types.EnrichedLine {
	return []types.EnrichedLine{
		{Course: "c1", Chapter: "Ch1", Unit: "U1", Variation: 1, Moves: []string{"e4", "e5"}, Stats: stats(10, 10, 10)},
		{Course: "c1", Chapter: "Ch1", Unit: "U1", Variation: 2, Moves: []string{"e4", "c5"}, Stats: stats(50, 20, 30)},
		{Course: "c2", Chapter: "Ch1", Unit: "U1", Variation: 1, Moves: []string{"d4"}},
	}
}

type fixture struct {
	srv    *httptest.Server
	coord  *fakeCoordinator
	runner *fakeRunner
	lines  *fakeLines
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	m.RecordExtracted(5)

	f := &fixture{
		coord:  &fakeCoordinator{settings: types.DefaultSettings().Normalize()},
		runner: &fakeRunner{},
		lines:  &fakeLines{lines: sampleLines()},
	}
	api := New(Config{
		Coordinator: f.coord,
		Runner:      f.runner,
		Lines:       f.lines,
		Gatherer:    reg,
	})
	f.srv = httptest.NewServer(api.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

// ============================================================================
// Tests
// ============================================================================

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st struct {
		State     string `json:"state"`
		Pending   int    `json:"pending"`
		Processed int    `json:"processed"`
		Running   bool   `json:"running"`
	}
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "draining", st.State)
	assert.Equal(t, 4, st.Pending)
	assert.Equal(t, 9, st.Processed)
	assert.False(t, st.Running)
}

type linesResponse struct {
	Count int `json:"count"`
	Lines []struct {
		Course    string       `json:"course"`
		Variation int          `json:"variation"`
		Stats     *types.Stats `json:"stats"`
		WhitePct  *float64     `json:"white_pct"`
	} `json:"lines"`
}

func TestLinesSorting(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		query string
		want  []int // variation order
	}{
		{"default", "", []int{1, 2, 1}},
		{"total desc", "?sort=total&order=desc", []int{2, 1, 1}},
		{"white asc", "?sort=white&order=asc", []int{1, 2, 1}},
		{"course filter", "?course=c2", []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, "/api/lines"+tt.query, "")
			require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

			var out linesResponse
			require.NoError(t, json.Unmarshal(body, &out))
			assert.Equal(t, len(tt.want), out.Count)
			var got []int
			for _, l := range out.Lines {
				got = append(got, l.Variation)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLinesIncludePercentages(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/api/lines?sort=total&order=desc", "")
	var out linesResponse
	require.NoError(t, json.Unmarshal(body, &out))

	require.NotNil(t, out.Lines[0].WhitePct)
	assert.InDelta(t, 50.0, *out.Lines[0].WhitePct, 0.001)
	// 抓取失敗的線路沒有統計也沒有百分比
	assert.Nil(t, out.Lines[2].Stats)
	assert.Nil(t, out.Lines[2].WhitePct)
}

func TestLinesBadQuery(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/lines?sort=elo", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/lines?order=sideways", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLinesStorageError(t *testing.T) {
	f := newFixture(t)
	f.lines.err = fmt.Errorf("%w: locked", cache.ErrCacheUnavailable)

	resp, _ := f.do(t, http.MethodGet, "/api/lines", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPositionLookup(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/positions?fen=rnbqkbnr%2Fpppppppp%2F8%2F8%2F4P3%2F8%2FPPPP1PPP%2FRNBQKBNR+b+KQkq+-+0+1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		FEN   string      `json:"fen"`
		Stats types.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 100, out.Stats.Total)
	assert.True(t, strings.HasPrefix(out.FEN, "rnbqkbnr/"))

	resp, _ = f.do(t, http.MethodGet, "/api/positions", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPositionLookupErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{explorer.ErrRateLimited, http.StatusTooManyRequests},
		{explorer.ErrNotFound, http.StatusNotFound},
		{cache.ErrCacheUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&explorer.StatusError{Code: 500}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.want), func(t *testing.T) {
			f := newFixture(t)
			f.coord.lookupErr = tt.err
			resp, _ := f.do(t, http.MethodGet, "/api/positions?fen=x", "")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPut, "/api/settings", `{"ratings":[2200,2000],"speeds":["blitz"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out struct {
		Settings types.Settings `json:"settings"`
		Requeued int            `json:"requeued"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 12, out.Requeued)
	assert.Equal(t, []int{2000, 2200}, out.Settings.Ratings)

	resp, body = f.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got types.Settings
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, []string{"blitz"}, got.Speeds)
}

func TestSettingsRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/api/settings", `{"ratings":[],"speeds":["blitz"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/settings", `{"ratings":[1600],"speeds":["blitz"],"extra":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.coord.applied)
}

func TestStartRun(t *testing.T) {
	f := newFixture(t)
	f.runner.ran = make(chan struct{})

	resp, _ := f.do(t, http.MethodPost, "/api/runs", `{"courseId":"sicilian-101"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-f.runner.ran:
	case <-time.After(time.Second):
		t.Fatal("run was not started")
	}
	f.runner.mu.Lock()
	assert.Equal(t, []string{"sicilian-101"}, f.runner.courses)
	f.runner.mu.Unlock()
}

func TestStartRunValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/runs", `{"courseId":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/runs", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.runner.running = true
	resp, _ = f.do(t, http.MethodPost, "/api/runs", `{"courseId":"c1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodDelete, "/api/settings", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "linescout_lines_extracted_total 5")
}
