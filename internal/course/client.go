// Package course 從課程來源抓取課程結構與每個單元的局面圖。
package course

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/linescout/internal/traversal"
	"github.com/ChuLiYu/linescout/pkg/types"
)

const DefaultTimeout = 30 * time.Second

// Config Client 設定
type Config struct {
	BaseURL    string
	Cookie     string            // 原樣轉送的 session cookie
	Headers    map[string]string // 額外轉送的標頭
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client 課程來源 HTTP 客戶端
type Client struct {
	base    string
	cookie  string
	headers map[string]string
	timeout time.Duration
	http    *http.Client
}

// NewClient 建立 Client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		cookie:  cfg.Cookie,
		headers: cfg.Headers,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
	}
}

// ============================================================================
// 回應格式
// ============================================================================

type courseResponse struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Chapters []chapterResponse `json:"chapters"`
}

type chapterResponse struct {
	Title string `json:"title"`
	Units []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"units"`
}

// Graph 單元的局面圖與起始局面
type Graph struct {
	Start     string
	Positions types.PositionGraph
}

type graphResponse struct {
	Start     string              `json:"start"`
	Positions types.PositionGraph `json:"positions"`
	Tree      *traversal.TreeNode `json:"tree"`
}

// ============================================================================
// 查詢
// ============================================================================

// FetchCourse 抓取課程結構（章節 → 單元，保留來源順序）
func (c *Client) FetchCourse(ctx context.Context, courseID string) (types.Course, error) {
	var resp courseResponse
	if err := c.getJSON(ctx, "/courses/"+url.PathEscape(courseID), &resp); err != nil {
		return types.Course{}, err
	}

	out := types.Course{ID: resp.ID, Title: resp.Title}
	if out.ID == "" {
		out.ID = courseID
	}
	for _, ch := range resp.Chapters {
		for _, u := range ch.Units {
			out.Units = append(out.Units, types.Unit{ID: u.ID, Chapter: ch.Title, Title: u.Title})
		}
	}
	return out, nil
}

// FetchGraph 抓取單元的局面圖
//
// 來源可以直接給局面圖，也可以給一棵走法樹（轉成合成 key 的局面圖）
func (c *Client) FetchGraph(ctx context.Context, unitID string) (Graph, error) {
	var resp graphResponse
	if err := c.getJSON(ctx, "/units/"+url.PathEscape(unitID)+"/graph", &resp); err != nil {
		return Graph{}, err
	}
	return resp.graph(), nil
}

// DecodeGraph 解析局面圖 JSON（與 /units/{id}/graph 的格式相同）
func DecodeGraph(r io.Reader) (Graph, error) {
	var resp graphResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return Graph{}, fmt.Errorf("decode graph: %w", err)
	}
	return resp.graph(), nil
}

func (r graphResponse) graph() Graph {
	if r.Tree != nil && len(r.Positions) == 0 {
		g, start := traversal.FromTree(*r.Tree)
		return Graph{Start: start, Positions: g}
	}
	if r.Positions == nil {
		r.Positions = types.PositionGraph{}
	}
	return Graph{Start: r.Start, Positions: r.Positions}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	for k, val := range c.headers {
		req.Header.Set(k, val)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}
