// Package explorer 向開局資料庫查詢局面的勝和負統計。
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/linescout/pkg/types"
)

const (
	DefaultBaseURL = "https://explorer.lichess.ovh/lichess"
	DefaultTimeout = 15 * time.Second
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrRateLimited 統計來源回應 429，整批需要退回佇列並冷卻
	ErrRateLimited = errors.New("stats source rate limited")
	// ErrNotFound 統計來源找不到該局面
	ErrNotFound = errors.New("position not found in stats source")
)

// StatusError 其他非 2xx 回應
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stats source returned HTTP %d: %s", e.Code, e.Body)
}

// Config Client 設定
type Config struct {
	BaseURL    string
	Token      string // 選填，以 Bearer 傳送
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client 開局資料庫 HTTP 客戶端
type Client struct {
	base    string
	token   string
	timeout time.Duration
	http    *http.Client
}

// NewClient 建立 Client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		base:    cfg.BaseURL,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
	}
}

type explorerResponse struct {
	White int `json:"white"`
	Draws int `json:"draws"`
	Black int `json:"black"`
}

// Fetch 查詢一個局面在給定設定下的統計
func (c *Client) Fetch(ctx context.Context, positionKey string, settings types.Settings) (types.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(positionKey, settings), nil)
	if err != nil {
		return types.Stats{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Stats{}, fmt.Errorf("stats request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.Stats{}, ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return types.Stats{}, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Stats{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out explorerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.Stats{}, fmt.Errorf("decode stats response: %w", err)
	}
	// total 一律由三項重算，不信任來源的 total
	return types.NewStats(out.White, out.Draws, out.Black), nil
}

func (c *Client) requestURL(positionKey string, settings types.Settings) string {
	s := settings.Normalize()
	ratings := make([]string, len(s.Ratings))
	for i, r := range s.Ratings {
		ratings[i] = strconv.Itoa(r)
	}

	q := url.Values{}
	q.Set("variant", "standard")
	q.Set("fen", positionKey)
	if len(ratings) > 0 {
		q.Set("ratings", strings.Join(ratings, ","))
	}
	if len(s.Speeds) > 0 {
		q.Set("speeds", strings.Join(s.Speeds, ","))
	}

	sep := "?"
	if strings.Contains(c.base, "?") {
		sep = "&"
	}
	return c.base + sep + q.Encode()
}
