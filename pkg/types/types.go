// Package types 定義了 linescout 系統中使用的核心領域模型
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MoveEdge 位置圖中的一條邊：從某個局面走一步到達目標局面
type MoveEdge struct {
	Move   string `json:"move"`   // 走法（代數記譜，例如 "e4"）
	Target string `json:"target"` // 目標局面的 key
}

// PositionGraph 以局面 key 為頂點的走法圖，邊的順序有意義（first-seen wins）
type PositionGraph map[string][]MoveEdge

// Line 一條從起始局面走到葉節點（或循環閉合點）的完整線路
type Line struct {
	ChapterLabel   string   `json:"chapter"`
	UnitLabel      string   `json:"unit"`
	VariationIndex int      `json:"variation"`
	Moves          []string `json:"moves"`
}

// Stats 開局資料庫統計（白勝 / 和 / 黑勝）
// Total 永遠由三個計數重新計算，不信任上游提供的值
type Stats struct {
	White int `json:"white"`
	Draws int `json:"draws"`
	Black int `json:"black"`
	Total int `json:"total"`
}

// NewStats 建立統計資料並重新計算總數，負數視為 0
func NewStats(white, draws, black int) Stats {
	s := Stats{White: clamp(white), Draws: clamp(draws), Black: clamp(black)}
	s.Total = s.White + s.Draws + s.Black
	return s
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// WhitePct 白方勝率（百分比），總數為 0 時回傳 0
func (s Stats) WhitePct() float64 { return pct(s.White, s.Total) }

// DrawPct 和棋率（百分比）
func (s Stats) DrawPct() float64 { return pct(s.Draws, s.Total) }

// BlackPct 黑方勝率（百分比）
func (s Stats) BlackPct() float64 { return pct(s.Black, s.Total) }

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

// EnrichedLine 帶有統計資料的線路
// Stats 為 nil 表示抓取失敗，與「0 局」不同
type EnrichedLine struct {
	Course      string    `json:"course"`
	Chapter     string    `json:"chapter"`
	Unit        string    `json:"unit"`
	Variation   int       `json:"variation"`
	Moves       []string  `json:"moves"`
	PositionKey string    `json:"position_key"`
	Stats       *Stats    `json:"stats,omitempty"`
	EnrichedAt  time.Time `json:"enriched_at"`
}

// Identity 線路的唯一識別（upsert 用）
func (l EnrichedLine) Identity() string {
	return Identity(l.Course, l.Chapter, l.Unit, l.Variation)
}

// QueueItem 等待抓取統計的佇列項目
type QueueItem struct {
	Course      string   `json:"course"`
	Chapter     string   `json:"chapter"`
	Unit        string   `json:"unit"`
	Variation   int      `json:"variation"`
	Moves       []string `json:"moves"`
	PositionKey string   `json:"position_key"`
}

// Identity 與 EnrichedLine.Identity 相同的識別方式
func (q QueueItem) Identity() string {
	return Identity(q.Course, q.Chapter, q.Unit, q.Variation)
}

// Enriched 以給定統計轉換成 EnrichedLine
func (q QueueItem) Enriched(stats *Stats, at time.Time) EnrichedLine {
	return EnrichedLine{
		Course:      q.Course,
		Chapter:     q.Chapter,
		Unit:        q.Unit,
		Variation:   q.Variation,
		Moves:       append([]string(nil), q.Moves...),
		PositionKey: q.PositionKey,
		Stats:       stats,
		EnrichedAt:  at,
	}
}

// ItemFromEnriched 由已持久化的線路重建佇列項目（重新富化時使用）
func ItemFromEnriched(l EnrichedLine) QueueItem {
	return QueueItem{
		Course:      l.Course,
		Chapter:     l.Chapter,
		Unit:        l.Unit,
		Variation:   l.Variation,
		Moves:       append([]string(nil), l.Moves...),
		PositionKey: l.PositionKey,
	}
}

// Identity 組合 course/chapter/unit/variation 成唯一字串
func Identity(course, chapter, unit string, variation int) string {
	return fmt.Sprintf("%s|%s|%s|%d", course, chapter, unit, variation)
}

// Unit 課程中的一個內容單元
type Unit struct {
	ID      string `json:"id"`
	Chapter string `json:"chapter"`
	Title   string `json:"title"`
}

// Course 課程結構
type Course struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Units []Unit `json:"units"`
}

// Settings 開局資料庫查詢條件（等級分區間與時間控制）
type Settings struct {
	Ratings []int    `json:"ratings" yaml:"ratings"`
	Speeds  []string `json:"speeds" yaml:"speeds"`
}

// DefaultSettings 預設查詢條件
func DefaultSettings() Settings {
	return Settings{
		Ratings: []int{1600, 1800, 2000, 2200, 2500},
		Speeds:  []string{"blitz", "rapid", "classical"},
	}
}

// Normalize 排序並去除重複值，回傳新的 Settings
func (s Settings) Normalize() Settings {
	out := Settings{}
	seenR := make(map[int]bool)
	for _, r := range s.Ratings {
		if !seenR[r] {
			seenR[r] = true
			out.Ratings = append(out.Ratings, r)
		}
	}
	sort.Ints(out.Ratings)

	seenS := make(map[string]bool)
	for _, sp := range s.Speeds {
		sp = strings.ToLower(strings.TrimSpace(sp))
		if sp != "" && !seenS[sp] {
			seenS[sp] = true
			out.Speeds = append(out.Speeds, sp)
		}
	}
	sort.Strings(out.Speeds)
	return out
}

// Equal 比較兩組設定（正規化後）
func (s Settings) Equal(other Settings) bool {
	a, b := s.Normalize(), other.Normalize()
	if len(a.Ratings) != len(b.Ratings) || len(a.Speeds) != len(b.Speeds) {
		return false
	}
	for i := range a.Ratings {
		if a.Ratings[i] != b.Ratings[i] {
			return false
		}
	}
	for i := range a.Speeds {
		if a.Speeds[i] != b.Speeds[i] {
			return false
		}
	}
	return true
}

// EventType 即時廣播事件類型
type EventType string

// 定義事件類型常數
const (
	EventLineEnriched       EventType = "line_enriched"       // 一條線路完成富化
	EventEnrichmentComplete EventType = "enrichment_complete" // 佇列清空、沒有進行中的批次
	EventExtractionComplete EventType = "extraction_complete" // 擷取階段結束（不代表富化結束）
	EventRunFailed          EventType = "run_failed"          // 擷取無法開始（課程結構抓取失敗）
)

// Event 即時廣播事件
type Event struct {
	Type    EventType      `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Line    *EnrichedLine  `json:"line,omitempty"`
	Message string         `json:"message,omitempty"`
	Counts  map[string]int `json:"counts,omitempty"`
	At      time.Time      `json:"at"`
}
