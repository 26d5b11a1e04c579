package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/linescout/pkg/types"
)

// FetchFunc 抓取一個局面在給定設定下的統計
type FetchFunc func(ctx context.Context, positionKey string, settings types.Settings) (types.Stats, error)

// Task 代表一個局面的抓取任務
type Task struct {
	Key        string         // 局面 key
	Settings   types.Settings // 查詢條件
	Generation uint64         // 提交時的設定世代
	Timeout    time.Duration  // 執行超時時間（0 表示不另設）
}

// Result 代表抓取結果
type Result struct {
	Key        string
	Generation uint64
	Stats      types.Stats
	Err        error
	Duration   time.Duration
}
