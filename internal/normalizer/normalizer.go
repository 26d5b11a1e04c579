// Package normalizer 把走法序列轉換成標準局面 key（FEN）。
//
// 每一步都交給 Board 檢查合法性，任何一步不合法就整條拒絕，
// 不會回傳部分結果。
package normalizer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrIllegalMove 走法在目前局面下不合法
	ErrIllegalMove = errors.New("illegal move")
)

// IllegalMoveError 記錄第幾步、哪個走法不合法
type IllegalMoveError struct {
	Token string
	Index int
	Cause error
}

func (e *IllegalMoveError) Error() string {
	return fmt.Sprintf("illegal move %q at index %d: %v", e.Token, e.Index, e.Cause)
}

// Is 讓 errors.Is(err, ErrIllegalMove) 成立
func (e *IllegalMoveError) Is(target error) bool {
	return target == ErrIllegalMove
}

func (e *IllegalMoveError) Unwrap() error {
	return e.Cause
}

// ============================================================================
// 走法合法性能力
// ============================================================================

// Board 走法合法性檢查能力：從初始局面開始逐步走棋
type Board interface {
	// Play 在目前局面走一步，不合法時回傳錯誤
	Play(token string) error
	// Key 目前局面的標準 key
	Key() string
}

// BoardFactory 建立一個位於初始局面的 Board
type BoardFactory func() Board

// Normalizer 走法序列正規化器
type Normalizer struct {
	newBoard BoardFactory
	memo     *lru.Cache[string, string] // 已驗證合法的序列 → key
}

// New 建立 Normalizer
//
// 參數：
//   - newBoard: Board 工廠（nil 時使用 notnil/chess 實作）
//   - memoSize: 記憶化快取大小，<= 0 時停用
func New(newBoard BoardFactory, memoSize int) (*Normalizer, error) {
	if newBoard == nil {
		newBoard = NewChessBoard
	}
	n := &Normalizer{newBoard: newBoard}
	if memoSize > 0 {
		memo, err := lru.New[string, string](memoSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create normalizer memo: %w", err)
		}
		n.memo = memo
	}
	return n, nil
}

// Normalize 逐步走完整條線路並回傳最終局面 key
func (n *Normalizer) Normalize(moves []string) (string, error) {
	memoKey := strings.Join(moves, " ")
	if n.memo != nil {
		if key, ok := n.memo.Get(memoKey); ok {
			return key, nil
		}
	}

	board := n.newBoard()
	for i, token := range moves {
		clean := CleanToken(token)
		if clean == "" {
			return "", &IllegalMoveError{Token: token, Index: i, Cause: errors.New("empty move")}
		}
		if err := board.Play(clean); err != nil {
			return "", &IllegalMoveError{Token: token, Index: i, Cause: err}
		}
	}

	key := board.Key()
	if n.memo != nil {
		n.memo.Add(memoKey, key)
	}
	return key, nil
}

// InitialKey 初始局面的 key
func (n *Normalizer) InitialKey() string {
	return n.newBoard().Key()
}

var moveNumberPrefix = regexp.MustCompile(`^\d+\.+\s*`)

// CleanToken 去除回合編號前綴（"12." / "12..."）與註解符號（! ?）
func CleanToken(token string) string {
	t := strings.TrimSpace(token)
	t = moveNumberPrefix.ReplaceAllString(t, "")
	t = strings.TrimRight(t, "!?")
	return strings.TrimSpace(t)
}
