package normalizer

import (
	"github.com/notnil/chess"
)

// chessBoard 以 notnil/chess 實作 Board，key 為 FEN
type chessBoard struct {
	game *chess.Game
}

// NewChessBoard 建立位於標準初始局面的 Board
func NewChessBoard() Board {
	return &chessBoard{
		game: chess.NewGame(chess.UseNotation(chess.AlgebraicNotation{})),
	}
}

func (b *chessBoard) Play(token string) error {
	return b.game.MoveStr(token)
}

func (b *chessBoard) Key() string {
	return b.game.Position().String()
}
