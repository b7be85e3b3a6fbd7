package models

import (
	"time"

	"github.com/uptrace/bun"
)

type GameStatus string

const (
	GameStatusActive    GameStatus = "active"
	GameStatusCheckmate GameStatus = "checkmate"
	GameStatusStalemate GameStatus = "stalemate"
	GameStatusDraw      GameStatus = "draw"
	GameStatusResigned  GameStatus = "resigned"
)

const ComputerPlayerID = "computer"

type Game struct {
	bun.BaseModel `bun:"table:game"`
	ID            string     `bun:"id,pk" json:"id"`
	WhiteID       string     `bun:"white_id,notnull" json:"white_id"`
	WhiteAddress  string     `bun:"white_address" json:"white_address"`
	BlackID       string     `bun:"black_id,notnull" json:"black_id"`
	BlackAddress  string     `bun:"black_address" json:"black_address"`
	VsComputer    bool       `bun:"vs_computer,notnull,default:false" json:"vs_computer"`
	FEN           string     `bun:"fen,notnull" json:"fen"`
	Turn          string     `bun:"turn,notnull" json:"turn"`
	Ply           int        `bun:"ply,notnull,default:0" json:"ply"`
	InCheck       bool       `bun:"in_check,notnull,default:false" json:"in_check"`
	Status        GameStatus `bun:"status,notnull" json:"status"`
	WinnerID      *string    `bun:"winner_id" json:"winner_id,omitempty"`
	ObjectID      *string    `bun:"object_id" json:"object_id,omitempty"`
	CreateTxID    string     `bun:"create_tx_id" json:"create_tx_id"`
	EndTxID       *string    `bun:"end_tx_id" json:"end_tx_id,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
	EndedAt       *time.Time `bun:"ended_at" json:"ended_at,omitempty"`
}

func (game *Game) IsOver() bool {
	return game.Status != GameStatusActive
}

func (game *Game) HasPlayer(playerID string) bool {
	return game.WhiteID == playerID || game.BlackID == playerID
}

// ColorOf returns "white", "black" or "" when the player is not seated.
func (game *Game) ColorOf(playerID string) string {
	switch playerID {
	case game.WhiteID:
		return "white"
	case game.BlackID:
		return "black"
	}
	return ""
}

func (game *Game) AddressOf(playerID string) string {
	switch playerID {
	case game.WhiteID:
		return game.WhiteAddress
	case game.BlackID:
		return game.BlackAddress
	}
	return ""
}

// HumanPlayers lists seated players, skipping the computer side.
func (game *Game) HumanPlayers() []PlayerFromAuth {
	players := make([]PlayerFromAuth, 0, 2)
	if game.WhiteID != ComputerPlayerID {
		players = append(players, PlayerFromAuth{ID: game.WhiteID, Address: game.WhiteAddress})
	}
	if game.BlackID != ComputerPlayerID {
		players = append(players, PlayerFromAuth{ID: game.BlackID, Address: game.BlackAddress})
	}
	return players
}
