package models

import (
	"time"

	"github.com/uptrace/bun"
)

type MoveTxStatus string

const (
	MoveTxStatusWaitingForObjectID MoveTxStatus = "waiting_for_object_id"
	MoveTxStatusSubmitted          MoveTxStatus = "submitted"
	MoveTxStatusConfirmed          MoveTxStatus = "confirmed"
	MoveTxStatusFailed             MoveTxStatus = "failed"
)

// GameMove is the authoritative off-chain record of a move, written before any ledger work.
type GameMove struct {
	bun.BaseModel     `bun:"table:game_move"`
	ID                int64        `bun:"id,pk,autoincrement" json:"id"`
	GameID            string       `bun:"game_id,notnull" json:"game_id"`
	Ply               int          `bun:"ply,notnull" json:"ply"`
	PlayerID          string       `bun:"player_id,notnull" json:"player_id"`
	SAN               string       `bun:"san,notnull" json:"san"`
	UCI               string       `bun:"uci,notnull" json:"uci"`
	ResultingPosition string       `bun:"resulting_position,notnull" json:"resulting_position"`
	MoveHash          string       `bun:"move_hash,notnull" json:"move_hash"`
	IsComputerMove    bool         `bun:"is_computer_move,notnull,default:false" json:"is_computer_move"`
	TransactionID     string       `bun:"transaction_id,notnull" json:"transaction_id"`
	TxStatus          MoveTxStatus `bun:"tx_status,notnull" json:"tx_status"`
	TxDigest          *string      `bun:"tx_digest" json:"tx_digest,omitempty"`
	TxError           *string      `bun:"tx_error" json:"tx_error,omitempty"`
	CreatedAt         time.Time    `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt         time.Time    `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}
