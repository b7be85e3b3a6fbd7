package models

import (
	"time"

	"github.com/uptrace/bun"
)

// PlayerReward is an issued reward. It is the read model behind the already earned check.
type PlayerReward struct {
	bun.BaseModel `bun:"table:player_reward"`
	ID            int64      `bun:"id,pk,autoincrement" json:"id"`
	PlayerID      string     `bun:"player_id,notnull" json:"player_id"`
	PlayerAddress string     `bun:"player_address,notnull" json:"player_address"`
	RewardType    RewardType `bun:"reward_type,notnull" json:"reward_type"`
	ObjectID      string     `bun:"object_id" json:"object_id"`
	CreatedAt     time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

type RewardStatus struct {
	RewardType RewardType `json:"reward_type"`
	Earned     bool       `json:"earned"`
	Queued     bool       `json:"queued"`
}
