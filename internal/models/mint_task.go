package models

import (
	"time"

	"github.com/uptrace/bun"
)

type MintTaskStatus string

const (
	MintTaskStatusPending    MintTaskStatus = "pending"
	MintTaskStatusProcessing MintTaskStatus = "processing"
	MintTaskStatusCompleted  MintTaskStatus = "completed"
	MintTaskStatusFailed     MintTaskStatus = "failed"
)

const DefaultMintTaskMaxRetries = 3

// MintTask is one reward mint waiting for the owning player's client to execute it.
// A successful mint deletes the row.
type MintTask struct {
	bun.BaseModel      `bun:"table:mint_task"`
	ID                 string         `bun:"id,pk" json:"id"`
	RewardType         RewardType     `bun:"reward_type,notnull" json:"reward_type"`
	ResolvedRewardType *RewardType    `bun:"resolved_reward_type" json:"resolved_reward_type,omitempty"`
	PlayerID           string         `bun:"player_id,notnull" json:"player_id"`
	PlayerAddress      string         `bun:"player_address,notnull" json:"player_address"`
	Status             MintTaskStatus `bun:"status,notnull" json:"status"`
	Retries            int            `bun:"retries,notnull,default:0" json:"retries"`
	MaxRetries         int            `bun:"max_retries,notnull,default:3" json:"max_retries"`
	ErrorMessage       *string        `bun:"error_message" json:"error_message,omitempty"`
	CreatedAt          time.Time      `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt          time.Time      `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
	ProcessedAt        *time.Time     `bun:"processed_at" json:"processed_at,omitempty"`
}

// EffectiveRewardType is the concrete reward the ledger mint is issued for.
func (task *MintTask) EffectiveRewardType() RewardType {
	if task.ResolvedRewardType != nil {
		return *task.ResolvedRewardType
	}
	return task.RewardType
}
