package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateTask      = errors.New("reward already earned or queued")
	ErrUnknownRewardType  = errors.New("unknown reward type")
	ErrInvalidAddress     = errors.New("invalid player address")
	ErrMissingPlayer      = errors.New("missing player")
	ErrMintTaskNotFound   = errors.New("mint task not found")
	ErrNotTaskOwner       = errors.New("mint task belongs to another player")
	ErrGameNotFound       = errors.New("game not found")
	ErrGameLocked         = errors.New("game locked")
	ErrGameOver           = errors.New("game is over")
	ErrNotInGame          = errors.New("player is not seated in this game")
	ErrNotYourTurn        = errors.New("not your turn")
	ErrInvalidOpponent    = errors.New("invalid opponent")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrLegacyMintDisabled = errors.New("legacy mint has no server wallet configured")
	ErrLegacyMintLocked   = errors.New("legacy reconciliation already running")
	ErrInvalidProof       = errors.New("invalid proof")
)

const (
	SERVER_MODE_DEVELOPMENT = "development"
	SERVER_MODE_PRODUCTION  = "production"

	CACHE_TTL_1_MIN  = 1 * time.Minute
	CACHE_TTL_5_MINS = 5 * time.Minute

	TOKEN_TTL = 7 * 24 * time.Hour

	TX_PREFIX_CREATE_GAME = "create"
	TX_PREFIX_MOVE        = "move"
	TX_PREFIX_END_GAME    = "end"
	TX_PREFIX_MINT        = "mint"
)

func LockKeyMintQueue(playerAddress string) string {
	return fmt.Sprintf("lock:mint-queue:%s", playerAddress)
}

func LockKeyLegacyReconcile() string {
	return "lock:legacy-reconcile"
}

func LockKeyGame(gameID string) string {
	return fmt.Sprintf("lock:game:%s", gameID)
}

// db
func DBKeyPlayerRewards(playerID string) string {
	return fmt.Sprintf("player_rewards:%s", playerID)
}

func LimitKeyRequestMint(playerID string) string {
	return fmt.Sprintf("limit:request-mint:%s", playerID)
}
