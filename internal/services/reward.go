package services

import (
	"context"
	"errors"
	"time"

	"gambit/internal/config"
	"gambit/internal/datastore"
	"gambit/internal/interfaces"
	"gambit/internal/models"
	"gambit/internal/pkg/caching"
	"gambit/internal/pkg/ton_utils"

	"github.com/go-redis/redis_rate/v10"
	"github.com/google/uuid"
	"github.com/hiendaovinh/toolkit/pkg/limiter"
	"github.com/samber/do"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

type ServiceReward struct {
	container          *do.Injector
	postgresDB         *bun.DB
	readonlyPostgresDB *bun.DB
	cache              caching.Cache
	readonlyCache      caching.ReadOnlyCache
	limiter            interfaces.Limiter
	cfg                config.Queue
	now                func() time.Time
}

func NewServiceReward(container *do.Injector) (*ServiceReward, error) {
	postgresDB, err := do.Invoke[*bun.DB](container)
	if err != nil {
		return nil, err
	}

	readonlyPostgresDB, err := do.InvokeNamed[*bun.DB](container, "db-readonly")
	if err != nil {
		return nil, err
	}

	cache, err := do.Invoke[caching.Cache](container)
	if err != nil {
		return nil, err
	}

	// only provided when a cache replica is configured
	readonlyCache, _ := do.Invoke[caching.ReadOnlyCache](container)

	limiter, err := do.Invoke[interfaces.Limiter](container)
	if err != nil {
		return nil, err
	}

	cfg, err := do.Invoke[*config.Server](container)
	if err != nil {
		return nil, err
	}

	return &ServiceReward{
		container:          container,
		postgresDB:         postgresDB,
		readonlyPostgresDB: readonlyPostgresDB,
		cache:              cache,
		readonlyCache:      readonlyCache,
		limiter:            limiter,
		cfg:                cfg.Queue,
		now:                func() time.Time { return time.Now().UTC() },
	}, nil
}

// NextUnearnedTier picks the lowest tier the player qualifies for and has not been issued yet.
func NextUnearnedTier(earned map[models.RewardType]bool, sortedTiers []models.WinTier, currentCount int) (models.WinTier, bool) {
	for _, tier := range sortedTiers {
		if tier.Wins > currentCount {
			break
		}
		if !earned[tier.RewardType] {
			return tier, true
		}
	}
	return models.WinTier{}, false
}

func (service *ServiceReward) GetEarnedRewardTypes(ctx context.Context, playerID string) ([]models.RewardType, error) {
	callback := func() ([]models.RewardType, error) {
		return datastore.GetPlayerRewardTypes(ctx, service.readonlyPostgresDB, playerID)
	}

	if service.readonlyCache == nil {
		return caching.UseCache(ctx, service.cache, DBKeyPlayerRewards(playerID), CACHE_TTL_5_MINS, callback)
	}
	return caching.UseCacheWithRO(ctx, service.readonlyCache, service.cache, DBKeyPlayerRewards(playerID), CACHE_TTL_5_MINS, callback)
}

// earnedSet treats a failed lookup as nothing earned.
func (service *ServiceReward) earnedSet(ctx context.Context, playerID string) map[models.RewardType]bool {
	earned := make(map[models.RewardType]bool)

	types, err := service.GetEarnedRewardTypes(ctx, playerID)
	if err != nil {
		zap.L().Warn("earned rewards lookup failed, continuing", zap.String("player_id", playerID), zap.Error(err))
		return earned
	}

	for _, t := range types {
		earned[t] = true
	}
	return earned
}

func unearnedTierCount(earned map[models.RewardType]bool) int {
	n := 0
	for _, tier := range models.WinTiers {
		if !earned[tier.RewardType] {
			n++
		}
	}
	return n
}

// Enqueue stores a pending mint task unless the reward was already issued or is still queued.
// Win-count tasks are only refused once every tier is issued or covered by an active task.
func (service *ServiceReward) Enqueue(ctx context.Context, playerID string, rewardType models.RewardType, playerAddress string) (*models.MintTask, error) {
	if playerID == "" {
		return nil, ErrMissingPlayer
	}

	address, err := ton_utils.NormalizeAddress(playerAddress)
	if err != nil {
		return nil, ErrInvalidAddress
	}

	earned := service.earnedSet(ctx, playerID)
	if rewardType.IsWinFamily() {
		remaining := unearnedTierCount(earned)
		if remaining == 0 {
			return nil, ErrDuplicateTask
		}

		active, err := datastore.CountActiveMintTasks(ctx, service.postgresDB, playerID, rewardType)
		if err != nil {
			zap.L().Warn("active task count failed, continuing", zap.String("player_id", playerID), zap.Error(err))
		} else if active >= remaining {
			return nil, ErrDuplicateTask
		}
	} else {
		if earned[rewardType] {
			return nil, ErrDuplicateTask
		}

		exists, err := datastore.ExistsActiveMintTask(ctx, service.postgresDB, playerID, rewardType)
		if err != nil {
			zap.L().Warn("active task lookup failed, continuing", zap.String("player_id", playerID), zap.Error(err))
		} else if exists {
			return nil, ErrDuplicateTask
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	maxRetries := service.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultMintTaskMaxRetries
	}

	now := service.now()
	task := &models.MintTask{
		ID:            id.String(),
		RewardType:    rewardType,
		PlayerID:      playerID,
		PlayerAddress: address,
		Status:        models.MintTaskStatusPending,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := datastore.InsertMintTask(ctx, service.postgresDB, task); err != nil {
		return nil, err
	}

	zap.L().Info("mint task queued", zap.String("task_id", task.ID), zap.String("player_id", playerID), zap.String("reward_type", string(rewardType)))
	return task, nil
}

// RequestMint is the rate limited entry for client initiated requests.
func (service *ServiceReward) RequestMint(ctx context.Context, playerID string, rewardType string, playerAddress string) (*models.MintTask, error) {
	t, ok := models.ParseRewardType(rewardType)
	if !ok {
		return nil, ErrUnknownRewardType
	}

	if service.cfg.RequestMintPerMinute > 0 {
		err := service.limiter.Allow(ctx, LimitKeyRequestMint(playerID), redis_rate.PerMinute(service.cfg.RequestMintPerMinute))
		if errors.Is(err, limiter.ErrRateLimited) {
			return nil, err
		}
		if err != nil {
			zap.L().Warn("rate limiter unavailable", zap.Error(err))
		}
	}

	return service.Enqueue(ctx, playerID, t, playerAddress)
}

// ResolveWinTier picks the lowest reachable tier that is neither issued nor pinned by an active
// task other than excludeTaskID.
func (service *ServiceReward) ResolveWinTier(ctx context.Context, playerID string, excludeTaskID string) (models.WinTier, bool, error) {
	wins, err := datastore.CountWins(ctx, service.readonlyPostgresDB, playerID)
	if err != nil {
		return models.WinTier{}, false, err
	}

	pinned, err := datastore.GetPinnedRewardTypes(ctx, service.postgresDB, playerID, excludeTaskID)
	if err != nil {
		return models.WinTier{}, false, err
	}

	taken := service.earnedSet(ctx, playerID)
	for _, t := range pinned {
		taken[t] = true
	}

	tier, ok := NextUnearnedTier(taken, models.SortedWinTiers(), wins)
	return tier, ok, nil
}

// PrepareTask pins a win-count task to its tier. It reports false and drops the row when there
// is nothing left to mint.
func (service *ServiceReward) PrepareTask(ctx context.Context, task *models.MintTask) (bool, error) {
	if !task.RewardType.IsWinFamily() {
		return true, nil
	}

	tier, ok, err := service.ResolveWinTier(ctx, task.PlayerID, task.ID)
	if err != nil {
		return false, err
	}

	if !ok {
		zap.L().Info("no win tier left to mint, dropping task", zap.String("task_id", task.ID), zap.String("player_id", task.PlayerID))
		return false, datastore.DeleteMintTask(ctx, service.postgresDB, task.ID)
	}

	task.ResolvedRewardType = &tier.RewardType
	return true, nil
}

// RecordMinted issues the reward for a finished task and clears queued duplicates.
func (service *ServiceReward) RecordMinted(ctx context.Context, task *models.MintTask, objectID string) error {
	return service.recordIssued(ctx, task.PlayerID, task.PlayerAddress, task.EffectiveRewardType(), task.RewardType, objectID)
}

// ClaimReward records a mint the player's client performed outside the queue.
func (service *ServiceReward) ClaimReward(ctx context.Context, player *models.PlayerFromAuth, rewardType string, objectID string) (models.RewardType, error) {
	t, ok := models.ParseRewardType(rewardType)
	if !ok {
		return "", ErrUnknownRewardType
	}

	issued := t
	if t.IsWinFamily() {
		tier, ok, err := service.ResolveWinTier(ctx, player.ID, "")
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrDuplicateTask
		}
		issued = tier.RewardType
	}

	return issued, service.recordIssued(ctx, player.ID, player.Address, issued, t, objectID)
}

func (service *ServiceReward) recordIssued(ctx context.Context, playerID, playerAddress string, issued, queued models.RewardType, objectID string) error {
	inserted, err := datastore.InsertPlayerReward(ctx, service.postgresDB, &models.PlayerReward{
		PlayerID:      playerID,
		PlayerAddress: playerAddress,
		RewardType:    issued,
		ObjectID:      objectID,
		CreatedAt:     service.now(),
	})
	if err != nil {
		return err
	}

	if !inserted {
		zap.L().Info("reward already recorded", zap.String("player_id", playerID), zap.String("reward_type", string(issued)))
	}

	if !queued.IsWinFamily() {
		if err := datastore.DeleteActiveMintTasks(ctx, service.postgresDB, playerID, queued); err != nil {
			return err
		}
	}

	if err := service.cache.Delete(ctx, DBKeyPlayerRewards(playerID)); err != nil {
		zap.L().Warn("player reward cache invalidation failed", zap.String("player_id", playerID), zap.Error(err))
	}
	return nil
}

func (service *ServiceReward) Status(ctx context.Context, playerID string, rewardType string) (*models.RewardStatus, error) {
	t, ok := models.ParseRewardType(rewardType)
	if !ok {
		return nil, ErrUnknownRewardType
	}

	earned := service.earnedSet(ctx, playerID)
	status := &models.RewardStatus{RewardType: t}
	if t.IsWinFamily() {
		status.Earned = unearnedTierCount(earned) == 0
	} else {
		status.Earned = earned[t]
	}

	queued, err := datastore.ExistsActiveMintTask(ctx, service.readonlyPostgresDB, playerID, t)
	if err != nil {
		return nil, err
	}
	status.Queued = queued

	return status, nil
}
