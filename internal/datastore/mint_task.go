package datastore

import (
	"context"
	"time"

	"gambit/internal/models"

	"github.com/uptrace/bun"
)

var activeMintTaskStatuses = []models.MintTaskStatus{
	models.MintTaskStatusPending,
	models.MintTaskStatusProcessing,
}

func CreateTableMintTask(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().Model((*models.MintTask)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return err
	}

	_, err = db.NewCreateIndex().Model((*models.MintTask)(nil)).Index("index_mint_task_player_address_status").IfNotExists().Column("player_address", "status", "created_at").Exec(ctx)
	if err != nil {
		return err
	}

	_, err = db.NewCreateIndex().Model((*models.MintTask)(nil)).Index("index_mint_task_player_reward").IfNotExists().Column("player_id", "reward_type").Exec(ctx)
	if err != nil {
		return err
	}

	return nil
}

func InsertMintTask(ctx context.Context, db bun.IDB, task *models.MintTask) error {
	_, err := db.NewInsert().Model(task).Exec(ctx)
	return err
}

func GetMintTask(ctx context.Context, db bun.IDB, id string) (*models.MintTask, error) {
	task := new(models.MintTask)
	err := db.NewSelect().Model(task).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, err
	}

	return task, nil
}

func ExistsActiveMintTask(ctx context.Context, db bun.IDB, playerID string, rewardType models.RewardType) (bool, error) {
	return db.NewSelect().Model((*models.MintTask)(nil)).
		Where("player_id = ?", playerID).
		Where("reward_type = ?", rewardType).
		Where("status IN (?)", bun.In(activeMintTaskStatuses)).
		Exists(ctx)
}

func CountActiveMintTasks(ctx context.Context, db bun.IDB, playerID string, rewardType models.RewardType) (int, error) {
	return db.NewSelect().Model((*models.MintTask)(nil)).
		Where("player_id = ?", playerID).
		Where("reward_type = ?", rewardType).
		Where("status IN (?)", bun.In(activeMintTaskStatuses)).
		Count(ctx)
}

// GetPinnedRewardTypes lists the tiers active tasks of a player were already resolved to,
// leaving out excludeID.
func GetPinnedRewardTypes(ctx context.Context, db bun.IDB, playerID string, excludeID string) ([]models.RewardType, error) {
	var types []models.RewardType
	q := db.NewSelect().Model((*models.MintTask)(nil)).
		Column("resolved_reward_type").
		Where("player_id = ?", playerID).
		Where("status IN (?)", bun.In(activeMintTaskStatuses)).
		Where("resolved_reward_type IS NOT NULL")
	if excludeID != "" {
		q = q.Where("id != ?", excludeID)
	}

	if err := q.Scan(ctx, &types); err != nil {
		return nil, err
	}
	return types, nil
}

// GetPendingPlayerAddresses lists players that still have pending work.
func GetPendingPlayerAddresses(ctx context.Context, db bun.IDB) ([]string, error) {
	var addresses []string
	err := db.NewSelect().Model((*models.MintTask)(nil)).
		ColumnExpr("DISTINCT player_address").
		Where("status = ?", models.MintTaskStatusPending).
		Scan(ctx, &addresses)
	if err != nil {
		return nil, err
	}

	return addresses, nil
}

// GetNextPendingMintTask returns the oldest pending task of a player, sql.ErrNoRows when drained.
func GetNextPendingMintTask(ctx context.Context, db bun.IDB, playerAddress string) (*models.MintTask, error) {
	task := new(models.MintTask)
	err := db.NewSelect().Model(task).
		Where("player_address = ?", playerAddress).
		Where("status = ?", models.MintTaskStatusPending).
		Order("created_at ASC", "id ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	return task, nil
}

func GetPendingMintTasks(ctx context.Context, db bun.IDB, limit int) ([]models.MintTask, error) {
	var tasks []models.MintTask
	err := db.NewSelect().Model(&tasks).
		Where("status = ?", models.MintTaskStatusPending).
		Order("created_at ASC", "id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

// MarkMintTaskProcessing moves a pending task to processing. It reports false when the row
// was already taken by someone else.
func MarkMintTaskProcessing(ctx context.Context, db bun.IDB, task *models.MintTask, now time.Time) (bool, error) {
	res, err := db.NewUpdate().Model((*models.MintTask)(nil)).
		Set("status = ?", models.MintTaskStatusProcessing).
		Set("resolved_reward_type = ?", task.ResolvedRewardType).
		Set("updated_at = ?", now).
		Set("processed_at = ?", now).
		Where("id = ?", task.ID).
		Where("status = ?", models.MintTaskStatusPending).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if n == 0 {
		return false, nil
	}

	task.Status = models.MintTaskStatusProcessing
	task.UpdatedAt = now
	task.ProcessedAt = &now
	return true, nil
}

func RevertMintTaskToPending(ctx context.Context, db bun.IDB, id string, now time.Time) error {
	_, err := db.NewUpdate().Model((*models.MintTask)(nil)).
		Set("status = ?", models.MintTaskStatusPending).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.MintTaskStatusProcessing).
		Exec(ctx)
	return err
}

func MarkMintTaskFailed(ctx context.Context, db bun.IDB, id string, message string, now time.Time) error {
	_, err := db.NewUpdate().Model((*models.MintTask)(nil)).
		Set("status = ?", models.MintTaskStatusFailed).
		Set("error_message = ?", message).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func IncrementMintTaskRetries(ctx context.Context, db bun.IDB, id string, message string, now time.Time) error {
	_, err := db.NewUpdate().Model((*models.MintTask)(nil)).
		Set("retries = retries + 1").
		Set("status = ?", models.MintTaskStatusPending).
		Set("error_message = ?", message).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func DeleteMintTask(ctx context.Context, db bun.IDB, id string) error {
	_, err := db.NewDelete().Model((*models.MintTask)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

func DeleteActiveMintTasks(ctx context.Context, db bun.IDB, playerID string, rewardType models.RewardType) error {
	_, err := db.NewDelete().Model((*models.MintTask)(nil)).
		Where("player_id = ?", playerID).
		Where("reward_type = ?", rewardType).
		Where("status IN (?)", bun.In(activeMintTaskStatuses)).
		Exec(ctx)
	return err
}

// RequeueStaleMintTasks puts processing rows not touched since before back to pending
// and returns them.
func RequeueStaleMintTasks(ctx context.Context, db *bun.DB, before time.Time, now time.Time) ([]models.MintTask, error) {
	var tasks []models.MintTask
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().Model(&tasks).
			Where("status = ?", models.MintTaskStatusProcessing).
			Where("updated_at < ?", before).
			Order("created_at ASC").
			Scan(ctx)
		if err != nil {
			return err
		}

		if len(tasks) == 0 {
			return nil
		}

		ids := make([]string, 0, len(tasks))
		for _, task := range tasks {
			ids = append(ids, task.ID)
		}

		_, err = tx.NewUpdate().Model((*models.MintTask)(nil)).
			Set("status = ?", models.MintTaskStatusPending).
			Set("updated_at = ?", now).
			Where("id IN (?)", bun.In(ids)).
			Where("status = ?", models.MintTaskStatusProcessing).
			Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}
