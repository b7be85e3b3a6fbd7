package datastore

import (
	"context"

	"gambit/internal/models"

	"github.com/uptrace/bun"
)

func CreateTablePlayerReward(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().Model((*models.PlayerReward)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return err
	}

	_, err = db.NewCreateIndex().Model((*models.PlayerReward)(nil)).Index("index_player_reward_player_reward").Unique().IfNotExists().Column("player_id", "reward_type").Exec(ctx)
	if err != nil {
		return err
	}

	return nil
}

// InsertPlayerReward records an issued reward once; it reports false when it was already there.
func InsertPlayerReward(ctx context.Context, db bun.IDB, reward *models.PlayerReward) (bool, error) {
	res, err := db.NewInsert().Model(reward).On("CONFLICT (player_id, reward_type) DO NOTHING").Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func GetPlayerRewardTypes(ctx context.Context, db bun.IDB, playerID string) ([]models.RewardType, error) {
	var types []models.RewardType
	err := db.NewSelect().Model((*models.PlayerReward)(nil)).
		Column("reward_type").
		Where("player_id = ?", playerID).
		Order("id ASC").
		Scan(ctx, &types)
	if err != nil {
		return nil, err
	}

	return types, nil
}
