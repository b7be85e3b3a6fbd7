package datastore

import (
	"context"
	"time"

	"gambit/internal/models"

	"github.com/uptrace/bun"
)

func CreateTableGame(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().Model((*models.Game)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return err
	}

	_, err = db.NewCreateIndex().Model((*models.Game)(nil)).Index("index_game_create_tx_id").IfNotExists().Column("create_tx_id").Exec(ctx)
	if err != nil {
		return err
	}

	_, err = db.NewCreateIndex().Model((*models.Game)(nil)).Index("index_game_winner_id").IfNotExists().Column("winner_id").Exec(ctx)
	if err != nil {
		return err
	}

	return nil
}

func InsertGame(ctx context.Context, db bun.IDB, game *models.Game) error {
	_, err := db.NewInsert().Model(game).Exec(ctx)
	return err
}

func GetGame(ctx context.Context, db bun.IDB, id string) (*models.Game, error) {
	game := new(models.Game)
	err := db.NewSelect().Model(game).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, err
	}

	return game, nil
}

// GetGameByTxID finds the game whose creation or ending transaction carries txID.
func GetGameByTxID(ctx context.Context, db bun.IDB, txID string) (*models.Game, error) {
	game := new(models.Game)
	err := db.NewSelect().Model(game).
		WhereOr("create_tx_id = ?", txID).
		WhereOr("end_tx_id = ?", txID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	return game, nil
}

func UpdateGameState(ctx context.Context, db bun.IDB, game *models.Game) error {
	_, err := db.NewUpdate().Model(game).
		Column("fen", "turn", "ply", "in_check", "status", "winner_id", "end_tx_id", "updated_at", "ended_at").
		WherePK().
		Exec(ctx)
	return err
}

// SetGameObjectID assigns the on-chain object id once. It reports false when the game
// already had one.
func SetGameObjectID(ctx context.Context, db bun.IDB, gameID string, objectID string, now time.Time) (bool, error) {
	res, err := db.NewUpdate().Model((*models.Game)(nil)).
		Set("object_id = ?", objectID).
		Set("updated_at = ?", now).
		Where("id = ?", gameID).
		Where("object_id IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func CountGamesPlayed(ctx context.Context, db bun.IDB, playerID string) (int, error) {
	return db.NewSelect().Model((*models.Game)(nil)).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.WhereOr("white_id = ?", playerID).WhereOr("black_id = ?", playerID)
		}).
		Where("status != ?", models.GameStatusActive).
		Count(ctx)
}

func CountWins(ctx context.Context, db bun.IDB, playerID string) (int, error) {
	return db.NewSelect().Model((*models.Game)(nil)).
		Where("winner_id = ?", playerID).
		Count(ctx)
}
