package datastore

import (
	"context"
	"time"

	"gambit/internal/models"

	"github.com/uptrace/bun"
)

func CreateTableGameMove(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().Model((*models.GameMove)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return err
	}

	_, err = db.NewCreateIndex().Model((*models.GameMove)(nil)).Index("index_game_move_transaction_id").Unique().IfNotExists().Column("transaction_id").Exec(ctx)
	if err != nil {
		return err
	}

	_, err = db.NewCreateIndex().Model((*models.GameMove)(nil)).Index("index_game_move_game_ply").Unique().IfNotExists().Column("game_id", "ply").Exec(ctx)
	if err != nil {
		return err
	}

	return nil
}

func InsertGameMove(ctx context.Context, db bun.IDB, move *models.GameMove) error {
	_, err := db.NewInsert().Model(move).Exec(ctx)
	return err
}

func GetGameMoves(ctx context.Context, db bun.IDB, gameID string) ([]models.GameMove, error) {
	var moves []models.GameMove
	err := db.NewSelect().Model(&moves).
		Where("game_id = ?", gameID).
		Order("ply ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	return moves, nil
}

func GetGameMoveByTxID(ctx context.Context, db bun.IDB, txID string) (*models.GameMove, error) {
	move := new(models.GameMove)
	err := db.NewSelect().Model(move).Where("transaction_id = ?", txID).Scan(ctx)
	if err != nil {
		return nil, err
	}

	return move, nil
}

func UpdateGameMoveTx(ctx context.Context, db bun.IDB, txID string, status models.MoveTxStatus, digest *string, txErr *string, now time.Time) error {
	_, err := db.NewUpdate().Model((*models.GameMove)(nil)).
		Set("tx_status = ?", status).
		Set("tx_digest = ?", digest).
		Set("tx_error = ?", txErr).
		Set("updated_at = ?", now).
		Where("transaction_id = ?", txID).
		Exec(ctx)
	return err
}

// MarkGameMovesSubmittable flips moves parked for an unknown object id to submitted.
func MarkGameMovesSubmittable(ctx context.Context, db bun.IDB, gameID string, now time.Time) error {
	_, err := db.NewUpdate().Model((*models.GameMove)(nil)).
		Set("tx_status = ?", models.MoveTxStatusSubmitted).
		Set("updated_at = ?", now).
		Where("game_id = ?", gameID).
		Where("tx_status = ?", models.MoveTxStatusWaitingForObjectID).
		Exec(ctx)
	return err
}
