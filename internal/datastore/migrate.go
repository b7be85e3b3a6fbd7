package datastore

import (
	"context"

	"github.com/uptrace/bun"
)

func CreateTables(ctx context.Context, db *bun.DB) error {
	for _, create := range []func(context.Context, *bun.DB) error{
		CreateTableMintTask,
		CreateTablePlayerReward,
		CreateTableGame,
		CreateTableGameMove,
	} {
		if err := create(ctx, db); err != nil {
			return err
		}
	}

	return nil
}
