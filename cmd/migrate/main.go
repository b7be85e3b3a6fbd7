package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	"gambit/internal/datastore"

	"github.com/hiendaovinh/toolkit/pkg/env"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/urfave/cli/v2"
)

func init() {
	// for development
	//nolint:errcheck
	godotenv.Load("../../.env")

	// for production
	//nolint:errcheck
	godotenv.Load("./.env")
}

func main() {
	app := &cli.App{
		Name: "migrate",
		Commands: []*cli.Command{
			commandMigration(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func commandMigration() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create the game, move, reward and mint task tables",
		Action: func(c *cli.Context) error {
			vs, err := env.EnvsRequired("DB_DSN")
			if err != nil {
				return err
			}

			db := getDb(vs["DB_DSN"])
			defer db.Close()

			if err := datastore.CreateTables(context.Background(), db); err != nil {
				return err
			}

			log.Println("Migration success")
			return nil
		},
	}
}

func getDb(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithPassword(os.Getenv("DB_PASSWORD")),
	))

	return bun.NewDB(sqldb, pgdialect.New())
}
