package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gambit/internal/client"
	"gambit/internal/config"
	"gambit/internal/logger"
	"gambit/internal/pkg/ton_utils"
	"gambit/internal/services"

	"github.com/hiendaovinh/toolkit/pkg/env"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
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
	if _, err := env.EnvsRequired("CLIENT_TOKEN"); err != nil {
		log.Fatal(err)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal(err)
	}

	flush, err := logger.Init(os.Getenv("CLIENT_MODE"))
	if err != nil {
		log.Fatal(err)
	}
	defer flush()

	app := &cli.App{
		Name: "client",
		Commands: []*cli.Command{
			commandRun(cfg),
			commandClaim(cfg),
			commandNewGame(cfg),
			commandMove(cfg),
		},
	}

	if err := app.Run(os.Args); err != nil {
		zap.L().Fatal("client exited", zap.Error(err))
	}
}

func newAPI(cfg *config.Client) *client.API {
	return client.NewAPI(client.APIConfig{
		BaseURL:    cfg.ServerURL,
		Token:      cfg.Token,
		Timeout:    cfg.HTTPTimeout,
		RetryCount: 2,
	})
}

func newWallet(cfg *config.Client) (*ton_utils.WalletExecutor, error) {
	if cfg.Ledger.Seed == "" {
		return nil, fmt.Errorf("LEDGER_SEED is required to sign transactions")
	}

	return ton_utils.NewWalletExecutor(ton_utils.WalletConfig{
		Seed:     cfg.Ledger.Seed,
		Registry: cfg.Ledger.Registry,
		Amount:   cfg.Ledger.Amount,
		Testnet:  cfg.Ledger.Testnet,
	})
}

func retryConfig(cfg *config.Client) client.RetryConfig {
	return client.RetryConfig{
		PollInterval:   cfg.PollInterval,
		TaskMaxAge:     cfg.TaskMaxAge,
		LockStaleAfter: cfg.LockStaleAfter,
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase,
	}
}

func storageDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000", path)
}

func commandRun(cfg *config.Client) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "connect to the gateway and execute ledger work for the player",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			wallet, err := newWallet(cfg)
			if err != nil {
				return err
			}

			api := newAPI(cfg)
			player, err := api.Me(ctx)
			if err != nil {
				return err
			}

			storage, err := client.OpenStorage(ctx, storageDSN(cfg.StoragePath))
			if err != nil {
				return err
			}
			defer storage.Close()

			conn, err := client.Dial(ctx, cfg.ServerURL, cfg.Token)
			if err != nil {
				return err
			}
			defer conn.Close()

			app := &client.Client{
				Player:       *player,
				Conn:         conn,
				API:          api,
				Queue:        client.NewRetryQueue(storage, wallet, api, retryConfig(cfg), client.ReportResult(conn, api)),
				Orchestrator: client.NewMoveOrchestrator(api, wallet, conn),
			}

			zap.L().Info("client running", zap.String("player", player.Address), zap.String("wallet", wallet.Address()))
			if err := app.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func commandClaim(cfg *config.Client) *cli.Command {
	return &cli.Command{
		Name:  "claim",
		Usage: "mint a reward from this client and report it to the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "reward-type",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			wallet, err := newWallet(cfg)
			if err != nil {
				return err
			}

			api := newAPI(cfg)
			player, err := api.Me(ctx)
			if err != nil {
				return err
			}

			storage, err := client.OpenStorage(ctx, storageDSN(cfg.StoragePath))
			if err != nil {
				return err
			}
			defer storage.Close()

			queue := client.NewRetryQueue(storage, wallet, api, retryConfig(cfg), client.ReportResult(nil, api))
			if err := queue.Load(ctx); err != nil {
				return err
			}

			queue.Enqueue(ctx, c.String("reward-type"), *player)
			queue.Flush()

			ticker := time.NewTicker(cfg.PollInterval)
			defer ticker.Stop()
			for len(queue.Entries()) > 0 {
				if _, err := queue.Tick(ctx); err != nil {
					return err
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}

			return nil
		},
	}
}

func commandNewGame(cfg *config.Client) *cli.Command {
	return &cli.Command{
		Name:  "new-game",
		Usage: "start a game against the computer or another player",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "opponent-address"},
			&cli.StringFlag{Name: "play-as", Value: "white"},
		},
		Action: func(c *cli.Context) error {
			opponent := c.String("opponent-address")
			game, err := newAPI(cfg).CreateGame(c.Context, services.CreateGameParams{
				OpponentID:      opponent,
				OpponentAddress: opponent,
				VsComputer:      opponent == "",
				PlayAs:          c.String("play-as"),
			})
			if err != nil {
				return err
			}

			fmt.Println(game.ID, game.FEN)
			return nil
		},
	}
}

func commandMove(cfg *config.Client) *cli.Command {
	return &cli.Command{
		Name:  "move",
		Usage: "submit a move in SAN",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "game", Required: true},
			&cli.StringFlag{Name: "san", Required: true},
		},
		Action: func(c *cli.Context) error {
			api := newAPI(cfg)
			// signing happens in the running client, which receives the transaction requests
			orchestrator := client.NewMoveOrchestrator(api, nil, nil)

			result, err := orchestrator.SubmitMove(c.Context, c.String("game"), c.String("san"))
			if err != nil {
				return err
			}

			board, _ := orchestrator.Board(c.String("game"))
			fmt.Println(board.FEN, board.Turn, board.Status)
			for _, move := range result.Moves {
				fmt.Println(move.Ply, move.SAN, move.TxStatus)
			}
			return nil
		},
	}
}
