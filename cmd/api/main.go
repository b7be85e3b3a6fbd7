package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gambit/internal/api/handler"
	"gambit/internal/config"
	"gambit/internal/gateway"
	"gambit/internal/interfaces"
	"gambit/internal/ledger"
	"gambit/internal/logger"
	"gambit/internal/models"
	"gambit/internal/pkg/caching"
	"gambit/internal/pkg/limiter"
	"gambit/internal/pkg/ton_utils"
	"gambit/internal/services"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/hiendaovinh/toolkit/pkg/db"
	"github.com/hiendaovinh/toolkit/pkg/env"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/samber/do"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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
	vs, err := env.EnvsRequired(
		"JWT_SECRET",
		"DB_DSN",
		"TON_APP_DOMAIN",
	)
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal(err)
	}

	flush, err := logger.Init(cfg.Mode)
	if err != nil {
		log.Fatal(err)
	}
	defer flush()

	container := NewContainer(vs, cfg)

	app := &cli.App{
		Name: "api",
		Commands: []*cli.Command{
			commandServer(container),
			commandToken(container),
		},
	}

	if err := app.Run(os.Args); err != nil {
		zap.L().Fatal("api exited", zap.Error(err))
	}
}

func commandServer(container *do.Injector) *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "start the web server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "0.0.0.0:8080",
				Usage: "serve address",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := do.MustInvoke[*config.Server](container)
			router, err := handler.New(&handler.Config{
				Container:    container,
				Mode:         cfg.Mode,
				Origins:      cfg.Origins,
				LegacyAPIKey: cfg.LegacyAPIKey,
			})
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:    c.String("addr"),
				Handler: router,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sweeper, err := startSweeper(ctx, container, cfg.Queue.SweepSchedule)
			if err != nil {
				return err
			}
			defer sweeper.Stop()

			errWg, errCtx := errgroup.WithContext(ctx)

			errWg.Go(func() error {
				zap.L().Info("listen and serve", zap.String("addr", c.String("addr")), zap.String("mode", cfg.Mode))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})

			errWg.Go(func() error {
				<-errCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = errWg.Wait()
			if shutdownErr := container.Shutdown(); shutdownErr != nil {
				zap.L().Warn("container shutdown", zap.Error(shutdownErr))
			}
			return err
		},
	}
}

// startSweeper requeues processing tasks nobody answered for.
func startSweeper(ctx context.Context, container *do.Injector, schedule string) (*cron.Cron, error) {
	queue, err := do.Invoke[*services.ServiceQueue](container)
	if err != nil {
		return nil, err
	}

	runner := cron.New()
	_, err = runner.AddFunc(schedule, func() {
		n, err := queue.SweepStale(ctx)
		if err != nil {
			zap.L().Error("stale sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			zap.L().Info("stale tasks requeued", zap.Int("count", n))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	runner.Start()
	return runner, nil
}

func commandToken(container *do.Injector) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue an access token for a wallet address",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "address",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Value: services.TOKEN_TTL,
			},
		},
		Action: func(c *cli.Context) error {
			authentication, err := do.Invoke[*services.Authentication](container)
			if err != nil {
				return err
			}

			address, err := ton_utils.NormalizeAddress(c.String("address"))
			if err != nil {
				return err
			}

			token, err := authentication.CreateToken(&models.PlayerFromAuth{ID: address, Address: address}, c.Duration("ttl"))
			if err != nil {
				return err
			}

			fmt.Println(token)
			return nil
		},
	}
}

func newRedis(clusterEnv string, urlEnv string) (redis.UniversalClient, error) {
	if clusterURL := os.Getenv(clusterEnv); clusterURL != "" {
		clusterOpts, err := redis.ParseClusterURL(clusterURL)
		if err != nil {
			return nil, err
		}
		return redis.NewClusterClient(clusterOpts), nil
	}

	return db.InitRedis(&db.RedisConfig{
		URL: os.Getenv(urlEnv),
	})
}

func NewContainer(vs map[string]string, cfg *config.Server) *do.Injector {
	injector := do.New()

	do.ProvideNamedValue(injector, "envs", vs)
	do.ProvideValue(injector, cfg)

	do.Provide(injector, func(i *do.Injector) (*bun.DB, error) {
		sqldb := sql.OpenDB(pgdriver.NewConnector(
			pgdriver.WithDSN(os.Getenv("DB_DSN")),
			pgdriver.WithPassword(os.Getenv("DB_PASSWORD")),
		))

		return bun.NewDB(sqldb, pgdialect.New()), nil
	})

	do.ProvideNamed(injector, "db-readonly", func(i *do.Injector) (*bun.DB, error) {
		dsn := os.Getenv("DB_DSN_READONLY")
		if dsn == "" {
			return do.Invoke[*bun.DB](i)
		}

		sqldb := sql.OpenDB(pgdriver.NewConnector(
			pgdriver.WithDSN(dsn),
			pgdriver.WithPassword(os.Getenv("DB_PASSWORD_READONLY")),
		))

		return bun.NewDB(sqldb, pgdialect.New()), nil
	})

	do.ProvideNamed(injector, "redis-db", func(i *do.Injector) (redis.UniversalClient, error) {
		return newRedis("CLUSTER_REDIS_DB", "REDIS_DB")
	})

	do.ProvideNamed(injector, "redis-cache", func(i *do.Injector) (redis.UniversalClient, error) {
		return newRedis("CLUSTER_REDIS_CACHE", "REDIS_CACHE")
	})

	readonlyCacheURL := os.Getenv("REDIS_CACHE_READONLY")
	readonlyClusterURL := os.Getenv("CLUSTER_REDIS_CACHE_READONLY")
	if readonlyCacheURL != "" || readonlyClusterURL != "" {
		do.ProvideNamed(injector, "redis-cache-readonly", func(i *do.Injector) (redis.UniversalClient, error) {
			if readonlyClusterURL != "" {
				clusterOpts, err := redis.ParseClusterURL(readonlyClusterURL)
				if err != nil {
					return nil, err
				}
				clusterOpts.ReadOnly = true
				return redis.NewClusterClient(clusterOpts), nil
			}

			return db.InitRedis(&db.RedisConfig{URL: readonlyCacheURL})
		})

		do.Provide(injector, func(i *do.Injector) (caching.ReadOnlyCache, error) {
			dbRedis, err := do.InvokeNamed[redis.UniversalClient](i, "redis-cache-readonly")
			if err != nil {
				return nil, err
			}

			return caching.NewCacheRedis(dbRedis, false)
		})
	}

	do.ProvideNamed(injector, "redis-limiter", func(i *do.Injector) (redis.UniversalClient, error) {
		return newRedis("CLUSTER_REDIS_LIMITER", "REDIS_LIMITER")
	})

	do.ProvideNamed(injector, "redis-mutex", func(i *do.Injector) (redis.UniversalClient, error) {
		return newRedis("CLUSTER_REDIS_MUTEX", "REDIS_MUTEX")
	})

	do.Provide(injector, func(i *do.Injector) (caching.Cache, error) {
		dbRedis, err := do.InvokeNamed[redis.UniversalClient](i, "redis-cache")
		if err != nil {
			return nil, err
		}

		return caching.NewCacheRedis(dbRedis, false)
	})

	do.Provide(injector, func(i *do.Injector) (interfaces.Limiter, error) {
		dbRedis, err := do.InvokeNamed[redis.UniversalClient](i, "redis-limiter")
		if err != nil {
			return nil, err
		}

		return limiter.NewLimiter(dbRedis)
	})

	do.Provide(injector, func(i *do.Injector) (*redsync.Redsync, error) {
		dbRedis, err := do.InvokeNamed[redis.UniversalClient](i, "redis-mutex")
		if err != nil {
			return nil, err
		}

		pool := goredis.NewPool(dbRedis)
		return redsync.New(pool), nil
	})

	hub := gateway.NewHub()
	do.ProvideValue(injector, hub)
	do.ProvideValue[interfaces.Emitter](injector, hub)

	if os.Getenv("LEDGER_SEED") != "" {
		do.Provide(injector, func(i *do.Injector) (ledger.Executor, error) {
			ledgerCfg, err := config.LoadLedger()
			if err != nil {
				return nil, err
			}

			return ton_utils.NewWalletExecutor(ton_utils.WalletConfig{
				Seed:     ledgerCfg.Seed,
				Registry: ledgerCfg.Registry,
				Amount:   ledgerCfg.Amount,
				Testnet:  ledgerCfg.Testnet,
			})
		})
	}

	do.Provide(injector, func(i *do.Injector) (*services.Authentication, error) {
		dbRedis, err := do.InvokeNamed[redis.UniversalClient](i, "redis-db")
		if err != nil {
			return nil, err
		}

		return services.NewAuthentication(vs["JWT_SECRET"], dbRedis, vs["TON_APP_DOMAIN"])
	})

	do.Provide(injector, services.NewServiceReward)
	do.Provide(injector, services.NewServiceQueue)
	do.Provide(injector, services.NewServiceGame)
	do.Provide(injector, services.NewServiceLegacyMint)

	do.Provide(injector, func(i *do.Injector) (*gateway.Server, error) {
		queue, err := do.Invoke[*services.ServiceQueue](i)
		if err != nil {
			return nil, err
		}

		game, err := do.Invoke[*services.ServiceGame](i)
		if err != nil {
			return nil, err
		}

		authentication, err := do.Invoke[*services.Authentication](i)
		if err != nil {
			return nil, err
		}

		return gateway.NewServer(hub, queue, game, authentication), nil
	})

	return injector
}
