package services

import (
	"context"
	"fmt"
	"time"

	"gambit/internal/config"
	"gambit/internal/datastore"
	"gambit/internal/ledger"
	"gambit/internal/models"

	"github.com/go-redsync/redsync/v4"
	"github.com/samber/do"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// ServiceLegacyMint mints pending tasks with the server wallet, for rewards queued before
// clients minted their own.
//
// Deprecated: the per-player queue replaces it. It stays for draining old backlogs.
type ServiceLegacyMint struct {
	container  *do.Injector
	rs         *redsync.Redsync
	postgresDB *bun.DB
	rewards    *ServiceReward
	executor   ledger.Executor
	cfg        config.Queue
	now        func() time.Time
}

type LegacyReconcileReport struct {
	Scanned int `json:"scanned"`
	Minted  int `json:"minted"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func NewServiceLegacyMint(container *do.Injector) (*ServiceLegacyMint, error) {
	rs, err := do.Invoke[*redsync.Redsync](container)
	if err != nil {
		return nil, err
	}

	postgresDB, err := do.Invoke[*bun.DB](container)
	if err != nil {
		return nil, err
	}

	rewards, err := do.Invoke[*ServiceReward](container)
	if err != nil {
		return nil, err
	}

	cfg, err := do.Invoke[*config.Server](container)
	if err != nil {
		return nil, err
	}

	// no server wallet configured
	executor, err := do.Invoke[ledger.Executor](container)
	if err != nil {
		executor = nil
	}

	return &ServiceLegacyMint{
		container:  container,
		rs:         rs,
		postgresDB: postgresDB,
		rewards:    rewards,
		executor:   executor,
		cfg:        cfg.Queue,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (service *ServiceLegacyMint) Reconcile(ctx context.Context) (*LegacyReconcileReport, error) {
	if service.executor == nil {
		return nil, ErrLegacyMintDisabled
	}

	mutex := service.rs.NewMutex(LockKeyLegacyReconcile(), redsync.WithTries(1), redsync.WithExpiry(5*time.Minute))
	if err := mutex.TryLockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLegacyMintLocked, err)
	}
	defer unlock(mutex)

	batch := service.cfg.LegacyBatchSize
	if batch <= 0 {
		batch = 20
	}

	tasks, err := datastore.GetPendingMintTasks(ctx, service.postgresDB, batch)
	if err != nil {
		return nil, err
	}

	report := &LegacyReconcileReport{Scanned: len(tasks)}
	for i := range tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		service.reconcileTask(ctx, &tasks[i], report)
	}

	zap.L().Info("legacy reconciliation finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("minted", report.Minted),
		zap.Int("retried", report.Retried),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

func (service *ServiceLegacyMint) reconcileTask(ctx context.Context, task *models.MintTask, report *LegacyReconcileReport) {
	log := zap.L().With(zap.String("task_id", task.ID), zap.String("player_address", task.PlayerAddress))

	ok, err := service.rewards.PrepareTask(ctx, task)
	if err != nil {
		log.Error("legacy mint prepare failed", zap.Error(err))
		report.Skipped++
		return
	}
	if !ok {
		report.Skipped++
		return
	}

	taken, err := datastore.MarkMintTaskProcessing(ctx, service.postgresDB, task, service.now())
	if err != nil || !taken {
		report.Skipped++
		return
	}

	receipt, err := service.executor.Execute(ctx, ledger.Transaction{
		ID:            ledger.NewTransactionID(TX_PREFIX_MINT),
		Kind:          ledger.KindMint,
		PlayerAddress: task.PlayerAddress,
		Memo:          string(task.EffectiveRewardType()),
	})
	if err != nil {
		if ledger.IsTransient(err) && task.Retries+1 < task.MaxRetries {
			if err := datastore.IncrementMintTaskRetries(ctx, service.postgresDB, task.ID, err.Error(), service.now()); err != nil {
				log.Error("legacy mint retry not recorded", zap.Error(err))
			}
			report.Retried++
			return
		}

		if err := datastore.MarkMintTaskFailed(ctx, service.postgresDB, task.ID, err.Error(), service.now()); err != nil {
			log.Error("legacy mint failure not recorded", zap.Error(err))
		}
		report.Failed++
		return
	}

	if err := service.rewards.RecordMinted(ctx, task, receipt.ObjectID); err != nil {
		log.Error("legacy mint not recorded", zap.Error(err))
		report.Failed++
		return
	}
	if err := datastore.DeleteMintTask(ctx, service.postgresDB, task.ID); err != nil {
		log.Error("legacy mint task not deleted", zap.Error(err))
	}
	report.Minted++
}
