package services

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"gambit/internal/config"
	"gambit/internal/datastore"
	"gambit/internal/datastore/redis_store"
	"gambit/internal/gateway"
	"gambit/internal/interfaces"
	"gambit/internal/models"

	"github.com/go-redsync/redsync/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// ServiceQueue drains each player's pending mint tasks one at a time through the player's
// connected client and waits for the client to report back.
type ServiceQueue struct {
	container  *do.Injector
	postgresDB *bun.DB
	rewards    *ServiceReward
	emitter    interfaces.Emitter
	cfg        config.Queue

	// distributed mode only
	rs         *redsync.Redsync
	redisDB    redis.UniversalClient
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*queueSession
	waiters  map[string]*mintWaiter

	now func() time.Time
}

type queueSession struct {
	dirty bool
}

type mintWaiter struct {
	taskID        string
	playerAddress string
	done          chan mintSignal
}

type mintSignal struct {
	completion *gateway.MintCompletedPayload
	abandoned  bool
}

func NewServiceQueue(container *do.Injector) (*ServiceQueue, error) {
	postgresDB, err := do.Invoke[*bun.DB](container)
	if err != nil {
		return nil, err
	}

	rewards, err := do.Invoke[*ServiceReward](container)
	if err != nil {
		return nil, err
	}

	emitter, err := do.Invoke[interfaces.Emitter](container)
	if err != nil {
		return nil, err
	}

	cfg, err := do.Invoke[*config.Server](container)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	service := &ServiceQueue{
		container:  container,
		postgresDB: postgresDB,
		rewards:    rewards,
		emitter:    emitter,
		cfg:        cfg.Queue,
		instanceID: uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*queueSession),
		waiters:    make(map[string]*mintWaiter),
		now:        func() time.Time { return time.Now().UTC() },
	}

	if cfg.Queue.Distributed {
		service.rs, err = do.Invoke[*redsync.Redsync](container)
		if err != nil {
			cancel()
			return nil, err
		}

		service.redisDB, err = do.InvokeNamed[redis.UniversalClient](container, "redis-db")
		if err != nil {
			cancel()
			return nil, err
		}

		service.wg.Add(1)
		go service.subscribe()
	}

	return service, nil
}

func (service *ServiceQueue) subscribe() {
	defer service.wg.Done()

	err := redis_store.SubscribeMintCompletions(service.ctx, service.redisDB, func(c *redis_store.MintCompletion) {
		service.signal(c.TaskID, c.PlayerAddress, mintSignal{completion: &gateway.MintCompletedPayload{
			TaskID:       c.TaskID,
			ObjectID:     c.ObjectID,
			Success:      c.Success,
			ErrorMessage: c.ErrorMessage,
		}})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		zap.L().Error("mint completion subscription stopped", zap.Error(err))
	}
}

// Enqueue stores a task and wakes the player's queue.
func (service *ServiceQueue) Enqueue(ctx context.Context, playerID string, rewardType models.RewardType, playerAddress string) (*models.MintTask, error) {
	task, err := service.rewards.Enqueue(ctx, playerID, rewardType, playerAddress)
	if err != nil {
		return nil, err
	}

	service.Notify(task.PlayerAddress)
	return task, nil
}

func (service *ServiceQueue) RequestMint(ctx context.Context, payload gateway.RequestMintPayload) error {
	task, err := service.rewards.RequestMint(ctx, payload.PlayerID, payload.RewardType, payload.PlayerAddress)
	if err != nil {
		return err
	}

	service.Notify(task.PlayerAddress)
	return nil
}

// Notify starts a drain for the player after the dispatch delay. A notify that lands while a
// drain is running makes that drain take another pass before it goes idle.
func (service *ServiceQueue) Notify(playerAddress string) {
	if service.ctx.Err() != nil {
		return
	}

	service.mu.Lock()
	if session, ok := service.sessions[playerAddress]; ok {
		session.dirty = true
		service.mu.Unlock()
		return
	}
	service.sessions[playerAddress] = &queueSession{}
	service.wg.Add(1)
	service.mu.Unlock()

	go service.drain(playerAddress)
}

// IsDraining reports whether a drain is scheduled or running for the player.
func (service *ServiceQueue) IsDraining(playerAddress string) bool {
	service.mu.Lock()
	defer service.mu.Unlock()

	_, ok := service.sessions[playerAddress]
	return ok
}

func (service *ServiceQueue) endSession(playerAddress string) {
	service.mu.Lock()
	delete(service.sessions, playerAddress)
	service.mu.Unlock()
}

// finishSession ends the session unless a notify arrived during the last pass.
func (service *ServiceQueue) finishSession(playerAddress string) bool {
	service.mu.Lock()
	defer service.mu.Unlock()

	session, ok := service.sessions[playerAddress]
	if ok && session.dirty {
		session.dirty = false
		return false
	}
	delete(service.sessions, playerAddress)
	return true
}

func (service *ServiceQueue) clearDirty(playerAddress string) {
	service.mu.Lock()
	if session, ok := service.sessions[playerAddress]; ok {
		session.dirty = false
	}
	service.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (service *ServiceQueue) drain(playerAddress string) {
	defer service.wg.Done()
	log := zap.L().With(zap.String("player_address", playerAddress))

	if !sleepContext(service.ctx, service.cfg.DispatchDelay) {
		service.endSession(playerAddress)
		return
	}

	var mutex *redsync.Mutex
	if service.rs != nil {
		mutex = service.rs.NewMutex(
			LockKeyMintQueue(playerAddress),
			redsync.WithTries(1),
			redsync.WithExpiry(2*service.cfg.TaskTimeout+service.cfg.InterTaskDelay),
		)
		if err := mutex.TryLockContext(service.ctx); err != nil {
			log.Debug("mint queue owned by another instance", zap.Error(err))
			service.endSession(playerAddress)
			return
		}
		defer func() {
			if err := redis_store.ClearMintQueueOwner(context.Background(), service.redisDB, playerAddress, service.instanceID); err != nil {
				log.Debug("mint queue owner not cleared", zap.Error(err))
			}
			if _, err := mutex.UnlockContext(context.Background()); err != nil {
				log.Warn("mint queue unlock failed", zap.Error(err))
			}
		}()

		if err := redis_store.SetMintQueueOwner(service.ctx, service.redisDB, playerAddress, service.instanceID, time.Until(mutex.Until())); err != nil {
			log.Debug("mint queue owner not recorded", zap.Error(err))
		}
	}

	for {
		service.clearDirty(playerAddress)

		dispatched, err := service.dispatchNext(service.ctx, playerAddress)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("mint queue pass failed", zap.Error(err))
		}

		if service.ctx.Err() != nil {
			service.endSession(playerAddress)
			return
		}

		if !dispatched {
			if service.finishSession(playerAddress) {
				return
			}
			continue
		}

		if mutex != nil {
			if _, err := mutex.ExtendContext(service.ctx); err != nil {
				log.Warn("mint queue lock lost", zap.Error(err))
				service.endSession(playerAddress)
				return
			}
			if err := redis_store.SetMintQueueOwner(service.ctx, service.redisDB, playerAddress, service.instanceID, time.Until(mutex.Until())); err != nil {
				log.Debug("mint queue owner not recorded", zap.Error(err))
			}
		}

		if !sleepContext(service.ctx, service.cfg.InterTaskDelay) {
			service.endSession(playerAddress)
			return
		}
	}
}

// dispatchNext hands the oldest pending task to the player's client and waits for it to finish.
// It reports false when the queue should go idle.
func (service *ServiceQueue) dispatchNext(ctx context.Context, playerAddress string) (bool, error) {
	task, err := datastore.GetNextPendingMintTask(ctx, service.postgresDB, playerAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !service.emitter.HasPeers(playerAddress) {
		return false, nil
	}

	ok, err := service.rewards.PrepareTask(ctx, task)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	taken, err := datastore.MarkMintTaskProcessing(ctx, service.postgresDB, task, service.now())
	if err != nil {
		return false, err
	}
	if !taken {
		return true, nil
	}

	waiter := service.register(task)
	defer service.unregister(task.ID)

	delivered := service.emitter.Emit(playerAddress, gateway.EventMintNow, gateway.MintNowPayload{
		TaskID:        task.ID,
		RewardType:    string(task.EffectiveRewardType()),
		PlayerID:      task.PlayerID,
		PlayerAddress: task.PlayerAddress,
	})
	if !delivered {
		return false, datastore.RevertMintTaskToPending(ctx, service.postgresDB, task.ID, service.now())
	}

	log := zap.L().With(zap.String("task_id", task.ID), zap.String("player_address", playerAddress))
	log.Info("mint dispatched", zap.String("reward_type", string(task.EffectiveRewardType())))

	timer := time.NewTimer(service.cfg.TaskTimeout)
	defer timer.Stop()

	select {
	case sig := <-waiter.done:
		if sig.abandoned {
			log.Info("player left before mint finished")
		}
	case <-timer.C:
		log.Warn("mint timed out, task left processing")
	case <-ctx.Done():
		return true, ctx.Err()
	}

	return true, nil
}

func (service *ServiceQueue) register(task *models.MintTask) *mintWaiter {
	waiter := &mintWaiter{
		taskID:        task.ID,
		playerAddress: task.PlayerAddress,
		done:          make(chan mintSignal, 1),
	}

	service.mu.Lock()
	service.waiters[task.ID] = waiter
	service.mu.Unlock()
	return waiter
}

func (service *ServiceQueue) unregister(taskID string) {
	service.mu.Lock()
	delete(service.waiters, taskID)
	service.mu.Unlock()
}

func (service *ServiceQueue) signal(taskID string, playerAddress string, sig mintSignal) {
	service.mu.Lock()
	waiter, ok := service.waiters[taskID]
	service.mu.Unlock()
	if !ok || waiter.playerAddress != playerAddress {
		return
	}

	select {
	case waiter.done <- sig:
	default:
	}
}

// Complete persists the outcome playerAddress's client reports for a task and releases whoever
// waits on it. Tasks of other players are left alone.
func (service *ServiceQueue) Complete(ctx context.Context, playerAddress string, payload gateway.MintCompletedPayload) error {
	task, err := datastore.GetMintTask(ctx, service.postgresDB, payload.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		service.wake(ctx, playerAddress, payload)
		return ErrMintTaskNotFound
	}
	if err != nil {
		return err
	}

	if task.PlayerAddress != playerAddress {
		return ErrNotTaskOwner
	}

	if payload.Success {
		if err := service.rewards.RecordMinted(ctx, task, payload.ObjectID); err != nil {
			return err
		}
		if err := datastore.DeleteMintTask(ctx, service.postgresDB, task.ID); err != nil {
			return err
		}
		zap.L().Info("mint completed", zap.String("task_id", task.ID), zap.String("object_id", payload.ObjectID))
	} else {
		message := payload.ErrorMessage
		if message == "" {
			message = "mint failed"
		}
		if err := datastore.MarkMintTaskFailed(ctx, service.postgresDB, task.ID, message, service.now()); err != nil {
			return err
		}
		zap.L().Info("mint failed", zap.String("task_id", task.ID), zap.String("error", message))
	}

	service.wake(ctx, task.PlayerAddress, payload)
	return nil
}

func (service *ServiceQueue) wake(ctx context.Context, playerAddress string, payload gateway.MintCompletedPayload) {
	service.signal(payload.TaskID, playerAddress, mintSignal{completion: &payload})

	if service.redisDB == nil {
		return
	}

	err := redis_store.PublishMintCompletion(ctx, service.redisDB, &redis_store.MintCompletion{
		TaskID:        payload.TaskID,
		PlayerAddress: playerAddress,
		Success:       payload.Success,
		ObjectID:      payload.ObjectID,
		ErrorMessage:  payload.ErrorMessage,
	})
	if err != nil {
		zap.L().Warn("mint completion not published", zap.String("task_id", payload.TaskID), zap.Error(err))
	}
}

// Abandon stops waiting on the player's in-flight task. The task stays processing until the
// client reports back or the sweep requeues it.
func (service *ServiceQueue) Abandon(playerAddress string) {
	service.mu.Lock()
	defer service.mu.Unlock()

	for _, waiter := range service.waiters {
		if waiter.playerAddress != playerAddress {
			continue
		}
		select {
		case waiter.done <- mintSignal{abandoned: true}:
		default:
		}
	}
}

// SweepStale requeues tasks stuck in processing and wakes connected players with pending work.
func (service *ServiceQueue) SweepStale(ctx context.Context) (int, error) {
	now := service.now()
	tasks, err := datastore.RequeueStaleMintTasks(ctx, service.postgresDB, now.Add(-service.cfg.StaleProcessingAfter), now)
	if err != nil {
		return 0, err
	}

	for _, task := range tasks {
		zap.L().Info("stale mint task requeued", zap.String("task_id", task.ID), zap.String("player_address", task.PlayerAddress))
	}

	addresses, err := datastore.GetPendingPlayerAddresses(ctx, service.postgresDB)
	if err != nil {
		return len(tasks), err
	}

	for _, address := range addresses {
		if !service.emitter.HasPeers(address) || service.ownedElsewhere(ctx, address) {
			continue
		}
		service.Notify(address)
	}

	return len(tasks), nil
}

// ownedElsewhere reports whether another instance is draining the player's queue. That drain
// picks up requeued rows on its own; a local drain would only lose the lock race.
func (service *ServiceQueue) ownedElsewhere(ctx context.Context, playerAddress string) bool {
	if service.redisDB == nil {
		return false
	}

	owner, err := redis_store.GetMintQueueOwner(ctx, service.redisDB, playerAddress)
	if err != nil {
		return false
	}
	return owner != service.instanceID
}

func (service *ServiceQueue) Shutdown() error {
	service.cancel()
	service.wg.Wait()
	return nil
}
