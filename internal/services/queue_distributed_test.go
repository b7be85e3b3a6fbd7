package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"gambit/internal/datastore"
	"gambit/internal/datastore/redis_store"
	"gambit/internal/gateway"
	"gambit/internal/models"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDistributedEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := testQueueConfig()
	cfg.Distributed = true
	// long enough that only a pub/sub wakeup can finish the wait inside waitFor
	cfg.TaskTimeout = 30 * time.Second
	return newTestEnv(t, cfg)
}

func TestDistributedQueueWakesOnRemoteCompletion(t *testing.T) {
	ctx := context.Background()
	env := newDistributedEnv(t)
	owner := do.MustInvoke[*ServiceQueue](env.container)

	// a second instance sharing the database and redis
	other, err := NewServiceQueue(env.container)
	require.NoError(t, err)
	t.Cleanup(func() { other.Shutdown() }) //nolint:errcheck

	address := playerAddress(1)
	env.emitter.connect(address, true)

	task, err := owner.Enqueue(ctx, "p1", models.RewardTypeFirstGameCreated, address)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(env.emitter.byEvent(gateway.EventMintNow)) == 1 }, waitFor, tick)

	redisDB := do.MustInvokeNamed[redis.UniversalClient](env.container, "redis-db")
	recorded, err := redis_store.GetMintQueueOwner(ctx, redisDB, address)
	require.NoError(t, err)
	assert.Equal(t, owner.instanceID, recorded)

	require.NoError(t, other.Complete(ctx, address, gateway.MintCompletedPayload{TaskID: task.ID, ObjectID: "obj-1", Success: true}))

	assert.Eventually(t, func() bool { return !owner.IsDraining(address) }, waitFor, tick)

	_, err = datastore.GetMintTask(ctx, env.db, task.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	assert.Eventually(t, func() bool {
		_, err := redis_store.GetMintQueueOwner(ctx, redisDB, address)
		return errors.Is(err, redis.Nil)
	}, waitFor, tick, "owner cleared once the drain ends")
}

func TestDistributedSweepLeavesPlayerOwnedElsewhere(t *testing.T) {
	ctx := context.Background()
	env := newDistributedEnv(t)
	queue := do.MustInvoke[*ServiceQueue](env.container)
	rewards := do.MustInvoke[*ServiceReward](env.container)
	redisDB := do.MustInvokeNamed[redis.UniversalClient](env.container, "redis-db")

	address := playerAddress(3)
	env.emitter.connect(address, true)

	_, err := rewards.Enqueue(ctx, "p3", models.RewardTypeFirstGameCreated, address)
	require.NoError(t, err)
	require.NoError(t, redis_store.SetMintQueueOwner(ctx, redisDB, address, "other-instance", time.Minute))

	_, err = queue.SweepStale(ctx)
	require.NoError(t, err)
	assert.False(t, queue.IsDraining(address))

	require.NoError(t, redis_store.ClearMintQueueOwner(ctx, redisDB, address, "other-instance"))

	_, err = queue.SweepStale(ctx)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(env.emitter.byEvent(gateway.EventMintNow)) == 1 }, waitFor, tick)
}

func TestDistributedQueueSkipsPlayerLockedElsewhere(t *testing.T) {
	ctx := context.Background()
	env := newDistributedEnv(t)
	queue := do.MustInvoke[*ServiceQueue](env.container)

	address := playerAddress(2)
	env.emitter.connect(address, true)

	rs := do.MustInvoke[*redsync.Redsync](env.container)
	held := rs.NewMutex(LockKeyMintQueue(address), redsync.WithExpiry(time.Minute))
	require.NoError(t, held.LockContext(ctx))

	task, err := queue.Enqueue(ctx, "p2", models.RewardTypeFirstGameCreated, address)
	require.NoError(t, err)

	assert.Never(t, func() bool { return len(env.emitter.byEvent(gateway.EventMintNow)) > 0 }, 200*time.Millisecond, tick)
	assert.Eventually(t, func() bool { return !queue.IsDraining(address) }, waitFor, tick)

	stored, err := datastore.GetMintTask(ctx, env.db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MintTaskStatusPending, stored.Status)

	_, err = held.UnlockContext(ctx)
	require.NoError(t, err)

	queue.Notify(address)
	assert.Eventually(t, func() bool { return len(env.emitter.byEvent(gateway.EventMintNow)) == 1 }, waitFor, tick)
}
