package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gambit/internal/datastore"
	"gambit/internal/gateway"
	"gambit/internal/models"

	"github.com/samber/do"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func TestQueueDrainsOneAtATimeInOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testQueueConfig())
	queue := do.MustInvoke[*ServiceQueue](env.container)
	address := playerAddress(1)
	env.emitter.connect(address, true)

	var mu sync.Mutex
	var order []string
	var inflight, maxInflight int32
	env.emitter.setHook(func(ev emitted) {
		if ev.event != gateway.EventMintNow {
			return
		}
		payload := ev.payload.(gateway.MintNowPayload)

		n := atomic.AddInt32(&inflight, 1)
		for {
			m := atomic.LoadInt32(&maxInflight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInflight, m, n) {
				break
			}
		}

		mu.Lock()
		order = append(order, payload.TaskID)
		mu.Unlock()

		go func() {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inflight, -1)
			err := queue.Complete(context.Background(), payload.PlayerAddress, gateway.MintCompletedPayload{TaskID: payload.TaskID, ObjectID: "obj-" + payload.TaskID, Success: true})
			assert.NoError(t, err)
		}()
	})

	first, err := queue.Enqueue(ctx, "p1", models.RewardTypeFirstGameCreated, address)
	require.NoError(t, err)
	second, err := queue.Enqueue(ctx, "p1", models.RewardTypeFirstGamePlayed, address)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		_, err1 := datastore.GetMintTask(ctx, env.db, first.ID)
		_, err2 := datastore.GetMintTask(ctx, env.db, second.ID)
		return err1 == sql.ErrNoRows && err2 == sql.ErrNoRows
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []string{first.ID, second.ID}, order)
	mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInflight))

	types, err := datastore.GetPlayerRewardTypes(ctx, env.db, "p1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.RewardType{models.RewardTypeFirstGameCreated, models.RewardTypeFirstGamePlayed}, types)

	assert.Eventually(t, func() bool { return !queue.IsDraining(address) }, waitFor, tick)
}

func TestQueueKeepsTasksWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testQueueConfig())
	queue := do.MustInvoke[*ServiceQueue](env.container)
	address := playerAddress(2)

	task, err := queue.Enqueue(ctx, "p2", models.RewardTypeFirstGamePlayed, address)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !queue.IsDraining(address) }, waitFor, tick)
	assert.Empty(t, env.emitter.byEvent(gateway.EventMintNow))

	stored, err := datastore.GetMintTask(ctx, env.db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MintTaskStatusPending, stored.Status)

	// joining the room wakes the queue
	env.emitter.connect(address, true)
	queue.Notify(address)

	assert.Eventually(t, func() bool { return len(env.emitter.byEvent(gateway.EventMintNow)) == 1 }, waitFor, tick)

	stored, err = datastore.GetMintTask(ctx, env.db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MintTaskStatusProcessing, stored.Status)
	require.NotNil(t, stored.ProcessedAt)
}

func TestQueueFailedMintMovesOn(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testQueueConfig())
	queue := do.MustInvoke[*ServiceQueue](env.container)
	address := playerAddress(3)
	env.emitter.connect(address, true)

	env.emitter.setHook(func(ev emitted) {
		if ev.event != gateway.EventMintNow {
			return
		}
		payload := ev.payload.(gateway.MintNowPayload)
		go func() {
			err := queue.Complete(context.Background(), payload.PlayerAddress, gateway.MintCompletedPayload{TaskID: payload.TaskID, Success: false, ErrorMessage: "user rejected"})
			assert.NoError(t, err)
		}()
	})

	first, err := queue.Enqueue(ctx, "p3", models.RewardTypeFirstGameCreated, address)
	require.NoError(t, err)
	second, err := queue.Enqueue(ctx, "p3", models.RewardTypeFirstGamePlayed, address)
	require.NoError(t, err)

	for _, id := range []string{first.ID, second.ID} {
		id := id
		assert.Eventually(t, func() bool {
			task, err := datastore.GetMintTask(ctx, env.db, id)
			return err == nil && task.Status == models.MintTaskStatusFailed
		}, waitFor, tick)
	}

	task, err := datastore.GetMintTask(ctx, env.db, first.ID)
	require.NoError(t, err)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, "user rejected", *task.ErrorMessage)

	types, err := datastore.GetPlayerRewardTypes(ctx, env.db, "p3")
	require.NoError(t, err)
	assert.Empty(t, types)
}

func TestQueueTimeoutLeavesTaskProcessing(t *testing.T) {
	ctx := context.Background()
	cfg := testQueueConfig()
	cfg.TaskTimeout = 50 * time.Millisecond
	env := newTestEnv(t, cfg)
	queue := do.MustInvoke[*ServiceQueue](env.container)
	address := playerAddress(4)
	env.emitter.connect(address, true)

	first, err := queue.Enqueue(ctx, "p4", models.RewardTypeFirstGameCreated, address)
	require.NoError(t, err)
	second, err := queue.Enqueue(ctx, "p4", models.RewardTypeFirstGamePlayed, address)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(env.emitter.byEvent(gateway.EventMintNow)) == 2 }, waitFor, tick)
	assert.Eventually(t, func() bool { return !queue.IsDraining(address) }, waitFor, tick)

	for _, id := range []string{first.ID, second.ID} {
		task, err := datastore.GetMintTask(ctx, env.db, id)
		require.NoError(t, err)
		assert.Equal(t, models.MintTaskStatusProcessing, task.Status)
	}

	// a late answer is still recorded
	require.NoError(t, queue.Complete(ctx, address, gateway.MintCompletedPayload{TaskID: first.ID, ObjectID: "late", Success: true}))
	_, err = datastore.GetMintTask(ctx, env.db, first.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestQueueAbandonReleasesWaiter(t *testing.T) {
	ctx := context.Background()
	cfg := testQueueConfig()
	cfg.TaskTimeout = time.Minute
	env := newTestEnv(t, cfg)
	queue := do.MustInvoke[*ServiceQueue](env.container)
	address := playerAddress(5)
	env.emitter.connect(address, true)

	task, err := queue.Enqueue(ctx, "p5", models.RewardTypeFirstGameCreated, address)
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, "p5", models.RewardTypeFirstGamePlayed, address)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(env.emitter.byEvent(gateway.EventMintNow)) == 1 }, waitFor, tick)

	env.emitter.connect(address, false)
	queue.Abandon(address)

	assert.Eventually(t, func() bool { return !queue.IsDraining(address) }, waitFor, tick)
	assert.Len(t, env.emitter.byEvent(gateway.EventMintNow), 1)

	stored, err := datastore.GetMintTask(ctx, env.db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MintTaskStatusProcessing, stored.Status)
}

func TestQueueCoalescesNotifications(t *testing.T) {
	cfg := testQueueConfig()
	cfg.DispatchDelay = 100 * time.Millisecond
	env := newTestEnv(t, cfg)
	queue := do.MustInvoke[*ServiceQueue](env.container)
	address := playerAddress(6)

	for i := 0; i < 5; i++ {
		queue.Notify(address)
	}
	assert.True(t, queue.IsDraining(address))

	queue.mu.Lock()
	sessions := len(queue.sessions)
	queue.mu.Unlock()
	assert.Equal(t, 1, sessions)

	assert.Eventually(t, func() bool { return !queue.IsDraining(address) }, waitFor, tick)
}

func TestQueueSweepRequeuesStaleTasks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testQueueConfig())
	queue := do.MustInvoke[*ServiceQueue](env.container)
	address := playerAddress(7)

	old := time.Now().UTC().Add(-time.Hour)
	task := &models.MintTask{
		ID:            "stale-task",
		RewardType:    models.RewardTypeFirstGamePlayed,
		PlayerID:      "p7",
		PlayerAddress: address,
		Status:        models.MintTaskStatusPending,
		MaxRetries:    3,
		CreatedAt:     old,
		UpdatedAt:     old,
	}
	require.NoError(t, datastore.InsertMintTask(ctx, env.db, task))
	taken, err := datastore.MarkMintTaskProcessing(ctx, env.db, task, old)
	require.NoError(t, err)
	require.True(t, taken)

	env.emitter.connect(address, true)

	n, err := queue.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Eventually(t, func() bool {
		events := env.emitter.byEvent(gateway.EventMintNow)
		return len(events) == 1 && events[0].payload.(gateway.MintNowPayload).TaskID == "stale-task"
	}, waitFor, tick)
}

func TestQueueDropsWinTaskWithoutTier(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testQueueConfig())
	queue := do.MustInvoke[*ServiceQueue](env.container)
	address := playerAddress(8)
	env.emitter.connect(address, true)

	task, err := queue.Enqueue(ctx, "p8", models.RewardTypeWinCount, address)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := datastore.GetMintTask(ctx, env.db, task.ID)
		return err == sql.ErrNoRows
	}, waitFor, tick)
	assert.Empty(t, env.emitter.byEvent(gateway.EventMintNow))
}

func TestQueueResolvesWinTierAtDispatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testQueueConfig())
	queue := do.MustInvoke[*ServiceQueue](env.container)
	address := playerAddress(9)
	env.emitter.connect(address, true)

	insertFinishedGame(t, env, "g1", "p9")

	task, err := queue.Enqueue(ctx, "p9", models.RewardTypeWinCount, address)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(env.emitter.byEvent(gateway.EventMintNow)) == 1 }, waitFor, tick)

	payload := env.emitter.byEvent(gateway.EventMintNow)[0].payload.(gateway.MintNowPayload)
	assert.Equal(t, task.ID, payload.TaskID)
	assert.Equal(t, "wins_1", payload.RewardType)

	stored, err := datastore.GetMintTask(ctx, env.db, task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ResolvedRewardType)
	assert.Equal(t, models.RewardType("wins_1"), *stored.ResolvedRewardType)
}

func TestQueueSkipsTierPinnedByTimedOutTask(t *testing.T) {
	ctx := context.Background()
	cfg := testQueueConfig()
	cfg.TaskTimeout = 50 * time.Millisecond
	env := newTestEnv(t, cfg)
	queue := do.MustInvoke[*ServiceQueue](env.container)
	address := playerAddress(12)
	env.emitter.connect(address, true)

	for i := 0; i < 5; i++ {
		insertFinishedGame(t, env, fmt.Sprintf("g%d", i), "p12")
	}

	dispatched := func() []string {
		var out []string
		for _, ev := range env.emitter.byEvent(gateway.EventMintNow) {
			out = append(out, ev.payload.(gateway.MintNowPayload).RewardType)
		}
		return out
	}

	first, err := queue.Enqueue(ctx, "p12", models.RewardTypeWinCount, address)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(dispatched()) == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return !queue.IsDraining(address) }, waitFor, tick)

	stored, err := datastore.GetMintTask(ctx, env.db, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MintTaskStatusProcessing, stored.Status)

	// wins_1 is still in flight, so the next task takes the next tier
	_, err = queue.Enqueue(ctx, "p12", models.RewardTypeWinCount, address)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(dispatched()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"wins_1", "wins_5"}, dispatched())
	assert.Eventually(t, func() bool { return !queue.IsDraining(address) }, waitFor, tick)

	// nothing reachable is left unpinned
	third, err := queue.Enqueue(ctx, "p12", models.RewardTypeWinCount, address)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, err := datastore.GetMintTask(ctx, env.db, third.ID)
		return errors.Is(err, sql.ErrNoRows)
	}, waitFor, tick)
	assert.Len(t, dispatched(), 2)
}

func TestQueueCompleteUnknownTask(t *testing.T) {
	env := newTestEnv(t, testQueueConfig())
	queue := do.MustInvoke[*ServiceQueue](env.container)

	err := queue.Complete(context.Background(), playerAddress(1), gateway.MintCompletedPayload{TaskID: "missing", Success: true})
	assert.ErrorIs(t, err, ErrMintTaskNotFound)
}

func TestQueueCompleteRejectsOtherPlayer(t *testing.T) {
	ctx := context.Background()
	cfg := testQueueConfig()
	cfg.TaskTimeout = 30 * time.Second
	env := newTestEnv(t, cfg)
	queue := do.MustInvoke[*ServiceQueue](env.container)
	owner := playerAddress(10)
	intruder := playerAddress(11)
	env.emitter.connect(owner, true)

	task, err := queue.Enqueue(ctx, "p10", models.RewardTypeFirstGameCreated, owner)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(env.emitter.byEvent(gateway.EventMintNow)) == 1 }, waitFor, tick)

	err = queue.Complete(ctx, intruder, gateway.MintCompletedPayload{TaskID: task.ID, Success: false, ErrorMessage: "nope"})
	assert.ErrorIs(t, err, ErrNotTaskOwner)
	err = queue.Complete(ctx, intruder, gateway.MintCompletedPayload{TaskID: task.ID, ObjectID: "forged", Success: true})
	assert.ErrorIs(t, err, ErrNotTaskOwner)

	stored, err := datastore.GetMintTask(ctx, env.db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MintTaskStatusProcessing, stored.Status)
	assert.True(t, queue.IsDraining(owner), "the owner's wait is untouched")

	types, err := datastore.GetPlayerRewardTypes(ctx, env.db, "p10")
	require.NoError(t, err)
	assert.Empty(t, types)

	require.NoError(t, queue.Complete(ctx, owner, gateway.MintCompletedPayload{TaskID: task.ID, ObjectID: "obj", Success: true}))
	assert.Eventually(t, func() bool { return !queue.IsDraining(owner) }, waitFor, tick)
}
