package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"gambit/internal/gateway"
	"gambit/internal/ledger"
	"gambit/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const retryLeaseName = "reward-retry-queue"

type RetryConfig struct {
	PollInterval   time.Duration
	TaskMaxAge     time.Duration
	LockStaleAfter time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
}

type StatusChecker interface {
	RewardStatus(ctx context.Context, rewardType string) (*models.RewardStatus, error)
}

type MintResult struct {
	Entry   RetryEntry
	Receipt *ledger.Receipt
	Err     error
}

type ResultFunc func(ctx context.Context, result MintResult)

// RetryQueue executes reward mints on behalf of the player, one at a time, surviving restarts
// through Storage. It is advisory: the server re-dispatches whatever it never hears back about.
type RetryQueue struct {
	storage  *Storage
	executor ledger.Executor
	status   StatusChecker
	cfg      RetryConfig
	owner    string
	onResult ResultFunc
	now      func() time.Time

	mu      sync.Mutex
	entries []RetryEntry

	pending sync.WaitGroup
}

func NewRetryQueue(storage *Storage, executor ledger.Executor, status StatusChecker, cfg RetryConfig, onResult ResultFunc) *RetryQueue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TaskMaxAge <= 0 {
		cfg.TaskMaxAge = 24 * time.Hour
	}
	if cfg.LockStaleAfter <= 0 {
		cfg.LockStaleAfter = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}

	return &RetryQueue{
		storage:  storage,
		executor: executor,
		status:   status,
		cfg:      cfg,
		owner:    uuid.NewString(),
		onResult: onResult,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load restores persisted entries, dropping the ones older than TaskMaxAge unexecuted.
func (q *RetryQueue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reload(ctx)
}

// reload replaces the in-memory list with the stored one. Other processes may share the
// storage, so the stored list wins. Callers hold q.mu.
func (q *RetryQueue) reload(ctx context.Context) error {
	entries, err := q.storage.LoadEntries(ctx)
	if err != nil {
		return err
	}

	now := q.now()
	kept := make([]RetryEntry, 0, len(entries))
	for _, entry := range entries {
		if q.expired(entry, now) {
			zap.L().Info("retry entry expired", zap.String("id", entry.ID), zap.String("reward_type", entry.RewardType))
			if err := q.storage.DeleteEntry(ctx, entry.ID); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, entry)
	}

	q.entries = kept
	return nil
}

func (q *RetryQueue) expired(entry RetryEntry, now time.Time) bool {
	return now.Sub(entry.EnqueuedAt) > q.cfg.TaskMaxAge
}

// Enqueue records the intent to mint rewardType for player and returns immediately.
func (q *RetryQueue) Enqueue(ctx context.Context, rewardType string, player models.PlayerFromAuth) {
	entry := RetryEntry{
		ID:            uuid.NewString(),
		RewardType:    rewardType,
		PlayerID:      player.ID,
		PlayerAddress: player.Address,
	}

	q.pending.Add(1)
	go func() {
		defer q.pending.Done()
		if _, err := q.add(ctx, entry, true); err != nil {
			zap.L().Warn("retry enqueue failed", zap.String("reward_type", rewardType), zap.Error(err))
		}
	}()
}

// EnqueueTask queues a server dispatched task. The server already checked it, so no lookup.
func (q *RetryQueue) EnqueueTask(ctx context.Context, payload gateway.MintNowPayload) error {
	_, err := q.add(ctx, RetryEntry{
		ID:            uuid.NewString(),
		TaskID:        payload.TaskID,
		RewardType:    payload.RewardType,
		PlayerID:      payload.PlayerID,
		PlayerAddress: payload.PlayerAddress,
	}, false)
	return err
}

// Flush waits for in flight Enqueue calls.
func (q *RetryQueue) Flush() {
	q.pending.Wait()
}

func (q *RetryQueue) add(ctx context.Context, entry RetryEntry, checkServer bool) (bool, error) {
	if checkServer && q.status != nil {
		status, err := q.status.RewardStatus(ctx, entry.RewardType)
		switch {
		case err != nil:
			zap.L().Warn("reward status lookup failed", zap.String("reward_type", entry.RewardType), zap.Error(err))
		case status.Earned || status.Queued:
			return false, nil
		}
	}

	now := q.now()
	entry.EnqueuedAt = now
	entry.NextAttemptAt = now

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.reload(ctx); err != nil {
		return false, err
	}

	for _, existing := range q.entries {
		if entry.TaskID != "" && existing.TaskID == entry.TaskID {
			return false, nil
		}
		if entry.TaskID == "" && existing.TaskID == "" &&
			existing.RewardType == entry.RewardType && existing.PlayerID == entry.PlayerID {
			return false, nil
		}
	}

	if err := q.storage.SaveEntry(ctx, entry, now); err != nil {
		return false, err
	}
	q.entries = append(q.entries, entry)
	return true, nil
}

func (q *RetryQueue) Entries() []RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]RetryEntry(nil), q.entries...)
}

func (q *RetryQueue) nextReady(now time.Time) (RetryEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range q.entries {
		if !entry.NextAttemptAt.After(now) {
			return entry, true
		}
	}
	return RetryEntry{}, false
}

func (q *RetryQueue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	for i, entry := range q.entries {
		if entry.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	return q.storage.DeleteEntry(ctx, id)
}

// moveToTail replaces the entry and sends it behind everything else.
func (q *RetryQueue) moveToTail(ctx context.Context, entry RetryEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, existing := range q.entries {
		if existing.ID == entry.ID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}

	if err := q.storage.SaveEntry(ctx, entry, q.now()); err != nil {
		return err
	}
	q.entries = append(q.entries, entry)
	return nil
}

// Backoff is BackoffBase * 2^retries.
func (q *RetryQueue) Backoff(retries int) time.Duration {
	return q.cfg.BackoffBase * time.Duration(1<<uint(retries))
}

// Tick processes at most one ready entry. It reports whether an entry was attempted.
func (q *RetryQueue) Tick(ctx context.Context) (bool, error) {
	acquired, err := q.storage.AcquireLease(ctx, retryLeaseName, q.owner, q.now(), q.cfg.LockStaleAfter)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if err := q.storage.ReleaseLease(context.WithoutCancel(ctx), retryLeaseName, q.owner); err != nil {
			zap.L().Warn("retry lease release failed", zap.Error(err))
		}
	}()

	// another process may have drained or added entries since the last tick
	q.mu.Lock()
	err = q.reload(ctx)
	q.mu.Unlock()
	if err != nil {
		return false, err
	}

	entry, ok := q.nextReady(q.now())
	if !ok {
		return false, nil
	}

	stop := q.keepLease(ctx)
	receipt, execErr := q.executor.Execute(ctx, ledger.Transaction{
		ID:            ledger.NewTransactionID(string(ledger.KindMint)),
		Kind:          ledger.KindMint,
		PlayerAddress: entry.PlayerAddress,
		Memo:          entry.RewardType,
	})
	stop()

	if execErr == nil {
		if err := q.remove(ctx, entry.ID); err != nil {
			return true, err
		}
		q.report(ctx, MintResult{Entry: entry, Receipt: receipt})
		return true, nil
	}

	execErr = ledger.Classify(execErr)
	logger := zap.L().With(zap.String("id", entry.ID), zap.String("reward_type", entry.RewardType), zap.Error(execErr))

	if errors.Is(execErr, ledger.ErrTransient) && entry.Retries < q.cfg.MaxRetries {
		entry.Retries++
		entry.LastError = execErr.Error()
		entry.NextAttemptAt = q.now().Add(q.Backoff(entry.Retries))
		logger.Info("mint retry scheduled", zap.Int("retries", entry.Retries), zap.Time("next_attempt_at", entry.NextAttemptAt))
		return true, q.moveToTail(ctx, entry)
	}

	logger.Error("mint dropped", zap.Int("retries", entry.Retries))
	if err := q.remove(ctx, entry.ID); err != nil {
		return true, err
	}
	q.report(ctx, MintResult{Entry: entry, Err: execErr})
	return true, nil
}

func (q *RetryQueue) report(ctx context.Context, result MintResult) {
	if q.onResult != nil {
		q.onResult(ctx, result)
	}
}

// keepLease renews the lease until the returned func is called.
func (q *RetryQueue) keepLease(ctx context.Context) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(q.cfg.LockStaleAfter / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.storage.RenewLease(ctx, retryLeaseName, q.owner, q.now()); err != nil {
					zap.L().Warn("retry lease renew failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// Run ticks every PollInterval until ctx is done.
func (q *RetryQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.Flush()
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.Tick(ctx); err != nil {
				zap.L().Warn("retry queue tick failed", zap.Error(err))
			}
		}
	}
}
