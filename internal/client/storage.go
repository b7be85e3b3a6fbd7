package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gambit/internal/datastore"

	"github.com/uptrace/bun"
	"github.com/vmihailenco/msgpack/v5"
)

// RetryEntry is a reward mint the client still owes. TaskID is set when the server handed the
// task over with mint-now; client originated entries carry none.
type RetryEntry struct {
	ID            string    `msgpack:"id"`
	TaskID        string    `msgpack:"task_id,omitempty"`
	RewardType    string    `msgpack:"reward_type"`
	PlayerID      string    `msgpack:"player_id"`
	PlayerAddress string    `msgpack:"player_address"`
	EnqueuedAt    time.Time `msgpack:"enqueued_at"`
	Retries       int       `msgpack:"retries"`
	NextAttemptAt time.Time `msgpack:"next_attempt_at"`
	LastError     string    `msgpack:"last_error,omitempty"`
}

type storedEntry struct {
	bun.BaseModel `bun:"table:client_retry_entry"`
	ID            string    `bun:"id,pk"`
	Payload       []byte    `bun:"payload,notnull"`
	Position      int64     `bun:"position,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

type storedLease struct {
	bun.BaseModel `bun:"table:client_lease"`
	Name          string    `bun:"name,pk"`
	Owner         string    `bun:"owner,notnull"`
	AcquiredAt    time.Time `bun:"acquired_at,notnull"`
}

// Storage persists the retry queue and its processing lease in an embedded SQLite file.
type Storage struct {
	db *bun.DB
}

func OpenStorage(ctx context.Context, dsn string) (*Storage, error) {
	db, err := datastore.OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}

	for _, model := range []interface{}{(*storedEntry)(nil), (*storedLease)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// LoadEntries returns entries in queue order.
func (s *Storage) LoadEntries(ctx context.Context) ([]RetryEntry, error) {
	var rows []storedEntry
	if err := s.db.NewSelect().Model(&rows).Order("position ASC", "id ASC").Scan(ctx); err != nil {
		return nil, err
	}

	entries := make([]RetryEntry, 0, len(rows))
	for _, row := range rows {
		var entry RetryEntry
		if err := msgpack.Unmarshal(row.Payload, &entry); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", row.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SaveEntry upserts entry at the tail of the queue.
func (s *Storage) SaveEntry(ctx context.Context, entry RetryEntry, now time.Time) error {
	payload, err := msgpack.Marshal(&entry)
	if err != nil {
		return err
	}

	var tail sql.NullInt64
	if err := s.db.NewSelect().Model((*storedEntry)(nil)).ColumnExpr("MAX(position)").Scan(ctx, &tail); err != nil {
		return err
	}

	row := &storedEntry{ID: entry.ID, Payload: payload, Position: tail.Int64 + 1, UpdatedAt: now}
	_, err = s.db.NewInsert().Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("payload = EXCLUDED.payload").
		Set("position = EXCLUDED.position").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Storage) DeleteEntry(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().Model((*storedEntry)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

// AcquireLease takes the named lease for owner. A lease held by someone else is only taken over
// once it is older than staleAfter.
func (s *Storage) AcquireLease(ctx context.Context, name, owner string, now time.Time, staleAfter time.Duration) (bool, error) {
	acquired := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var lease storedLease
		err := tx.NewSelect().Model(&lease).Where("name = ?", name).Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.NewInsert().Model(&storedLease{Name: name, Owner: owner, AcquiredAt: now}).Exec(ctx)
			acquired = err == nil
			return err
		}
		if err != nil {
			return err
		}

		if lease.Owner != owner && now.Sub(lease.AcquiredAt) < staleAfter {
			return nil
		}

		_, err = tx.NewUpdate().Model((*storedLease)(nil)).
			Set("owner = ?", owner).
			Set("acquired_at = ?", now).
			Where("name = ?", name).
			Exec(ctx)
		acquired = err == nil
		return err
	})
	return acquired, err
}

func (s *Storage) RenewLease(ctx context.Context, name, owner string, now time.Time) error {
	_, err := s.db.NewUpdate().Model((*storedLease)(nil)).
		Set("acquired_at = ?", now).
		Where("name = ?", name).
		Where("owner = ?", owner).
		Exec(ctx)
	return err
}

func (s *Storage) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.NewDelete().Model((*storedLease)(nil)).
		Where("name = ?", name).
		Where("owner = ?", owner).
		Exec(ctx)
	return err
}
