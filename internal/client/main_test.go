package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gambit/internal/gateway"
	"gambit/internal/ledger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()

	storage, err := OpenStorage(context.Background(), fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	return storage
}

func playerAddress(n int) string {
	return fmt.Sprintf("0:%064x", n)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []ledger.Transaction
	fn    func(tx ledger.Transaction) (*ledger.Receipt, error)
}

func (e *fakeExecutor) Execute(ctx context.Context, tx ledger.Transaction) (*ledger.Receipt, error) {
	e.mu.Lock()
	e.calls = append(e.calls, tx)
	fn := e.fn
	e.mu.Unlock()

	if fn == nil {
		return &ledger.Receipt{Digest: "digest-" + tx.ID, ObjectID: "object-" + tx.ID}, nil
	}
	return fn(tx)
}

func (e *fakeExecutor) Calls() []ledger.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ledger.Transaction(nil), e.calls...)
}

type sentFrame struct {
	event   string
	payload any
}

type fakeSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (s *fakeSender) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, sentFrame{event: event, payload: payload})
	return nil
}

func (s *fakeSender) Results() []gateway.TransactionResultPayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []gateway.TransactionResultPayload
	for _, frame := range s.frames {
		if result, ok := frame.payload.(gateway.TransactionResultPayload); ok {
			results = append(results, result)
		}
	}
	return results
}
