package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gambit/internal/config"
	"gambit/internal/datastore"
	"gambit/internal/interfaces"
	"gambit/internal/pkg/caching"
	"gambit/internal/pkg/limiter"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type emitted struct {
	address string
	event   string
	payload any
}

type fakeEmitter struct {
	mu     sync.Mutex
	peers  map[string]bool
	events []emitted
	onEmit func(emitted)
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{peers: make(map[string]bool)}
}

func (e *fakeEmitter) Emit(playerAddress string, event string, payload any) bool {
	e.mu.Lock()
	if !e.peers[playerAddress] {
		e.mu.Unlock()
		return false
	}
	ev := emitted{playerAddress, event, payload}
	e.events = append(e.events, ev)
	hook := e.onEmit
	e.mu.Unlock()

	if hook != nil {
		hook(ev)
	}
	return true
}

func (e *fakeEmitter) HasPeers(playerAddress string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[playerAddress]
}

func (e *fakeEmitter) connect(playerAddress string, connected bool) {
	e.mu.Lock()
	e.peers[playerAddress] = connected
	e.mu.Unlock()
}

func (e *fakeEmitter) setHook(hook func(emitted)) {
	e.mu.Lock()
	e.onEmit = hook
	e.mu.Unlock()
}

func (e *fakeEmitter) byEvent(event string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []emitted
	for _, ev := range e.events {
		if ev.event == event {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	container *do.Injector
	db        *bun.DB
	redis     *miniredis.Miniredis
	emitter   *fakeEmitter
}

func testQueueConfig() config.Queue {
	return config.Queue{
		DispatchDelay:        10 * time.Millisecond,
		TaskTimeout:          2 * time.Second,
		InterTaskDelay:       5 * time.Millisecond,
		StaleProcessingAfter: 5 * time.Minute,
		MaxRetries:           3,
		LegacyBatchSize:      20,
	}
}

func newTestEnv(t *testing.T, cfg config.Queue) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := datastore.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, datastore.CreateTables(context.Background(), db))

	cache, err := caching.NewCacheRedis(client, false)
	require.NoError(t, err)

	lim, err := limiter.NewLimiter(client)
	require.NoError(t, err)

	emitter := newFakeEmitter()

	injector := do.New()
	do.ProvideValue(injector, db)
	do.ProvideNamedValue(injector, "db-readonly", db)
	do.ProvideNamedValue[redis.UniversalClient](injector, "redis-db", client)
	do.ProvideValue[caching.Cache](injector, cache)
	do.ProvideValue[caching.ReadOnlyCache](injector, cache)
	do.ProvideValue[interfaces.Limiter](injector, lim)
	do.ProvideValue[interfaces.Emitter](injector, emitter)
	do.ProvideValue(injector, redsync.New(goredis.NewPool(client)))
	do.ProvideValue(injector, &config.Server{Queue: cfg})
	do.Provide(injector, NewServiceReward)
	do.Provide(injector, NewServiceQueue)
	do.Provide(injector, NewServiceGame)
	do.Provide(injector, NewServiceLegacyMint)

	// services first, then the database they use
	t.Cleanup(func() {
		injector.Shutdown() //nolint:errcheck
		db.Close()
	})

	return &testEnv{container: injector, db: db, redis: mr, emitter: emitter}
}

func playerAddress(n int) string {
	return fmt.Sprintf("0:%064x", n)
}
