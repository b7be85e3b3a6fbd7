package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gambit/internal/gateway"
	"gambit/internal/ledger"
	"gambit/internal/models"
	"gambit/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGameAPI struct {
	mu        sync.Mutex
	game      *models.Game
	submitErr error
	getCalls  int
	submitted []services.MoveParams
}

func (a *fakeGameAPI) GetGame(ctx context.Context, gameID string) (*models.Game, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getCalls++
	game := *a.game
	return &game, nil
}

func (a *fakeGameAPI) SubmitMove(ctx context.Context, gameID string, params services.MoveParams) (*services.MoveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, params)
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	game := *a.game
	game.Ply++
	game.FEN = "after-" + params.Move
	game.Turn = "black"
	return &services.MoveResult{Game: &game}, nil
}

func (a *fakeGameAPI) GetCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getCalls
}

type orchestratorEnv struct {
	api      *fakeGameAPI
	executor *fakeExecutor
	sender   *fakeSender
	o        *MoveOrchestrator
}

func newOrchestratorEnv(t *testing.T) *orchestratorEnv {
	env := &orchestratorEnv{
		api: &fakeGameAPI{game: &models.Game{
			ID:     "g1",
			FEN:    "start",
			Turn:   "white",
			Status: models.GameStatusActive,
		}},
		executor: &fakeExecutor{},
		sender:   &fakeSender{},
	}
	env.o = NewMoveOrchestrator(env.api, env.executor, env.sender)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.o.Run(ctx)
	return env
}

func moveRequest(txID string, ply int, objectID *string) gateway.TransactionRequest[gateway.MoveData] {
	status := gateway.TxStatusReady
	if objectID == nil {
		status = gateway.TxStatusWaitingForObjectID
	}
	return gateway.TransactionRequest[gateway.MoveData]{
		TransactionID: txID,
		PlayerAddress: playerAddress(1),
		Data: gateway.MoveData{
			GameID:       "g1",
			GameObjectID: objectID,
			Ply:          ply,
			MoveSAN:      "e4",
			Status:       status,
		},
	}
}

func TestOrchestratorHoldsUntilObjectID(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.o.Track(env.api.game)

	env.o.HandleMove(ctx, moveRequest("move-1", 1, nil))
	env.o.HandleMove(ctx, moveRequest("move-2", 2, nil))
	env.o.HandleEndGame(ctx, gateway.TransactionRequest[gateway.EndGameData]{
		TransactionID: "end-1",
		PlayerAddress: playerAddress(1),
		Data:          gateway.EndGameData{GameID: "g1", Ply: 2, Result: "1-0", Status: gateway.TxStatusWaitingForObjectID},
	})

	assert.Eventually(t, func() bool { return env.o.HeldCount("g1") == 3 }, waitFor, tick)
	assert.Empty(t, env.executor.Calls())

	env.o.HandleObjectID(ctx, gateway.GameObjectIDPayload{GameID: "g1", ObjectID: ""})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, env.o.HeldCount("g1"), "an empty id resolves nothing")

	env.o.HandleObjectID(ctx, gateway.GameObjectIDPayload{GameID: "g1", ObjectID: "obj-1"})
	assert.Eventually(t, func() bool { return len(env.executor.Calls()) == 3 }, waitFor, tick)

	calls := env.executor.Calls()
	assert.Equal(t, "move-1", calls[0].ID)
	assert.Equal(t, "move-2", calls[1].ID)
	assert.Equal(t, "end-1", calls[2].ID)
	assert.Equal(t, ledger.KindEndGame, calls[2].Kind)
	for _, call := range calls {
		assert.Equal(t, "obj-1", call.GameObjectID)
	}

	results := env.sender.Results()
	require.Len(t, results, 3)
	for _, result := range results {
		assert.Equal(t, gateway.TxResultSuccess, result.Status)
	}

	// a repeated id replays nothing
	env.o.HandleObjectID(ctx, gateway.GameObjectIDPayload{GameID: "g1", ObjectID: "obj-1"})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, env.executor.Calls(), 3)

	// once the id is known, waiting requests go straight through
	env.o.HandleMove(ctx, moveRequest("move-3", 3, nil))
	assert.Eventually(t, func() bool { return len(env.executor.Calls()) == 4 }, waitFor, tick)
	assert.Equal(t, "obj-1", env.executor.Calls()[3].GameObjectID)

	board, ok := env.o.Board("g1")
	require.True(t, ok)
	assert.Equal(t, "obj-1", board.ObjectID)
}

func TestOrchestratorCreateGameReportsObjectID(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)

	env.o.HandleCreateGame(ctx, gateway.TransactionRequest[gateway.CreateGameData]{
		TransactionID: "create-1",
		PlayerAddress: playerAddress(1),
		Data:          gateway.CreateGameData{GameID: "g1"},
	})

	assert.Eventually(t, func() bool { return len(env.sender.Results()) == 1 }, waitFor, tick)
	result := env.sender.Results()[0]
	assert.Equal(t, "create-1", result.TransactionID)
	assert.Equal(t, gateway.TxResultSuccess, result.Status)
	assert.Equal(t, "object-create-1", result.ObjectID)
	assert.Equal(t, ledger.KindCreateGame, env.executor.Calls()[0].Kind)
}

func TestOrchestratorFailureResyncs(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.executor.fn = func(tx ledger.Transaction) (*ledger.Receipt, error) {
		return nil, errors.New("insufficient funds")
	}
	env.api.game.FEN = "server-fen"

	objectID := "obj-1"
	env.o.HandleMove(ctx, moveRequest("move-1", 1, &objectID))

	assert.Eventually(t, func() bool { return len(env.sender.Results()) == 1 }, waitFor, tick)
	result := env.sender.Results()[0]
	assert.Equal(t, gateway.TxResultFailure, result.Status)
	assert.Equal(t, "insufficient funds", result.Error)

	assert.Eventually(t, func() bool { return env.api.GetCalls() == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool {
		board, ok := env.o.Board("g1")
		return ok && board.FEN == "server-fen"
	}, waitFor, tick)
}

func TestSubmitMoveUpdatesBoard(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.o.Track(env.api.game)

	result, err := env.o.SubmitMove(ctx, "g1", "e4")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Game.Ply)

	board, ok := env.o.Board("g1")
	require.True(t, ok)
	assert.Equal(t, "after-e4", board.FEN)
	assert.Equal(t, "black", board.Turn)
	require.Len(t, env.api.submitted, 1)
	assert.NotEmpty(t, env.api.submitted[0].TransactionID)
}

func TestSubmitMoveResyncsOnRejection(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.o.Track(&models.Game{ID: "g1", FEN: "stale-local", Turn: "white", Status: models.GameStatusActive})
	env.api.submitErr = errors.New("illegal move")

	_, err := env.o.SubmitMove(ctx, "g1", "Ke2")
	require.Error(t, err)

	board, ok := env.o.Board("g1")
	require.True(t, ok)
	assert.Equal(t, "start", board.FEN)
	assert.Equal(t, 1, env.api.GetCalls())
}
