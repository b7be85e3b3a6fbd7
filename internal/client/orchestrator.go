package client

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gambit/internal/gateway"
	"gambit/internal/ledger"
	"gambit/internal/models"
	"gambit/internal/services"

	"go.uber.org/zap"
)

type GameAPI interface {
	GetGame(ctx context.Context, gameID string) (*models.Game, error)
	SubmitMove(ctx context.Context, gameID string, params services.MoveParams) (*services.MoveResult, error)
}

type FrameSender interface {
	Send(event string, payload any) error
}

// Board is the client's optimistic view of a game.
type Board struct {
	GameID   string
	FEN      string
	Turn     string
	Ply      int
	InCheck  bool
	Status   models.GameStatus
	ObjectID string
}

func (b Board) IsCheckmate() bool {
	return b.Status == models.GameStatusCheckmate
}

type heldRequest struct {
	ply int
	tx  ledger.Transaction
}

// MoveOrchestrator turns the server's transaction requests into signed ledger transactions.
// Requests that reference a game whose object id is still unknown are held and replayed once
// the id arrives.
type MoveOrchestrator struct {
	api      GameAPI
	executor ledger.Executor
	sender   FrameSender

	jobs chan func(ctx context.Context)

	mu     sync.Mutex
	boards map[string]*Board
	held   map[string][]heldRequest
}

func NewMoveOrchestrator(api GameAPI, executor ledger.Executor, sender FrameSender) *MoveOrchestrator {
	return &MoveOrchestrator{
		api:      api,
		executor: executor,
		sender:   sender,
		jobs:     make(chan func(ctx context.Context), 64),
		boards:   make(map[string]*Board),
		held:     make(map[string][]heldRequest),
	}
}

// Run executes queued work in arrival order until ctx is done.
func (o *MoveOrchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-o.jobs:
			job(ctx)
		}
	}
}

func (o *MoveOrchestrator) schedule(ctx context.Context, job func(ctx context.Context)) {
	select {
	case o.jobs <- job:
	case <-ctx.Done():
	}
}

func (o *MoveOrchestrator) Track(game *models.Game) {
	o.mu.Lock()
	defer o.mu.Unlock()

	board := o.boards[game.ID]
	if board == nil {
		board = &Board{GameID: game.ID}
		o.boards[game.ID] = board
	}
	board.FEN = game.FEN
	board.Turn = game.Turn
	board.Ply = game.Ply
	board.InCheck = game.InCheck
	board.Status = game.Status
	if game.ObjectID != nil && *game.ObjectID != "" {
		board.ObjectID = *game.ObjectID
	}
}

func (o *MoveOrchestrator) Board(gameID string) (Board, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	board, ok := o.boards[gameID]
	if !ok {
		return Board{}, false
	}
	return *board, true
}

func (o *MoveOrchestrator) HeldCount(gameID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.held[gameID])
}

// SubmitMove sends a move to the server and updates the board from its answer. A rejected
// move resyncs the board before the error is returned.
func (o *MoveOrchestrator) SubmitMove(ctx context.Context, gameID string, san string) (*services.MoveResult, error) {
	result, err := o.api.SubmitMove(ctx, gameID, services.MoveParams{
		Move:          san,
		TransactionID: ledger.NewTransactionID(services.TX_PREFIX_MOVE),
	})
	if err != nil {
		o.resync(ctx, gameID)
		return nil, err
	}

	if result.Game != nil {
		o.Track(result.Game)
	}
	return result, nil
}

func (o *MoveOrchestrator) resync(ctx context.Context, gameID string) {
	game, err := o.api.GetGame(ctx, gameID)
	if err != nil {
		zap.L().Warn("game resync failed", zap.String("game_id", gameID), zap.Error(err))
		return
	}
	o.Track(game)
}

func (o *MoveOrchestrator) HandleCreateGame(ctx context.Context, req gateway.TransactionRequest[gateway.CreateGameData]) {
	o.schedule(ctx, func(ctx context.Context) {
		o.execute(ctx, req.Data.GameID, ledger.Transaction{
			ID:            req.TransactionID,
			Kind:          ledger.KindCreateGame,
			PlayerAddress: req.PlayerAddress,
			Memo:          fmt.Sprintf("create_game:%s", req.Data.GameID),
		})
	})
}

func (o *MoveOrchestrator) HandleMove(ctx context.Context, req gateway.TransactionRequest[gateway.MoveData]) {
	o.schedule(ctx, func(ctx context.Context) {
		tx := ledger.Transaction{
			ID:            req.TransactionID,
			Kind:          ledger.KindMakeMove,
			PlayerAddress: req.PlayerAddress,
			Memo:          fmt.Sprintf("move:%s:%d:%s:%s", req.Data.GameID, req.Data.Ply, req.Data.MoveSAN, req.Data.MoveContentHash),
		}
		if req.Data.GameObjectID != nil {
			tx.GameObjectID = *req.Data.GameObjectID
		}
		o.executeOrHold(ctx, req.Data.GameID, req.Data.Ply, tx)
	})
}

func (o *MoveOrchestrator) HandleEndGame(ctx context.Context, req gateway.TransactionRequest[gateway.EndGameData]) {
	o.schedule(ctx, func(ctx context.Context) {
		tx := ledger.Transaction{
			ID:            req.TransactionID,
			Kind:          ledger.KindEndGame,
			PlayerAddress: req.PlayerAddress,
			Memo:          fmt.Sprintf("end_game:%s:%s", req.Data.GameID, req.Data.Result),
		}
		if req.Data.GameObjectID != nil {
			tx.GameObjectID = *req.Data.GameObjectID
		}
		o.executeOrHold(ctx, req.Data.GameID, req.Data.Ply, tx)
	})
}

// HandleObjectID replays the requests held for the game. An empty id is ignored.
func (o *MoveOrchestrator) HandleObjectID(ctx context.Context, payload gateway.GameObjectIDPayload) {
	if payload.ObjectID == "" {
		return
	}

	o.schedule(ctx, func(ctx context.Context) {
		o.mu.Lock()
		board := o.boards[payload.GameID]
		if board == nil {
			board = &Board{GameID: payload.GameID}
			o.boards[payload.GameID] = board
		}
		board.ObjectID = payload.ObjectID

		held := o.held[payload.GameID]
		delete(o.held, payload.GameID)
		o.mu.Unlock()

		sort.SliceStable(held, func(i, j int) bool { return held[i].ply < held[j].ply })
		for _, req := range held {
			req.tx.GameObjectID = payload.ObjectID
			o.execute(ctx, payload.GameID, req.tx)
		}
	})
}

func (o *MoveOrchestrator) executeOrHold(ctx context.Context, gameID string, ply int, tx ledger.Transaction) {
	if tx.GameObjectID == "" {
		o.mu.Lock()
		if board := o.boards[gameID]; board != nil && board.ObjectID != "" {
			tx.GameObjectID = board.ObjectID
		}
		if tx.GameObjectID == "" {
			o.held[gameID] = append(o.held[gameID], heldRequest{ply: ply, tx: tx})
			o.mu.Unlock()
			zap.L().Debug("transaction held", zap.String("game_id", gameID), zap.String("transaction_id", tx.ID))
			return
		}
		o.mu.Unlock()
	}

	o.execute(ctx, gameID, tx)
}

func (o *MoveOrchestrator) execute(ctx context.Context, gameID string, tx ledger.Transaction) {
	result := gateway.TransactionResultPayload{TransactionID: tx.ID, Status: gateway.TxResultSuccess}

	receipt, err := o.executor.Execute(ctx, tx)
	if err != nil {
		zap.L().Warn("transaction failed", zap.String("game_id", gameID), zap.String("transaction_id", tx.ID), zap.Error(err))
		result.Status = gateway.TxResultFailure
		result.Error = err.Error()
	} else if receipt != nil {
		result.ObjectID = receipt.ObjectID
		result.Digest = receipt.Digest
	}

	if err := o.sender.Send(gateway.EventTxResult, result); err != nil {
		zap.L().Warn("transaction result not sent", zap.String("transaction_id", tx.ID), zap.Error(err))
	}

	if result.Status == gateway.TxResultFailure {
		o.resync(ctx, gameID)
	}
}
