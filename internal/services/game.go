package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gambit/internal/datastore"
	"gambit/internal/gateway"
	"gambit/internal/interfaces"
	"gambit/internal/ledger"
	"gambit/internal/models"
	"gambit/internal/pkg/chessrules"
	"gambit/internal/pkg/ton_utils"

	"github.com/go-redsync/redsync/v4"
	"github.com/google/uuid"
	"github.com/samber/do"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// ServiceGame owns the authoritative game state. The ledger only ever mirrors what is stored
// here, so every move is validated and persisted before a transaction request goes out.
type ServiceGame struct {
	container          *do.Injector
	rs                 *redsync.Redsync
	postgresDB         *bun.DB
	readonlyPostgresDB *bun.DB
	emitter            interfaces.Emitter
	queue              *ServiceQueue
	now                func() time.Time
}

type CreateGameParams struct {
	OpponentID      string `json:"opponentId"`
	OpponentAddress string `json:"opponentAddress"`
	VsComputer      bool   `json:"vsComputer"`
	// PlayAs is "white" (default) or "black".
	PlayAs        string `json:"playAs"`
	TransactionID string `json:"transactionId"`
}

type MoveParams struct {
	Move          string `json:"san"`
	TransactionID string `json:"transactionId"`
}

type MoveResult struct {
	Game  *models.Game      `json:"game"`
	Moves []models.GameMove `json:"moves"`
}

func NewServiceGame(container *do.Injector) (*ServiceGame, error) {
	rs, err := do.Invoke[*redsync.Redsync](container)
	if err != nil {
		return nil, err
	}

	postgresDB, err := do.Invoke[*bun.DB](container)
	if err != nil {
		return nil, err
	}

	readonlyPostgresDB, err := do.InvokeNamed[*bun.DB](container, "db-readonly")
	if err != nil {
		return nil, err
	}

	emitter, err := do.Invoke[interfaces.Emitter](container)
	if err != nil {
		return nil, err
	}

	queue, err := do.Invoke[*ServiceQueue](container)
	if err != nil {
		return nil, err
	}

	return &ServiceGame{
		container:          container,
		rs:                 rs,
		postgresDB:         postgresDB,
		readonlyPostgresDB: readonlyPostgresDB,
		emitter:            emitter,
		queue:              queue,
		now:                func() time.Time { return time.Now().UTC() },
	}, nil
}

func (service *ServiceGame) lockGame(ctx context.Context, gameID string) (*redsync.Mutex, error) {
	mutex := service.rs.NewMutex(LockKeyGame(gameID), redsync.WithTries(1), redsync.WithExpiry(10*time.Second))
	if err := mutex.TryLockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGameLocked, err)
	}
	return mutex, nil
}

func unlock(mutex *redsync.Mutex) {
	if _, err := mutex.UnlockContext(context.Background()); err != nil {
		zap.L().Warn("unlock failed", zap.String("name", mutex.Name()), zap.Error(err))
	}
}

func (service *ServiceGame) GetGame(ctx context.Context, gameID string) (*models.Game, error) {
	game, err := datastore.GetGame(ctx, service.readonlyPostgresDB, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	return game, err
}

func (service *ServiceGame) GetMoves(ctx context.Context, gameID string) ([]models.GameMove, error) {
	if _, err := service.GetGame(ctx, gameID); err != nil {
		return nil, err
	}
	return datastore.GetGameMoves(ctx, service.readonlyPostgresDB, gameID)
}

func (service *ServiceGame) CreateGame(ctx context.Context, player *models.PlayerFromAuth, params CreateGameParams) (*models.Game, error) {
	if player == nil || player.ID == "" {
		return nil, ErrMissingPlayer
	}

	address, err := ton_utils.NormalizeAddress(player.Address)
	if err != nil {
		return nil, ErrInvalidAddress
	}

	opponent := models.PlayerFromAuth{ID: models.ComputerPlayerID}
	if !params.VsComputer {
		if params.OpponentID == "" || params.OpponentID == player.ID || params.OpponentID == models.ComputerPlayerID {
			return nil, ErrInvalidOpponent
		}
		opponentAddress, err := ton_utils.NormalizeAddress(params.OpponentAddress)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOpponent, ErrInvalidAddress)
		}
		opponent = models.PlayerFromAuth{ID: params.OpponentID, Address: opponentAddress}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	txID := params.TransactionID
	if txID == "" {
		txID = ledger.NewTransactionID(TX_PREFIX_CREATE_GAME)
	}

	now := service.now()
	game := &models.Game{
		ID:           id.String(),
		WhiteID:      player.ID,
		WhiteAddress: address,
		BlackID:      opponent.ID,
		BlackAddress: opponent.Address,
		VsComputer:   params.VsComputer,
		FEN:          chessrules.StartingFEN(),
		Turn:         chessrules.ColorWhite,
		Status:       models.GameStatusActive,
		CreateTxID:   txID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if params.PlayAs == chessrules.ColorBlack {
		game.WhiteID, game.WhiteAddress, game.BlackID, game.BlackAddress = game.BlackID, game.BlackAddress, game.WhiteID, game.WhiteAddress
	}

	if err := datastore.InsertGame(ctx, service.postgresDB, game); err != nil {
		return nil, err
	}

	service.emitter.Emit(address, gateway.EventTxCreateGame, gateway.TransactionRequest[gateway.CreateGameData]{
		TransactionID: txID,
		PlayerAddress: address,
		Data: gateway.CreateGameData{
			GameID:       game.ID,
			WhiteAddress: game.WhiteAddress,
			BlackAddress: game.BlackAddress,
			VsComputer:   game.VsComputer,
			Position:     game.FEN,
		},
	})

	service.award(ctx, player.ID, address, models.RewardTypeFirstGameCreated)

	if game.VsComputer && game.WhiteID == models.ComputerPlayerID {
		if _, err := service.playComputer(ctx, game, address); err != nil {
			return nil, err
		}
	}

	return game, nil
}

// MakeMove validates and stores a human move, then answers with the computer's move when the
// game is against the computer.
func (service *ServiceGame) MakeMove(ctx context.Context, player *models.PlayerFromAuth, gameID string, params MoveParams) (*MoveResult, error) {
	mutex, err := service.lockGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	defer unlock(mutex)

	game, err := datastore.GetGame(ctx, service.postgresDB, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}

	if !game.HasPlayer(player.ID) {
		return nil, ErrNotInGame
	}
	if game.IsOver() {
		return nil, ErrGameOver
	}
	if game.Turn != game.ColorOf(player.ID) {
		return nil, ErrNotYourTurn
	}

	r, err := chessrules.Apply(game.FEN, params.Move)
	if err != nil {
		return nil, err
	}

	txID := params.TransactionID
	if txID == "" {
		txID = ledger.NewTransactionID(TX_PREFIX_MOVE)
	}

	address := game.AddressOf(player.ID)
	move, err := service.recordMove(ctx, game, player.ID, r, txID, false)
	if err != nil {
		return nil, err
	}
	service.emitMove(game, move, address)

	result := &MoveResult{Game: game, Moves: []models.GameMove{*move}}
	if game.IsOver() {
		service.finishGame(ctx, game, address)
		return result, nil
	}

	if game.VsComputer {
		reply, err := service.playComputer(ctx, game, address)
		if err != nil {
			return nil, err
		}
		result.Moves = append(result.Moves, *reply)
	}

	return result, nil
}

// playComputer answers on the computer's turn. The human's client submits the ledger
// transaction for it.
func (service *ServiceGame) playComputer(ctx context.Context, game *models.Game, humanAddress string) (*models.GameMove, error) {
	r, err := chessrules.ChooseReply(game.FEN)
	if err != nil {
		return nil, err
	}

	move, err := service.recordMove(ctx, game, models.ComputerPlayerID, r, ledger.NewTransactionID(TX_PREFIX_MOVE), true)
	if err != nil {
		return nil, err
	}
	service.emitMove(game, move, humanAddress)

	if game.IsOver() {
		service.finishGame(ctx, game, humanAddress)
	}
	return move, nil
}

func (service *ServiceGame) recordMove(ctx context.Context, game *models.Game, playerID string, r *chessrules.Result, txID string, isComputer bool) (*models.GameMove, error) {
	now := service.now()

	status := models.MoveTxStatusSubmitted
	if game.ObjectID == nil {
		status = models.MoveTxStatusWaitingForObjectID
	}

	move := &models.GameMove{
		GameID:            game.ID,
		Ply:               game.Ply + 1,
		PlayerID:          playerID,
		SAN:               r.SAN,
		UCI:               r.UCI,
		ResultingPosition: r.FEN,
		MoveHash:          ledger.MoveContentHash(r.SAN, r.FEN),
		IsComputerMove:    isComputer,
		TransactionID:     txID,
		TxStatus:          status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	next := *game
	next.FEN = r.FEN
	next.Turn = r.Turn
	next.Ply = move.Ply
	next.InCheck = r.InCheck
	next.UpdatedAt = now
	if r.Over {
		switch r.Method {
		case chessrules.MethodCheckmate:
			next.Status = models.GameStatusCheckmate
		case chessrules.MethodStalemate:
			next.Status = models.GameStatusStalemate
		default:
			next.Status = models.GameStatusDraw
		}

		if r.Winner != "" {
			winner := next.WhiteID
			if r.Winner == chessrules.ColorBlack {
				winner = next.BlackID
			}
			next.WinnerID = &winner
		}

		endTxID := ledger.NewTransactionID(TX_PREFIX_END_GAME)
		next.EndTxID = &endTxID
		next.EndedAt = &now
	}

	err := service.postgresDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := datastore.InsertGameMove(ctx, tx, move); err != nil {
			return err
		}
		return datastore.UpdateGameState(ctx, tx, &next)
	})
	if err != nil {
		return nil, err
	}

	*game = next
	return move, nil
}

func (service *ServiceGame) emitMove(game *models.Game, move *models.GameMove, address string) {
	status := gateway.TxStatusReady
	if game.ObjectID == nil {
		status = gateway.TxStatusWaitingForObjectID
	}

	service.emitter.Emit(address, gateway.EventTxMakeMove, gateway.TransactionRequest[gateway.MoveData]{
		TransactionID: move.TransactionID,
		PlayerAddress: address,
		Data: gateway.MoveData{
			GameID:            game.ID,
			GameObjectID:      game.ObjectID,
			Ply:               move.Ply,
			MoveSAN:           move.SAN,
			ResultingPosition: move.ResultingPosition,
			MoveContentHash:   move.MoveHash,
			IsComputerMove:    move.IsComputerMove,
			Status:            status,
		},
	})
}

func (service *ServiceGame) Resign(ctx context.Context, player *models.PlayerFromAuth, gameID string) (*models.Game, error) {
	mutex, err := service.lockGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	defer unlock(mutex)

	game, err := datastore.GetGame(ctx, service.postgresDB, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}

	if !game.HasPlayer(player.ID) {
		return nil, ErrNotInGame
	}
	if game.IsOver() {
		return nil, ErrGameOver
	}

	now := service.now()
	winner := game.WhiteID
	if game.ColorOf(player.ID) == chessrules.ColorWhite {
		winner = game.BlackID
	}
	endTxID := ledger.NewTransactionID(TX_PREFIX_END_GAME)

	game.Status = models.GameStatusResigned
	game.WinnerID = &winner
	game.EndTxID = &endTxID
	game.EndedAt = &now
	game.UpdatedAt = now
	if err := datastore.UpdateGameState(ctx, service.postgresDB, game); err != nil {
		return nil, err
	}

	service.finishGame(ctx, game, game.AddressOf(player.ID))
	return game, nil
}

// finishGame asks the submitter's client to close the game on the ledger and queues the
// achievements the result earned.
func (service *ServiceGame) finishGame(ctx context.Context, game *models.Game, submitter string) {
	status := gateway.TxStatusReady
	if game.ObjectID == nil {
		status = gateway.TxStatusWaitingForObjectID
	}

	var winnerAddress string
	if game.WinnerID != nil {
		winnerAddress = game.AddressOf(*game.WinnerID)
	}

	service.emitter.Emit(submitter, gateway.EventTxEndGame, gateway.TransactionRequest[gateway.EndGameData]{
		TransactionID: *game.EndTxID,
		PlayerAddress: submitter,
		Data: gateway.EndGameData{
			GameID:        game.ID,
			GameObjectID:  game.ObjectID,
			Result:        string(game.Status),
			WinnerAddress: winnerAddress,
			FinalPosition: game.FEN,
			Ply:           game.Ply,
			Status:        status,
		},
	})

	for _, player := range game.HumanPlayers() {
		service.award(ctx, player.ID, player.Address, models.RewardTypeFirstGamePlayed)
		if game.WinnerID != nil && *game.WinnerID == player.ID {
			service.award(ctx, player.ID, player.Address, models.RewardTypeWinCount)
		}
	}
}

func (service *ServiceGame) award(ctx context.Context, playerID, playerAddress string, rewardType models.RewardType) {
	_, err := service.queue.Enqueue(ctx, playerID, rewardType, playerAddress)
	if err != nil && !errors.Is(err, ErrDuplicateTask) {
		zap.L().Error("reward not queued", zap.String("player_id", playerID), zap.String("reward_type", string(rewardType)), zap.Error(err))
	}
}

// HandleTransactionResult records what a client's ledger submission did. The first successful
// create result fixes the game's object id and releases the moves that were waiting for it.
func (service *ServiceGame) HandleTransactionResult(ctx context.Context, playerAddress string, payload gateway.TransactionResultPayload) error {
	now := service.now()
	success := payload.Status == gateway.TxResultSuccess

	var digest, txErr *string
	if payload.Digest != "" {
		digest = &payload.Digest
	}
	if payload.Error != "" {
		txErr = &payload.Error
	}

	move, err := datastore.GetGameMoveByTxID(ctx, service.postgresDB, payload.TransactionID)
	if err == nil {
		game, err := datastore.GetGame(ctx, service.postgresDB, move.GameID)
		if err != nil {
			return err
		}
		if game.WhiteAddress != playerAddress && game.BlackAddress != playerAddress {
			return ErrNotInGame
		}

		status := models.MoveTxStatusConfirmed
		if !success {
			status = models.MoveTxStatusFailed
		}
		return datastore.UpdateGameMoveTx(ctx, service.postgresDB, payload.TransactionID, status, digest, txErr, now)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	game, err := datastore.GetGameByTxID(ctx, service.postgresDB, payload.TransactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownTransaction
	}
	if err != nil {
		return err
	}
	if game.WhiteAddress != playerAddress && game.BlackAddress != playerAddress {
		return ErrNotInGame
	}

	log := zap.L().With(zap.String("game_id", game.ID), zap.String("transaction_id", payload.TransactionID))
	if payload.TransactionID != game.CreateTxID {
		log.Info("end game transaction reported", zap.String("status", payload.Status), zap.String("error", payload.Error))
		return nil
	}

	if !success || payload.ObjectID == "" {
		log.Warn("create game transaction failed", zap.String("error", payload.Error))
		return nil
	}

	assigned, err := datastore.SetGameObjectID(ctx, service.postgresDB, game.ID, payload.ObjectID, now)
	if err != nil {
		return err
	}
	if !assigned {
		log.Info("game object id already set, ignoring", zap.String("object_id", payload.ObjectID))
		return nil
	}

	if err := datastore.MarkGameMovesSubmittable(ctx, service.postgresDB, game.ID, now); err != nil {
		return err
	}

	for _, player := range game.HumanPlayers() {
		service.emitter.Emit(player.Address, gateway.EventGameObjectID, gateway.GameObjectIDPayload{
			GameID:   game.ID,
			ObjectID: payload.ObjectID,
		})
	}
	return nil
}
