package client

import (
	"context"
	"encoding/json"

	"gambit/internal/gateway"
	"gambit/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Client binds the gateway connection to the retry queue and the move orchestrator for one
// player.
type Client struct {
	Player       models.PlayerFromAuth
	Conn         *Conn
	API          *API
	Queue        *RetryQueue
	Orchestrator *MoveOrchestrator
}

// ReportResult tells the server how a mint went: server tasks get mint-completed over the
// gateway, client originated mints are claimed over REST.
func ReportResult(sender FrameSender, api *API) ResultFunc {
	return func(ctx context.Context, result MintResult) {
		entry := result.Entry
		if entry.TaskID != "" {
			if sender == nil {
				zap.L().Warn("mint-completed dropped without a gateway connection", zap.String("task_id", entry.TaskID))
				return
			}
			payload := gateway.MintCompletedPayload{TaskID: entry.TaskID, Success: result.Err == nil}
			if result.Err != nil {
				payload.ErrorMessage = result.Err.Error()
			} else if result.Receipt != nil {
				payload.ObjectID = result.Receipt.ObjectID
			}
			if err := sender.Send(gateway.EventMintCompleted, payload); err != nil {
				zap.L().Warn("mint-completed not sent", zap.String("task_id", entry.TaskID), zap.Error(err))
			}
			return
		}

		if result.Err != nil || result.Receipt == nil || api == nil {
			return
		}
		if _, err := api.ClaimReward(ctx, entry.RewardType, result.Receipt.ObjectID); err != nil {
			zap.L().Warn("reward claim failed", zap.String("reward_type", entry.RewardType), zap.Error(err))
		}
	}
}

func decode[T any](frame gateway.Frame) (T, bool) {
	var payload T
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		zap.L().Warn("gateway payload invalid", zap.String("type", frame.Type), zap.Error(err))
		return payload, false
	}
	return payload, true
}

func (c *Client) bind() {
	c.Conn.On(gateway.EventMintNow, func(ctx context.Context, frame gateway.Frame) {
		if payload, ok := decode[gateway.MintNowPayload](frame); ok {
			if err := c.Queue.EnqueueTask(ctx, payload); err != nil {
				zap.L().Error("mint task not queued", zap.String("task_id", payload.TaskID), zap.Error(err))
			}
		}
	})
	c.Conn.On(gateway.EventMintError, func(ctx context.Context, frame gateway.Frame) {
		if payload, ok := decode[gateway.MintErrorPayload](frame); ok {
			zap.L().Info("mint request refused", zap.String("reward_type", payload.RewardType), zap.String("error", payload.Error))
		}
	})
	c.Conn.On(gateway.EventTxCreateGame, func(ctx context.Context, frame gateway.Frame) {
		if req, ok := decode[gateway.TransactionRequest[gateway.CreateGameData]](frame); ok {
			c.Orchestrator.HandleCreateGame(ctx, req)
		}
	})
	c.Conn.On(gateway.EventTxMakeMove, func(ctx context.Context, frame gateway.Frame) {
		if req, ok := decode[gateway.TransactionRequest[gateway.MoveData]](frame); ok {
			c.Orchestrator.HandleMove(ctx, req)
		}
	})
	c.Conn.On(gateway.EventTxEndGame, func(ctx context.Context, frame gateway.Frame) {
		if req, ok := decode[gateway.TransactionRequest[gateway.EndGameData]](frame); ok {
			c.Orchestrator.HandleEndGame(ctx, req)
		}
	})
	c.Conn.On(gateway.EventGameObjectID, func(ctx context.Context, frame gateway.Frame) {
		if payload, ok := decode[gateway.GameObjectIDPayload](frame); ok {
			c.Orchestrator.HandleObjectID(ctx, payload)
		}
	})
	c.Conn.On(gateway.EventError, func(ctx context.Context, frame gateway.Frame) {
		if payload, ok := decode[gateway.ErrorPayload](frame); ok {
			zap.L().Warn("gateway error", zap.String("code", payload.Code), zap.String("message", payload.Message))
		}
	})
}

// Run joins the player's room and serves until ctx is done or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	c.bind()

	if err := c.Queue.Load(ctx); err != nil {
		return err
	}

	if err := c.Conn.Send(gateway.EventJoinPlayerRoom, gateway.RoomPayload{PlayerAddress: c.Player.Address}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Conn.Run(ctx)
	})
	g.Go(func() error {
		return c.Queue.Run(ctx)
	})
	g.Go(func() error {
		return c.Orchestrator.Run(ctx)
	})

	return g.Wait()
}
