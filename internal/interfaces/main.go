package interfaces

import (
	"context"

	"github.com/go-redis/redis_rate/v10"
)

type Limiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) error
}

// Emitter pushes events to the connected clients of a player.
type Emitter interface {
	Emit(playerAddress string, event string, payload any) bool
	HasPeers(playerAddress string) bool
}
