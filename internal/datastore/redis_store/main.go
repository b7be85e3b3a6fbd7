package redis_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const channelMintCompleted = "mint-queue:completed"

// MintCompletion wakes a coordinator waiter on whichever instance holds it.
type MintCompletion struct {
	TaskID        string `msgpack:"task_id"`
	PlayerAddress string `msgpack:"player_address"`
	Success       bool   `msgpack:"success"`
	ObjectID      string `msgpack:"object_id"`
	ErrorMessage  string `msgpack:"error_message"`
}

func dbKeyProofNonce(address, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", address, nonce)
}

func dbKeyMintQueueOwner(playerAddress string) string {
	return fmt.Sprintf("mint-queue:owner:%s", playerAddress)
}

// SetSIWTNonce burns a proof nonce; it reports false when the nonce had been used before.
func SetSIWTNonce(ctx context.Context, cmd redis.Cmdable, address, nonce string, expiration time.Duration) (bool, error) {
	return cmd.SetNX(ctx, dbKeyProofNonce(address, nonce), nonce, expiration).Result()
}

func PublishMintCompletion(ctx context.Context, cmd redis.Cmdable, v *MintCompletion) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}

	return cmd.Publish(ctx, channelMintCompleted, b).Err()
}

// SubscribeMintCompletions delivers completions until ctx is done.
func SubscribeMintCompletions(ctx context.Context, client redis.UniversalClient, handle func(*MintCompletion)) error {
	sub := client.Subscribe(ctx, channelMintCompleted)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var v MintCompletion
			if err := msgpack.Unmarshal([]byte(msg.Payload), &v); err != nil {
				continue
			}
			handle(&v)
		}
	}
}

// SetMintQueueOwner records which instance drains a player's queue.
func SetMintQueueOwner(ctx context.Context, cmd redis.Cmdable, playerAddress, owner string, expiration time.Duration) error {
	return cmd.Set(ctx, dbKeyMintQueueOwner(playerAddress), owner, expiration).Err()
}

func GetMintQueueOwner(ctx context.Context, cmd redis.Cmdable, playerAddress string) (string, error) {
	return cmd.Get(ctx, dbKeyMintQueueOwner(playerAddress)).Result()
}

// ClearMintQueueOwner drops the owner key if owner still holds it.
func ClearMintQueueOwner(ctx context.Context, cmd redis.Cmdable, playerAddress, owner string) error {
	current, err := GetMintQueueOwner(ctx, cmd, playerAddress)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != owner {
		return nil
	}
	return cmd.Del(ctx, dbKeyMintQueueOwner(playerAddress)).Err()
}
