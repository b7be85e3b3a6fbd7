// Package ledger holds the contract between game and reward flows and whatever signs and
// submits transactions to the chain.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTransient = errors.New("transient ledger error")
	ErrPermanent = errors.New("permanent ledger error")
)

type Kind string

const (
	KindCreateGame Kind = "create_game"
	KindMakeMove   Kind = "make_move"
	KindEndGame    Kind = "end_game"
	KindMint       Kind = "mint"
)

type Transaction struct {
	ID            string
	Kind          Kind
	PlayerAddress string
	GameObjectID  string
	// Memo is the human readable part written into the transaction body.
	Memo string
}

type Receipt struct {
	Digest   string
	ObjectID string
}

type Executor interface {
	Execute(ctx context.Context, tx Transaction) (*Receipt, error)
}

type ExecutorFunc func(ctx context.Context, tx Transaction) (*Receipt, error)

func (f ExecutorFunc) Execute(ctx context.Context, tx Transaction) (*Receipt, error) {
	return f(ctx, tx)
}

var transientMarkers = []string{
	"locked",
	"lock contention",
	"timeout",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"too many requests",
	"seqno",
	"503",
	"502",
}

// Classify tags err as ErrTransient or ErrPermanent unless it already carries one of them.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func IsTransient(err error) bool {
	return errors.Is(Classify(err), ErrTransient)
}

// NewTransactionID returns prefix_<unix millis>_<random>, sortable and greppable in logs.
func NewTransactionID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), suffix)
}

func MoveContentHash(san string, resultingPosition string) string {
	sum := sha256.Sum256([]byte(san + "|" + resultingPosition))
	return hex.EncodeToString(sum[:])
}
