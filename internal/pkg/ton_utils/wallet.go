package ton_utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gambit/internal/ledger"

	"github.com/tonkeeper/tongo/boc"
	"github.com/tonkeeper/tongo/liteapi"
	"github.com/tonkeeper/tongo/tlb"
	"github.com/tonkeeper/tongo/ton"
	"github.com/tonkeeper/tongo/wallet"
)

const (
	sendTimeout    = 15 * time.Second
	maxCommentSize = 127
)

var ErrMissingRegistry = errors.New("registry contract address is not configured")

type WalletConfig struct {
	Seed string
	// Registry receives every game and reward message.
	Registry string
	// Amount in nanotons attached to each message.
	Amount uint64
	// Testnet switches the lite client to the testnet config.
	Testnet bool
}

// WalletExecutor signs ledger transactions with a seed held by this process and sends
// them as comment messages to the registry contract.
type WalletExecutor struct {
	wallet   wallet.Wallet
	registry *ton.AccountID
	amount   tlb.Grams
}

func NewWalletExecutor(cfg WalletConfig) (*WalletExecutor, error) {
	var client *liteapi.Client
	var err error
	if cfg.Testnet {
		client, err = liteapi.NewClientWithDefaultTestnet()
	} else {
		client, err = liteapi.NewClientWithDefaultMainnet()
	}
	if err != nil {
		return nil, err
	}

	w, err := wallet.DefaultWalletFromSeed(cfg.Seed, client)
	if err != nil {
		return nil, fmt.Errorf("unable to create wallet: %w", err)
	}

	executor := &WalletExecutor{wallet: w, amount: tlb.Grams(cfg.Amount)}
	if cfg.Registry != "" {
		registry, err := ParseAccount(cfg.Registry)
		if err != nil {
			return nil, fmt.Errorf("invalid registry address: %w", err)
		}
		executor.registry = &registry
	}

	return executor, nil
}

func (e *WalletExecutor) Address() string {
	return e.wallet.GetAddress().ToHuman(true, false)
}

func Comment(tx ledger.Transaction) string {
	comment := fmt.Sprintf("%s:%s", tx.Kind, tx.ID)
	if tx.GameObjectID != "" {
		comment += ":" + tx.GameObjectID
	}
	if tx.Memo != "" {
		comment += ":" + tx.Memo
	}
	if len(comment) > maxCommentSize {
		comment = comment[:maxCommentSize]
	}
	return comment
}

func commentCell(comment string) (*boc.Cell, error) {
	body := boc.NewCell()
	if err := body.WriteUint(0, 32); err != nil {
		return nil, err
	}
	if err := body.WriteBytes([]byte(comment)); err != nil {
		return nil, err
	}
	return body, nil
}

func (e *WalletExecutor) Execute(ctx context.Context, tx ledger.Transaction) (*ledger.Receipt, error) {
	if e.registry == nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrPermanent, ErrMissingRegistry)
	}

	body, err := commentCell(Comment(tx))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrPermanent, err)
	}

	hash, err := e.wallet.SendV2(ctx, sendTimeout, wallet.Message{
		Amount:  e.amount,
		Address: *e.registry,
		Body:    body,
		Bounce:  false,
		Mode:    3,
	})
	if err != nil {
		return nil, ledger.Classify(err)
	}

	digest := hash.Hex()
	objectID := tx.GameObjectID
	if tx.Kind == ledger.KindCreateGame || tx.Kind == ledger.KindMint {
		objectID = digest
	}

	return &ledger.Receipt{Digest: digest, ObjectID: objectID}, nil
}
