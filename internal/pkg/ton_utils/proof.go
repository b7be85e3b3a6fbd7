package ton_utils

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"gambit/internal/datastore/redis_store"
	"gambit/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/tonkeeper/tongo"
	"github.com/tonkeeper/tongo/boc"
	"github.com/tonkeeper/tongo/tlb"
	"go.uber.org/zap"
)

const (
	tonProofPrefix   = "ton-proof-item-v2/"
	tonConnectPrefix = "ton-connect"
	proofTTL         = 24 * time.Hour
	nonceTTL         = 6 * time.Hour
	nonceLength      = 12
)

var (
	ErrInvalidNonce  = errors.New("invalid nonce")
	ErrUsedNonce     = errors.New("used nonce")
	ErrProofExpired  = errors.New("proof has been expired")
	ErrWrongDomain   = errors.New("wrong domain")
	ErrStateMismatch = errors.New("state init does not match address")
)

func SignatureVerify(pubkey ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(pubkey, message, signature)
}

// ParseAccount validates a raw or user friendly address.
func ParseAccount(address string) (tongo.AccountID, error) {
	addr, err := tongo.ParseAddress(address)
	if err != nil {
		return tongo.AccountID{}, err
	}
	return addr.ID, nil
}

func ParseTonProofMessage(tp *models.TonProof) (*models.TonProofMessage, error) {
	addr, err := tongo.ParseAddress(tp.Address)
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(tp.Proof.Signature)
	if err != nil {
		return nil, err
	}

	return &models.TonProofMessage{
		Workchain: addr.ID.Workchain,
		Address:   addr.ID.Address[:],
		Domain:    tp.Proof.Domain,
		Timstamp:  tp.Proof.Timestamp,
		Signature: sig,
		Payload:   tp.Proof.Payload,
		StateInit: tp.Proof.StateInit,
	}, nil
}

func CreateMessage(message *models.TonProofMessage) []byte {
	wc := make([]byte, 4)
	binary.BigEndian.PutUint32(wc, uint32(message.Workchain))

	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(message.Timstamp))

	dl := make([]byte, 4)
	binary.LittleEndian.PutUint32(dl, message.Domain.LengthBytes)
	m := []byte(tonProofPrefix)
	m = append(m, wc...)
	m = append(m, message.Address...)
	m = append(m, dl...)
	m = append(m, []byte(message.Domain.Value)...)
	m = append(m, ts...)
	m = append(m, []byte(message.Payload)...)
	messageHash := sha256.Sum256(m)
	fullMes := []byte{0xff, 0xff}
	fullMes = append(fullMes, []byte(tonConnectPrefix)...)
	fullMes = append(fullMes, messageHash[:]...)
	res := sha256.Sum256(fullMes)
	return res[:]
}

// CompareStateInitWithAddress checks that the state init hashes to the account address.
func CompareStateInitWithAddress(address tongo.AccountID, stateInit string) (bool, error) {
	cells, err := boc.DeserializeBocBase64(stateInit)
	if err != nil {
		return false, err
	}
	if len(cells) != 1 {
		return false, fmt.Errorf("state init: expected 1 root cell, got %d", len(cells))
	}

	hash, err := cells[0].Hash()
	if err != nil {
		return false, err
	}

	return bytes.Equal(hash, address.Address[:]), nil
}

// ParseStateInit extracts the public key from a v3/v4 wallet data cell
// (seqno:uint32 subwallet:uint32 pubkey:bits256).
func ParseStateInit(stateInit string) (ed25519.PublicKey, error) {
	cells, err := boc.DeserializeBocBase64(stateInit)
	if err != nil {
		return nil, err
	}
	if len(cells) != 1 {
		return nil, fmt.Errorf("state init: expected 1 root cell, got %d", len(cells))
	}

	var state tlb.StateInit
	if err := tlb.Unmarshal(cells[0], &state); err != nil {
		return nil, err
	}
	if !state.Data.Exists {
		return nil, errors.New("empty init state")
	}

	data := state.Data.Value.Value
	data.ResetCounters()
	if _, err := data.ReadUint(32); err != nil {
		return nil, err
	}
	if _, err := data.ReadUint(32); err != nil {
		return nil, err
	}
	pubKey, err := data.ReadBytes(ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}

	return ed25519.PublicKey(pubKey), nil
}

// CheckProof verifies a ton_proof produced by a TON Connect wallet and burns its nonce.
func CheckProof(ctx context.Context, dbRedis redis.UniversalClient, address tongo.AccountID, domain string, nonce string, tonProofReq *models.TonProofMessage) (bool, error) {
	if len(nonce) != nonceLength {
		return false, ErrInvalidNonce
	}

	ok, err := CompareStateInitWithAddress(address, tonProofReq.StateInit)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrStateMismatch
	}

	pubKey, err := ParseStateInit(tonProofReq.StateInit)
	if err != nil {
		zap.L().Warn("parse wallet state init", zap.String("address", address.String()), zap.Error(err))
		return false, err
	}

	if time.Now().After(time.Unix(tonProofReq.Timstamp, 0).Add(proofTTL)) {
		return false, ErrProofExpired
	}

	if tonProofReq.Domain.Value != domain {
		return false, fmt.Errorf("%w: %s", ErrWrongDomain, tonProofReq.Domain.Value)
	}

	fresh, err := redis_store.SetSIWTNonce(ctx, dbRedis, address.String(), nonce, nonceTTL)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, ErrUsedNonce
	}

	return SignatureVerify(pubKey, CreateMessage(tonProofReq), tonProofReq.Signature), nil
}

// NormalizeAddress returns the raw "wc:hex" form used as the player key across services.
func NormalizeAddress(address string) (string, error) {
	id, err := ParseAccount(address)
	if err != nil {
		return "", err
	}
	return id.ToRaw(), nil
}
