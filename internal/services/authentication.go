package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gambit/internal/models"
	"gambit/internal/pkg/ton_utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type CustomClaims struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	jwt.RegisteredClaims
}

type Authentication struct {
	secret    string
	redisDB   redis.UniversalClient
	appDomain string
}

func NewAuthentication(secret string, redisDB redis.UniversalClient, appDomain string) (*Authentication, error) {
	if secret == "" {
		return nil, errors.New("empty jwt secret")
	}
	return &Authentication{secret, redisDB, appDomain}, nil
}

func (authentication *Authentication) CreateToken(player *models.PlayerFromAuth, ttl time.Duration) (string, error) {
	if player == nil || player.ID == "" {
		return "", ErrMissingPlayer
	}

	address, err := ton_utils.NormalizeAddress(player.Address)
	if err != nil {
		return "", ErrInvalidAddress
	}

	now := time.Now()
	claims := CustomClaims{
		ID:      player.ID,
		Address: address,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(authentication.secret))
}

func (authentication *Authentication) Validate(token string) (*models.PlayerFromAuth, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		return []byte(authentication.secret), nil
	}
	jwtToken, err := jwt.ParseWithClaims(token, &CustomClaims{}, keyFunc, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := jwtToken.Claims.(*CustomClaims)
	if !ok || claims.ID == "" {
		return nil, errors.New("invalid token claims")
	}

	return &models.PlayerFromAuth{
		ID:      claims.ID,
		Address: claims.Address,
	}, nil
}

// LoginWithProof checks a TON Connect proof and issues a token for the proven wallet.
// The raw address doubles as the player id.
func (authentication *Authentication) LoginWithProof(ctx context.Context, payload *models.TonProof) (string, error) {
	if payload == nil {
		return "", ErrInvalidProof
	}

	parsed, err := ton_utils.ParseTonProofMessage(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}

	account, err := ton_utils.ParseAccount(payload.Address)
	if err != nil {
		return "", ErrInvalidAddress
	}

	ok, err := ton_utils.CheckProof(ctx, authentication.redisDB, account, authentication.appDomain, payload.Nonce, parsed)
	if err != nil {
		zap.L().Info("ton proof rejected", zap.String("address", payload.Address), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}
	if !ok {
		return "", ErrInvalidProof
	}

	raw := account.ToRaw()
	return authentication.CreateToken(&models.PlayerFromAuth{ID: raw, Address: raw}, TOKEN_TTL)
}
