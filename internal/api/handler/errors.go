package handler

import (
	"errors"

	"gambit/internal/pkg/chessrules"
	"gambit/internal/services"

	"github.com/hiendaovinh/toolkit/pkg/errorx"
	"github.com/hiendaovinh/toolkit/pkg/limiter"
)

// wrapServiceError picks the errorx kind a service error is rendered with.
func wrapServiceError(err error) error {
	switch {
	case errors.Is(err, chessrules.ErrIllegalMove),
		errors.Is(err, services.ErrInvalidOpponent),
		errors.Is(err, services.ErrInvalidAddress),
		errors.Is(err, services.ErrUnknownRewardType),
		errors.Is(err, services.ErrMissingPlayer):
		return errorx.Wrap(err, errorx.Validation)
	case errors.Is(err, services.ErrGameNotFound),
		errors.Is(err, services.ErrMintTaskNotFound),
		errors.Is(err, services.ErrUnknownTransaction):
		return errorx.Wrap(err, errorx.NotExist)
	case errors.Is(err, services.ErrNotYourTurn),
		errors.Is(err, services.ErrNotInGame),
		errors.Is(err, services.ErrGameOver),
		errors.Is(err, services.ErrGameLocked),
		errors.Is(err, services.ErrDuplicateTask),
		errors.Is(err, services.ErrLegacyMintLocked),
		errors.Is(err, services.ErrLegacyMintDisabled):
		return errorx.Wrap(err, errorx.Invalid)
	case errors.Is(err, services.ErrInvalidProof):
		return errorx.Wrap(err, errorx.Authn)
	case errors.Is(err, limiter.ErrRateLimited):
		return errorx.Wrap(err, errorx.RateLimiting)
	}
	return errorx.Wrap(err, errorx.Service)
}
