package handler

import (
	"gambit/internal/services"

	"github.com/hiendaovinh/toolkit/pkg/errorx"
	"github.com/hiendaovinh/toolkit/pkg/httpx-echo"
	"github.com/labstack/echo/v4"
	"github.com/samber/do"
)

type groupReward struct {
	container *do.Injector
}

type claimRewardPayload struct {
	RewardType string `json:"rewardType"`
	ObjectID   string `json:"objectId"`
}

func (gr *groupReward) Status(c echo.Context) error {
	serviceReward, err := do.Invoke[*services.ServiceReward](gr.container)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}

	ctx := c.Request().Context()
	player, err := ResolveValidPlayer(ctx)
	if err != nil {
		return httpx.RestAbort(c, nil, err)
	}

	status, err := serviceReward.Status(ctx, player.ID, c.Param("type"))
	if err != nil {
		return httpx.RestAbort(c, nil, wrapServiceError(err))
	}

	return httpx.RestAbort(c, status, nil)
}

// Claim records a reward the player's client minted on its own.
func (gr *groupReward) Claim(c echo.Context) error {
	serviceReward, err := do.Invoke[*services.ServiceReward](gr.container)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}

	ctx := c.Request().Context()
	player, err := ResolveValidPlayer(ctx)
	if err != nil {
		return httpx.RestAbort(c, nil, err)
	}

	var payload claimRewardPayload
	if err := c.Bind(&payload); err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Invalid))
	}

	issued, err := serviceReward.ClaimReward(ctx, player, payload.RewardType, payload.ObjectID)
	if err != nil {
		return httpx.RestAbort(c, nil, wrapServiceError(err))
	}

	return httpx.RestAbort(c, map[string]interface{}{
		"rewardType": issued,
	}, nil)
}
