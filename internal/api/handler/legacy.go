package handler

import (
	"gambit/internal/services"

	"github.com/hiendaovinh/toolkit/pkg/errorx"
	"github.com/hiendaovinh/toolkit/pkg/httpx-echo"
	"github.com/labstack/echo/v4"
	"github.com/samber/do"
)

type groupLegacy struct {
	container *do.Injector
}

// Reconcile mints a batch of pending tasks with the server wallet.
//
// Deprecated: clients mint through the player queue.
func (gr *groupLegacy) Reconcile(c echo.Context) error {
	serviceLegacyMint, err := do.Invoke[*services.ServiceLegacyMint](gr.container)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}

	report, err := serviceLegacyMint.Reconcile(c.Request().Context())
	if err != nil {
		return httpx.RestAbort(c, nil, wrapServiceError(err))
	}

	return httpx.RestAbort(c, report, nil)
}
