package handler

import (
	"net/http"

	"gambit/internal/gateway"
	"gambit/internal/services"

	"github.com/hiendaovinh/toolkit/pkg/httpx-echo"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/do"
)

type Config struct {
	Container    *do.Injector
	Mode         string
	Origins      []string
	LegacyAPIKey string
}

func New(cfg *Config) (http.Handler, error) {
	r := echo.New()
	r.Pre(middleware.RemoveTrailingSlash())
	if cfg.Mode == "debug" {
		r.Debug = true
		pprof.Register(r)
	}

	r.JSONSerializer = httpx.SegmentJSONSerializer{}
	r.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339}\t${method}\t${uri}\t${status}\t${latency_human}\n",
	}))
	r.Use(middleware.Recover())

	r.GET("", func(c echo.Context) error {
		return c.String(http.StatusOK, "♞")
	})

	routesAPIv1 := r.Group("/api/v1")
	{
		authentication, err := do.Invoke[*services.Authentication](cfg.Container)
		if err != nil {
			return nil, err
		}

		gatewayServer, err := do.Invoke[*gateway.Server](cfg.Container)
		if err != nil {
			return nil, err
		}

		cors := middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     cfg.Origins,
			AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
			AllowCredentials: true,
			MaxAge:           60 * 60,
		})

		routesAPIv1.Use(cors)

		// the gateway reads its token from the query string or the Authorization header itself
		routesAPIv1.GET("/ws", echo.WrapHandler(gatewayServer))

		a := groupAuth{cfg.Container}
		routesAPIv1.POST("/auth/proof", a.Proof)

		routesAPIv1Legacy := routesAPIv1.Group("/legacy")
		{
			routesAPIv1Legacy.Use(AuthnAPIKey(cfg.LegacyAPIKey))
			l := groupLegacy{cfg.Container}
			routesAPIv1Legacy.POST("/reconcile", l.Reconcile)
		}

		routesAPIv1.Use(Authn(authentication)) // Authn will NOT terminate unauthenticated request.
		routesAPIv1.GET("/me", a.Me)

		routesAPIv1Games := routesAPIv1.Group("/games")
		{
			g := groupGame{cfg.Container}
			routesAPIv1Games.POST("", g.Create)
			routesAPIv1Games.GET("/:id", g.Show)
			routesAPIv1Games.GET("/:id/moves", g.Moves)
			routesAPIv1Games.POST("/:id/moves", g.Move)
			routesAPIv1Games.POST("/:id/resign", g.Resign)
		}

		routesAPIv1Rewards := routesAPIv1.Group("/rewards")
		{
			rw := groupReward{cfg.Container}
			routesAPIv1Rewards.GET("/:type/status", rw.Status)
			routesAPIv1Rewards.POST("/claims", rw.Claim)
		}
	}

	return r, nil
}
