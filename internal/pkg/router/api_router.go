package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	apiv1 "github.com/ManuelReschke/TradingAgent/internal/api/v1"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/constants"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/middleware"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/ratelimit"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.MetricsRoute, adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group(constants.APIRoute, ratelimit.New(ratelimit.ConfigFromEnv()))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group(constants.APIV1Route)
	apiServer := apiv1.NewAPIServer()
	apiv1.RegisterHandlersWithOptions(v1, apiServer, apiv1.Options{
		Auth: middleware.APIKeyAuthMiddleware(),
	})
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
