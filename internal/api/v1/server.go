package apiv1

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/constants"
)

// Pong is the ping response body.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface lists the v1 operations.
type ServerInterface interface {
	GetPing(c *fiber.Ctx) error
	GetUserProfile(c *fiber.Ctx) error
	PostTask(c *fiber.Ctx) error
	ListTasks(c *fiber.Ctx) error
	PostTaskPriceQuote(c *fiber.Ctx) error
	GetTaskStats(c *fiber.Ctx) error
	GetTask(c *fiber.Ctx, taskID string) error
	PostTaskRetry(c *fiber.Ctx, taskID string) error
	GetBillingSummary(c *fiber.Ctx) error
	PostBillingQuote(c *fiber.Ctx) error
	PostPaymentRetry(c *fiber.Ctx, taskID string) error
	PostPaymentWebhook(c *fiber.Ctx) error
}

// Options configures RegisterHandlersWithOptions.
type Options struct {
	// Auth guards every operation except ping and the payment webhook.
	Auth fiber.Handler
}

// RegisterHandlers registers the v1 routes without authentication.
func RegisterHandlers(router fiber.Router, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, Options{})
}

func RegisterHandlersWithOptions(router fiber.Router, si ServerInterface, options Options) {
	auth := options.Auth
	if auth == nil {
		auth = func(c *fiber.Ctx) error { return c.Next() }
	}

	router.Get("/ping", si.GetPing)
	router.Post(constants.PaymentWebhookPath, si.PostPaymentWebhook)

	router.Get("/me", auth, si.GetUserProfile)

	router.Post("/tasks", auth, si.PostTask)
	router.Get("/tasks", auth, si.ListTasks)
	router.Post("/tasks/price-quote", auth, si.PostTaskPriceQuote)
	router.Get("/tasks/stats", auth, si.GetTaskStats)
	router.Get("/tasks/:taskId", auth, func(c *fiber.Ctx) error {
		return si.GetTask(c, c.Params("taskId"))
	})
	router.Post("/tasks/:taskId/retry", auth, func(c *fiber.Ctx) error {
		return si.PostTaskRetry(c, c.Params("taskId"))
	})

	router.Get("/billing/summary", auth, si.GetBillingSummary)
	router.Post("/billing/quote", auth, si.PostBillingQuote)
	router.Post("/payments/retry/:taskId", auth, func(c *fiber.Ctx) error {
		return si.PostPaymentRetry(c, c.Params("taskId"))
	})
}
