package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/ManuelReschke/TradingAgent/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// GetUserProfile returns account, settings and quota of the API key owner.
func (s *APIServer) GetUserProfile(c *fiber.Ctx) error {
	return controllers.HandleGetUserAccount(c)
}

func (s *APIServer) PostTask(c *fiber.Ctx) error {
	return controllers.HandleSubmitTask(c)
}

func (s *APIServer) ListTasks(c *fiber.Ctx) error {
	return controllers.HandleListTasks(c)
}

func (s *APIServer) PostTaskPriceQuote(c *fiber.Ctx) error {
	return controllers.HandleQuoteTask(c)
}

func (s *APIServer) GetTaskStats(c *fiber.Ctx) error {
	return controllers.HandleTaskStats(c)
}

// GetTask returns one task of the caller. Tasks of other users look missing.
func (s *APIServer) GetTask(c *fiber.Ctx, taskID string) error {
	return controllers.HandleGetTask(c)
}

// PostTaskRetry re-runs a FAILED task.
func (s *APIServer) PostTaskRetry(c *fiber.Ctx, taskID string) error {
	return controllers.HandleRetryTask(c)
}

func (s *APIServer) GetBillingSummary(c *fiber.Ctx) error {
	return controllers.HandleBillingSummary(c)
}

// PostBillingQuote is the billing-side alias of the task price quote.
func (s *APIServer) PostBillingQuote(c *fiber.Ctx) error {
	return controllers.HandleQuoteTask(c)
}

// PostPaymentRetry starts a new payment intent for an unpaid task.
func (s *APIServer) PostPaymentRetry(c *fiber.Ctx, taskID string) error {
	return controllers.HandleRetryPayment(c)
}

// PostPaymentWebhook receives signed Stripe events. It is not API key protected.
func (s *APIServer) PostPaymentWebhook(c *fiber.Ctx) error {
	return controllers.HandleStripeWebhook(c)
}
