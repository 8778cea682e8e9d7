package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/usercontext"
)

const webhookTimeout = 15 // seconds

// respondOK wraps data in the success envelope.
func respondOK(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"code":    fiber.StatusOK,
		"message": "success",
		"data":    data,
	})
}

// respondError maps err onto the error envelope. Untyped errors are logged
// and reported as internal.
func respondError(c *fiber.Ctx, err error) error {
	appErr := apperror.From(err)
	kind := string(appErr.Kind)
	message := appErr.Message

	switch appErr.Kind {
	case apperror.KindAccessDenied:
		// Reported as missing so other users' task ids stay hidden.
		kind = string(apperror.KindNotFound)
		message = "task not found"
	case apperror.KindInternal:
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
	}

	return c.Status(httpStatus(appErr.Kind)).JSON(fiber.Map{
		"code":    appErr.Code,
		"error":   kind,
		"message": message,
	})
}

func httpStatus(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return fiber.StatusBadRequest
	case apperror.KindNotFound, apperror.KindAccessDenied:
		return fiber.StatusNotFound
	case apperror.KindInvalidState:
		return fiber.StatusConflict
	case apperror.KindPaymentRequired:
		return fiber.StatusPaymentRequired
	case apperror.KindPaymentProvider, apperror.KindDispatch:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// currentUserID returns the authenticated user or writes a 401.
func currentUserID(c *fiber.Ctx) (uint, bool) {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn || userCtx.UserID == 0 {
		return 0, false
	}
	return userCtx.UserID, true
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":   "unauthorized",
		"message": "Missing or invalid authentication",
	})
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return apperror.Validation("invalid request body")
	}
	return nil
}
