package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/billing"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/database"
)

// HandleGetUserAccount returns account information and task quota for the
// authenticated user.
func HandleGetUserAccount(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c)
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	account, err := repo.GetByID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return respondError(c, err)
	}

	db := database.GetDB()
	if db == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Database unavailable"})
	}
	settings, err := models.GetOrCreateUserSettings(db, userID)
	if err != nil {
		return respondError(c, err)
	}

	quota, err := billing.GetServices().Quota.Snapshot(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}

	return respondOK(c, fiber.Map{
		"id":                   account.ID,
		"username":             account.Name,
		"email":                account.Email,
		"status":               account.Status,
		"plan":                 settings.Plan,
		"is_admin":             account.Role == models.ROLE_ADMIN,
		"created_at":           account.CreatedAt.UTC().Format(time.RFC3339),
		"api_key_prefix":       settings.APIKeyPrefix,
		"api_key_last_used_at": formatTimePtr(settings.APIKeyLastUsedAt),
		"quota":                quota,
	})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
