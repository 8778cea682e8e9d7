package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/database"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/usercontext"
)

func TestAPIKeyAuthMiddleware(t *testing.T) {
	db := dbtest.New(t)
	database.DB = db
	t.Cleanup(func() { database.DB = nil })
	repository.InitializeFactory(db)

	issue := func(name, email, status string) string {
		u, err := models.CreateUser(name, email)
		require.NoError(t, err)
		u.Status = status
		require.NoError(t, db.Create(u).Error)
		us := &models.UserSettings{UserID: u.ID, Plan: "pro"}
		key, err := us.IssueAPIKey()
		require.NoError(t, err)
		require.NoError(t, db.Create(us).Error)
		return key
	}
	activeKey := issue("active", "active@example.com", models.STATUS_ACTIVE)
	disabledKey := issue("disabled", "disabled@example.com", models.STATUS_DISABLED)

	app := fiber.New()
	app.Get("/whoami", APIKeyAuthMiddleware(), func(c *fiber.Ctx) error {
		uc := usercontext.GetUserContext(c)
		return c.JSON(fiber.Map{"user": uc.Username, "plan": uc.Plan})
	})

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"missing key", "", "", fiber.StatusUnauthorized},
		{"unknown key", "X-API-Key", "tra_unknown", fiber.StatusUnauthorized},
		{"header key", "X-API-Key", activeKey, fiber.StatusOK},
		{"bearer key", "Authorization", "Bearer " + activeKey, fiber.StatusOK},
		{"inactive user", "X-API-Key", disabledKey, fiber.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	var us models.UserSettings
	require.NoError(t, db.Where("api_key_hash = ?", models.HashAPIKey(activeKey)).First(&us).Error)
	assert.NotNil(t, us.APIKeyLastUsedAt)
}
