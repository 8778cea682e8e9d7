package controllers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/database"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/usercontext"
)

func TestFormatTimePtr(t *testing.T) {
	assert.Nil(t, formatTimePtr(nil))

	now := time.Date(2024, 5, 1, 12, 34, 56, 0, time.Local)
	formatted := formatTimePtr(&now)
	assert.IsType(t, "", formatted)

	expected := now.UTC().Format(time.RFC3339)
	assert.Equal(t, expected, formatted)
}

func TestHandleGetUserAccount(t *testing.T) {
	_, db := newTestApp(t, 3)
	database.DB = db
	t.Cleanup(func() { database.DB = nil })
	repository.InitializeFactory(db)

	u, err := models.CreateUser("analyst", "analyst@example.com")
	require.NoError(t, err)
	require.NoError(t, db.Create(u).Error)

	app := fiber.New()
	app.Get("/me", func(c *fiber.Ctx) error {
		c.Locals(usercontext.KeyUserContext, usercontext.UserContext{UserID: u.ID, IsLoggedIn: true})
		return c.Next()
	}, HandleGetUserAccount)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/me", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Username string `json:"username"`
			Plan     string `json:"plan"`
			Quota    struct {
				FreeTasksRemaining int `json:"freeTasksRemaining"`
			} `json:"quota"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "analyst", body.Data.Username)
	assert.Equal(t, "free", body.Data.Plan)
	assert.Equal(t, 3, body.Data.Quota.FreeTasksRemaining)
}
