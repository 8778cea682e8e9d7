package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/billing"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/dispatch"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/payment"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/pricing"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/quota"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/usercontext"
)

const testWebhookSecret = "whsec_controller_test"

type testProvider struct {
	mu sync.Mutex
	n  int
}

func (p *testProvider) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	id := fmt.Sprintf("pi_%d", p.n)
	return &payment.Intent{ID: id, ClientSecret: id + "_secret", Status: payment.IntentRequiresPaymentMethod}, nil
}

func (p *testProvider) CancelIntent(context.Context, string) error { return nil }

func (p *testProvider) GetIntent(_ context.Context, id string) (*payment.Intent, error) {
	return &payment.Intent{ID: id, Status: payment.IntentProcessing}, nil
}

type testGateway struct{}

func (testGateway) Submit(context.Context, dispatch.Request) error { return nil }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// newTestApp wires the billing services on a fresh database. The
// X-Test-User header stands in for API key authentication.
func newTestApp(t *testing.T, freeQuota int) (*fiber.App, *gorm.DB) {
	t.Helper()
	db := dbtest.New(t)
	require.NoError(t, db.Create(&models.PricingStrategy{
		Code:                     pricing.FallbackStrategyCode,
		Name:                     "Default",
		Currency:                 "USD",
		BasePriceCents:           1000,
		ResearchDepthMultipliers: `{"3":1.5}`,
		AnalystCountMultipliers:  `{"2":1.2}`,
		FreeTaskQuota:            &freeQuota,
		IsActive:                 true,
	}).Error)

	cfg := billing.Config{StripeWebhookSecret: testWebhookSecret}
	engine := pricing.NewEngineFromDB(db, pricing.Config{})
	quotas := quota.NewLedger(db, engine)
	payments := payment.NewLedger(db)
	deps := billing.Deps{
		Tasks:    repository.NewTaskRepository(db),
		Pricing:  engine,
		Quota:    quotas,
		Payments: payments,
		Provider: &testProvider{},
		Gateway:  testGateway{},
	}
	billing.SetServices(&billing.Services{
		Config:       cfg,
		Pricing:      engine,
		Quota:        quotas,
		Payments:     payments,
		Provider:     deps.Provider,
		Orchestrator: billing.NewOrchestrator(db, deps),
		Reconciler:   billing.NewReconciler(deps),
		Webhooks:     billing.NewServiceFromDB(db),
	})
	t.Cleanup(func() { billing.SetServices(nil) })

	app := fiber.New()
	v1 := app.Group("/api/v1")
	v1.Post("/payments/webhook", HandleStripeWebhook)
	auth := func(c *fiber.Ctx) error {
		if id, err := strconv.Atoi(c.Get("X-Test-User")); err == nil {
			c.Locals(usercontext.KeyUserContext, usercontext.UserContext{UserID: uint(id), IsLoggedIn: true})
		}
		return c.Next()
	}
	v1.Post("/tasks", auth, HandleSubmitTask)
	v1.Get("/tasks", auth, HandleListTasks)
	v1.Post("/tasks/price-quote", auth, HandleQuoteTask)
	v1.Get("/tasks/stats", auth, HandleTaskStats)
	v1.Get("/tasks/:taskId", auth, HandleGetTask)
	v1.Post("/tasks/:taskId/retry", auth, HandleRetryTask)
	v1.Get("/billing/summary", auth, HandleBillingSummary)
	v1.Post("/billing/quote", auth, HandleQuoteTask)
	v1.Post("/payments/retry/:taskId", auth, HandleRetryPayment)
	return app, db
}

func doJSON(t *testing.T, app *fiber.App, method, path string, userID uint, body interface{}) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set("X-Test-User", strconv.Itoa(int(userID)))
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	return resp.StatusCode, env
}

var paidTask = map[string]interface{}{
	"ticker":           "AAPL",
	"analysisDate":     "2024-05-01",
	"selectedAnalysts": []string{"market", "news"},
	"researchDepth":    3,
}

func TestSubmitTaskEnvelope(t *testing.T) {
	app, _ := newTestApp(t, 1)

	status, env := doJSON(t, app, http.MethodPost, "/api/v1/tasks", 1, paidTask)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 200, env.Code)
	assert.Equal(t, "success", env.Message)

	var free billing.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &free))
	assert.False(t, free.PaymentRequired)
	assert.Equal(t, models.PaymentStatusFree, free.Task.PaymentStatus)

	_, env = doJSON(t, app, http.MethodPost, "/api/v1/tasks", 1, paidTask)
	var paid billing.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &paid))
	assert.True(t, paid.PaymentRequired)
	require.NotNil(t, paid.Payment)
	assert.Equal(t, "pi_1", paid.Payment.PaymentID)
	assert.Equal(t, "pi_1_secret", paid.Payment.ClientSecret)
	assert.Equal(t, int64(1800), paid.Payment.AmountCents)
}

func TestSubmitTaskErrors(t *testing.T) {
	app, _ := newTestApp(t, 1)

	status, env := doJSON(t, app, http.MethodPost, "/api/v1/tasks", 0, paidTask)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", env.Error)

	status, env = doJSON(t, app, http.MethodPost, "/api/v1/tasks", 1, map[string]interface{}{"ticker": ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 1001, env.Code)
	assert.Equal(t, "validation_error", env.Error)
}

func TestGetTaskHidesOtherUsersTasks(t *testing.T) {
	app, _ := newTestApp(t, 1)
	_, env := doJSON(t, app, http.MethodPost, "/api/v1/tasks", 1, paidTask)
	var res billing.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &res))

	status, env := doJSON(t, app, http.MethodGet, "/api/v1/tasks/"+res.Task.TaskID, 1, nil)
	assert.Equal(t, http.StatusOK, status)

	status, env = doJSON(t, app, http.MethodGet, "/api/v1/tasks/"+res.Task.TaskID, 2, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", env.Error)
	assert.Equal(t, "task not found", env.Message)

	status, env = doJSON(t, app, http.MethodGet, "/api/v1/tasks/missing", 1, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 1101, env.Code)

	status, env = doJSON(t, app, http.MethodGet, "/api/v1/tasks/stats", 1, nil)
	assert.Equal(t, http.StatusOK, status)
	var stats map[string]int64
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, int64(1), stats[models.TaskStatusPending])

	status, env = doJSON(t, app, http.MethodPost, "/api/v1/tasks/"+res.Task.TaskID+"/retry", 1, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, 1104, env.Code)
}

func TestQuoteAndSummary(t *testing.T) {
	app, _ := newTestApp(t, 2)

	status, env := doJSON(t, app, http.MethodPost, "/api/v1/tasks/price-quote", 1, map[string]interface{}{
		"selectedAnalysts": []string{"a", "b"},
		"researchDepth":    3,
	})
	assert.Equal(t, http.StatusOK, status)
	var quote billing.QuoteResult
	require.NoError(t, json.Unmarshal(env.Data, &quote))
	assert.Equal(t, int64(1800), quote.AmountCents)
	assert.True(t, quote.FreeQuotaAvailable)

	status, env = doJSON(t, app, http.MethodGet, "/api/v1/billing/summary", 1, nil)
	assert.Equal(t, http.StatusOK, status)
	var summary billing.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, pricing.FallbackStrategyCode, summary.StrategyCode)
	assert.Equal(t, 2, summary.Quota.FreeTasksRemaining)
}

func TestBillingQuote(t *testing.T) {
	app, _ := newTestApp(t, 0)

	status, env := doJSON(t, app, http.MethodPost, "/api/v1/billing/quote", 1, map[string]interface{}{
		"selectedAnalysts": []string{"a", "b"},
		"researchDepth":    2,
	})
	assert.Equal(t, http.StatusOK, status)
	var quote billing.QuoteResult
	require.NoError(t, json.Unmarshal(env.Data, &quote))
	assert.Equal(t, int64(1200), quote.AmountCents)
	assert.False(t, quote.FreeQuotaAvailable)

	status, env = doJSON(t, app, http.MethodPost, "/api/v1/billing/quote", 1, map[string]interface{}{
		"selectedAnalysts": []string{},
		"researchDepth":    9,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", env.Error)

	status, _ = doJSON(t, app, http.MethodPost, "/api/v1/billing/quote", 0, map[string]interface{}{"researchDepth": 1})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestListTasks(t *testing.T) {
	app, _ := newTestApp(t, 3)
	for i := 0; i < 3; i++ {
		status, _ := doJSON(t, app, http.MethodPost, "/api/v1/tasks", 1, paidTask)
		require.Equal(t, http.StatusOK, status)
	}
	_, _ = doJSON(t, app, http.MethodPost, "/api/v1/tasks", 2, paidTask)

	status, env := doJSON(t, app, http.MethodGet, "/api/v1/tasks", 1, nil)
	assert.Equal(t, http.StatusOK, status)
	var tasks []billing.TaskDTO
	require.NoError(t, json.Unmarshal(env.Data, &tasks))
	assert.Len(t, tasks, 3)

	_, env = doJSON(t, app, http.MethodGet, "/api/v1/tasks?page=1&pageSize=2", 1, nil)
	require.NoError(t, json.Unmarshal(env.Data, &tasks))
	assert.Len(t, tasks, 1)

	status, env = doJSON(t, app, http.MethodGet, "/api/v1/tasks?page=-1", 1, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", env.Error)
}

func postWebhook(t *testing.T, app *fiber.App, payload []byte, header string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set("Stripe-Signature", header)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func stripeEvent(t *testing.T, id, eventType, intentID string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{"id": intentID, "object": "payment_intent"},
		},
	})
	require.NoError(t, err)
	return b
}

func sign(payload []byte, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}

func TestStripeWebhook(t *testing.T) {
	app, db := newTestApp(t, 0)
	_, env := doJSON(t, app, http.MethodPost, "/api/v1/tasks", 1, paidTask)
	var res billing.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.True(t, res.PaymentRequired)

	payload := stripeEvent(t, "evt_1", billing.StripeEventPaymentSucceeded, "pi_1")

	status, body := postWebhook(t, app, payload, sign(payload, "whsec_wrong"))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])

	status, body = postWebhook(t, app, payload, sign(payload, testWebhookSecret))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, string(billing.OutcomeApplied), body["outcome"])

	status, body = postWebhook(t, app, payload, sign(payload, testWebhookSecret))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	ignored := stripeEvent(t, "evt_2", "charge.refunded", "ch_1")
	status, body = postWebhook(t, app, ignored, sign(ignored, testWebhookSecret))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ignored"])

	var p models.TaskPayment
	require.NoError(t, db.Where("provider_payment_id = ?", "pi_1").First(&p).Error)
	assert.Equal(t, models.PaymentStatusPaid, p.Status)

	var events []models.BillingWebhookEvent
	require.NoError(t, db.Order("id").Find(&events).Error)
	require.Len(t, events, 3)
	assert.False(t, events[0].SignatureValid)
	assert.Contains(t, events[0].ProviderEventID, "hash:")
	assert.True(t, events[1].SignatureValid)
	assert.Equal(t, "evt_1", events[1].ProviderEventID)
	assert.NotNil(t, events[1].ProcessedAt)

	// Paid tasks cannot be charged again
	status, env = doJSON(t, app, http.MethodPost, "/api/v1/payments/retry/"+res.Task.TaskID, 1, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, 1603, env.Code)
}
