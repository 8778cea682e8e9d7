package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/dispatch"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/payment"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/pricing"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/quota"
)

type fakeProvider struct {
	mu        sync.Mutex
	created   []payment.IntentRequest
	canceled  []string
	createErr error
	// beforeCreate runs ahead of each intent creation, outside the lock.
	beforeCreate func(req payment.IntentRequest)
}

func (p *fakeProvider) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	p.mu.Lock()
	hook := p.beforeCreate
	p.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, apperror.PaymentProvider("failed to create payment intent", p.createErr)
	}
	p.created = append(p.created, req)
	id := fmt.Sprintf("pi_%d", len(p.created))
	return &payment.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       payment.IntentRequiresPaymentMethod,
		Metadata:     map[string]string{"taskId": req.TaskID},
	}, nil
}

func (p *fakeProvider) CancelIntent(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, id)
	return nil
}

func (p *fakeProvider) GetIntent(_ context.Context, id string) (*payment.Intent, error) {
	return &payment.Intent{ID: id, Status: payment.IntentProcessing}, nil
}

func (p *fakeProvider) canceledIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.canceled...)
}

func (p *fakeProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []dispatch.Request
	err   error
}

func (g *fakeGateway) Submit(_ context.Context, req dispatch.Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return apperror.Dispatch("analysis engine rejected task", g.err)
	}
	return nil
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

var errEngineDown = errors.New("engine down")

type harness struct {
	db           *gorm.DB
	provider     *fakeProvider
	gateway      *fakeGateway
	orchestrator *Orchestrator
	reconciler   *Reconciler
	quota        *quota.Ledger
	payments     *payment.Ledger
}

// newHarness seeds DEFAULT_2024 at 1000 cents with depth 3 at 1.5x and two
// analysts at 1.2x.
func newHarness(t *testing.T, freeQuota int) *harness {
	return newHarnessWithBase(t, freeQuota, 1000)
}

func newHarnessWithBase(t *testing.T, freeQuota int, basePriceCents int64) *harness {
	t.Helper()
	db := dbtest.New(t)
	require.NoError(t, db.Create(&models.PricingStrategy{
		Code:                     pricing.FallbackStrategyCode,
		Name:                     "Default",
		Currency:                 "USD",
		BasePriceCents:           basePriceCents,
		ResearchDepthMultipliers: `{"3":1.5}`,
		AnalystCountMultipliers:  `{"2":1.2}`,
		FreeTaskQuota:            &freeQuota,
		IsActive:                 true,
	}).Error)

	engine := pricing.NewEngineFromDB(db, pricing.Config{DefaultCode: pricing.FallbackStrategyCode, FreeTaskLimit: 5, CacheTTL: time.Minute})
	h := &harness{
		db:       db,
		provider: &fakeProvider{},
		gateway:  &fakeGateway{},
		quota:    quota.NewLedger(db, engine),
		payments: payment.NewLedger(db),
	}
	deps := Deps{
		Tasks:           repository.NewTaskRepository(db),
		Pricing:         engine,
		Quota:           h.quota,
		Payments:        h.payments,
		Provider:        h.provider,
		Gateway:         h.gateway,
		ProviderTimeout: time.Second,
		DispatchTimeout: time.Second,
	}
	h.orchestrator = NewOrchestrator(db, deps)
	h.reconciler = NewReconciler(deps)
	return h
}

func intPtr(v int) *int {
	return &v
}

func paidRequest() SubmitRequest {
	return SubmitRequest{
		Ticker:           "aapl",
		AnalysisDate:     "2024-05-01",
		SelectedAnalysts: []string{"market", "news"},
		ResearchDepth:    intPtr(3),
	}
}

func (h *harness) task(t *testing.T, taskID string) models.Task {
	t.Helper()
	var task models.Task
	require.NoError(t, h.db.Where("task_id = ?", taskID).First(&task).Error)
	return task
}

func (h *harness) paymentFor(t *testing.T, taskID string) models.TaskPayment {
	t.Helper()
	task := h.task(t, taskID)
	var p models.TaskPayment
	require.NoError(t, h.db.Where("task_id = ?", task.ID).First(&p).Error)
	return p
}

func (h *harness) userQuota(t *testing.T, userID uint) models.UserQuota {
	t.Helper()
	var q models.UserQuota
	require.NoError(t, h.db.Where("user_id = ?", userID).First(&q).Error)
	return q
}
