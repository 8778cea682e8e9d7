package billing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/dispatch"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/payment"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/pricing"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/quota"
)

// Deps are the collaborators of the orchestrator and the reconciler.
type Deps struct {
	Tasks           repository.TaskRepository
	Pricing         *pricing.Engine
	Quota           *quota.Ledger
	Payments        *payment.Ledger
	Provider        payment.Provider
	Gateway         dispatch.Gateway
	ProviderTimeout time.Duration
	DispatchTimeout time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.ProviderTimeout <= 0 {
		d.ProviderTimeout = defaultStripeTimeoutSeconds * time.Second
	}
	if d.DispatchTimeout <= 0 {
		d.DispatchTimeout = defaultEngineTimeoutSeconds * time.Second
	}
	return d
}

// Orchestrator is the task submission entry point. It prices the task,
// chooses the free or paid path and drives the quota and payment ledgers.
type Orchestrator struct {
	db         *gorm.DB
	deps       Deps
	dispatcher *taskDispatcher
	validate   *validator.Validate
}

func NewOrchestrator(db *gorm.DB, deps Deps) *Orchestrator {
	deps = deps.withDefaults()
	return &Orchestrator{
		db:   db,
		deps: deps,
		dispatcher: &taskDispatcher{
			tasks:   deps.Tasks,
			gateway: deps.Gateway,
			timeout: deps.DispatchTimeout,
		},
		validate: newValidator(),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SubmitTask creates the task and either consumes a free slot and dispatches
// it, or opens a payment and returns the client secret. The database work
// commits before the provider or the engine is called; a failed dispatch is compensated by
// restoring the quota and failing the task.
func (o *Orchestrator) SubmitTask(ctx context.Context, userID uint, req SubmitRequest) (*SubmitResult, error) {
	req.Ticker = strings.ToUpper(strings.TrimSpace(req.Ticker))
	req.AnalysisDate = strings.TrimSpace(req.AnalysisDate)
	if err := o.validateRequest(req); err != nil {
		return nil, err
	}

	_, quote, err := o.deps.Pricing.Quote(ctx, req.PricingStrategyCode, req.ResearchDepth, req.SelectedAnalysts)
	if err != nil {
		return nil, err
	}

	// Reading first also creates the quota row outside the transaction.
	hasQuota, err := o.deps.Quota.HasRemainingFreeQuota(ctx, userID)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		TaskID:             uuid.NewString(),
		UserID:             userID,
		Ticker:             req.Ticker,
		AnalysisDate:       req.AnalysisDate,
		ResearchDepth:      quote.Snapshot.ResearchDepth,
		Status:             models.TaskStatusPending,
		PaymentStatus:      models.PaymentStatusFree,
		BillingAmountCents: quote.AmountCents,
		BillingCurrency:    quote.Currency,
		IsFreeTask:         true,
		PricingSnapshot:    quote.SnapshotJSON(),
	}
	task.SetAnalysts(req.SelectedAnalysts)

	var (
		consumed    bool
		pay         *models.TaskPayment
		providerErr error
	)
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.deps.Tasks.WithTx(tx).Create(ctx, task); err != nil {
			return err
		}

		free := hasQuota || quote.IsFree()
		if hasQuota {
			ok, err := o.deps.Quota.WithTx(tx).ConsumeFreeQuotaIfAvailable(ctx, userID)
			if err != nil {
				return err
			}
			consumed = ok
			// Another submission took the last slot since the read above.
			if !ok && !quote.IsFree() {
				free = false
			}
		}
		if free {
			return nil
		}

		payments := o.deps.Payments.WithTx(tx)
		p, err := payments.InitializePayment(ctx, task, payment.Charge{
			AmountCents: quote.AmountCents,
			Currency:    quote.Currency,
			Snapshot:    task.PricingSnapshot,
		})
		if err != nil {
			return err
		}
		pay = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The provider is called only after the quota and payment rows are
	// committed, so no row lock is held across the network call.
	if pay != nil {
		intent, err := o.createIntent(ctx, task)
		if err != nil {
			providerErr = err
		} else if err := o.bindIntent(ctx, task, pay, intent); err != nil {
			return nil, err
		}
	}

	if pay == nil {
		metrics.TaskSubmissions.WithLabelValues("free").Inc()
		log.Infof("[Billing] task %s submitted on the free path (user %d)", task.TaskID, userID)
		if err := o.dispatcher.dispatch(ctx, task); err != nil {
			o.compensateFreeDispatch(ctx, task, consumed, err)
			return nil, err
		}
	} else {
		metrics.TaskSubmissions.WithLabelValues("paid").Inc()
		if providerErr != nil {
			log.Errorf("[Billing] task %s awaiting payment without intent: %v", task.TaskID, providerErr)
			return nil, apperror.PaymentProvider(
				fmt.Sprintf("payment could not be started for task %s, retry the payment", task.TaskID), providerErr)
		}
		log.Infof("[Billing] task %s awaiting payment of %d %s (user %d)", task.TaskID, pay.AmountCents, pay.Currency, userID)
	}

	snapshot, err := o.deps.Quota.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{
		Task:            toTaskDTO(task),
		PaymentRequired: pay != nil,
		Payment:         toPaymentDTO(pay),
		Quota:           snapshot,
	}, nil
}

func (o *Orchestrator) compensateFreeDispatch(ctx context.Context, task *models.Task, consumed bool, cause error) {
	log.Errorf("[Billing] dispatch of free task %s failed, compensating: %v", task.TaskID, cause)
	if consumed {
		if err := o.deps.Quota.RestoreFreeQuota(ctx, task.UserID); err != nil {
			log.Errorf("[Billing] failed to restore free quota for user %d: %v", task.UserID, err)
		}
	}
	o.dispatcher.fail(ctx, task, cause)
}

// RetryPayment opens a fresh intent for a task whose payment failed or
// expired. A payment still awaiting without a provider reference, left by a
// failed intent creation, may also be retried.
func (o *Orchestrator) RetryPayment(ctx context.Context, userID uint, taskID string) (*RetryPaymentResult, error) {
	task, err := o.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	existing, err := o.deps.Payments.FindByTaskID(ctx, task.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if task.PaymentStatus == models.PaymentStatusPaid || task.PaymentStatus == models.PaymentStatusFree {
				return nil, apperror.PaymentState(fmt.Sprintf("payment cannot be retried in status %s", task.PaymentStatus))
			}
			return nil, apperror.PaymentNotFound(taskID)
		}
		return nil, err
	}
	if !isRetryablePayment(existing) {
		return nil, apperror.PaymentState(fmt.Sprintf("payment cannot be retried in status %s", existing.Status))
	}

	if existing.ProviderPaymentID != "" && o.deps.Provider != nil {
		cctx, cancel := context.WithTimeout(ctx, o.deps.ProviderTimeout)
		if err := o.deps.Provider.CancelIntent(cctx, existing.ProviderPaymentID); err != nil {
			log.Warnf("[Billing] could not cancel stale intent %s for task %s: %v", existing.ProviderPaymentID, task.TaskID, err)
		}
		cancel()
	}

	depth := task.ResearchDepth
	_, quote, err := o.deps.Pricing.Quote(ctx, "", &depth, task.Analysts())
	if err != nil {
		return nil, err
	}

	p, err := o.deps.Payments.InitializePayment(ctx, task, payment.Charge{
		AmountCents: quote.AmountCents,
		Currency:    quote.Currency,
		Snapshot:    quote.SnapshotJSON(),
	})
	if err != nil {
		return nil, err
	}

	intent, err := o.createIntent(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := o.bindIntent(ctx, task, p, intent); err != nil {
		return nil, err
	}

	log.Infof("[Billing] payment for task %s restarted with intent %s", task.TaskID, intent.ID)
	return &RetryPaymentResult{Task: toTaskDTO(task), Payment: toPaymentDTO(p)}, nil
}

func isRetryablePayment(p *models.TaskPayment) bool {
	switch p.Status {
	case models.PaymentStatusPaymentFailed, models.PaymentStatusPaymentExpired:
		return true
	case models.PaymentStatusAwaitingPayment:
		return p.ProviderPaymentID == ""
	}
	return false
}

// RetryTask resets a FAILED task to PENDING. Free and paid tasks are
// dispatched again; unpaid tasks wait for payment.
func (o *Orchestrator) RetryTask(ctx context.Context, userID uint, taskID string) (*TaskDTO, error) {
	task, err := o.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusFailed {
		return nil, apperror.TaskState(fmt.Sprintf("task cannot be retried in status %s", task.Status))
	}

	reset, err := o.deps.Tasks.TransitionFrom(ctx, task.ID, models.TaskStatusFailed, map[string]interface{}{
		"status":        models.TaskStatusPending,
		"error_message": "",
		"completed_at":  nil,
		"queued_at":     nil,
		"tool_calls":    0,
		"llm_calls":     0,
		"reports":       0,
	})
	if err != nil {
		return nil, err
	}
	// A concurrent retry already took the task.
	if !reset {
		return nil, apperror.TaskState(fmt.Sprintf("task %s is already being retried", task.TaskID))
	}
	task.Status = models.TaskStatusPending
	task.ErrorMessage = ""
	task.CompletedAt = nil
	task.QueuedAt = nil
	task.ToolCalls, task.LLMCalls, task.Reports = 0, 0, 0

	if task.IsDispatchable() {
		if err := o.dispatcher.dispatch(ctx, task); err != nil {
			log.Errorf("[Billing] re-dispatch of task %s failed: %v", task.TaskID, err)
			o.dispatcher.fail(ctx, task, err)
			return nil, err
		}
	}

	dto := toTaskDTO(task)
	return &dto, nil
}

// QuoteTask prices a prospective task for the user.
func (o *Orchestrator) QuoteTask(ctx context.Context, userID uint, req QuoteRequest) (*QuoteResult, error) {
	if err := o.validateRequest(req); err != nil {
		return nil, err
	}
	_, quote, err := o.deps.Pricing.Quote(ctx, req.PricingStrategyCode, req.ResearchDepth, req.SelectedAnalysts)
	if err != nil {
		return nil, err
	}
	snapshot, err := o.deps.Quota.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &QuoteResult{
		StrategyCode:       quote.StrategyCode,
		Currency:           quote.Currency,
		AmountCents:        quote.AmountCents,
		Breakdown:          quote.Snapshot,
		FreeQuotaAvailable: snapshot.FreeTasksRemaining > 0 || quote.IsFree(),
		FreeTasksRemaining: snapshot.FreeTasksRemaining,
		FreeTasksTotal:     snapshot.FreeTasksTotal,
	}, nil
}

func (o *Orchestrator) BillingSummary(ctx context.Context, userID uint) (*Summary, error) {
	snapshot, err := o.deps.Quota.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	strategy, err := o.deps.Pricing.GetActiveStrategy(ctx, "")
	if err != nil {
		return nil, err
	}
	return &Summary{
		Quota:          snapshot,
		StrategyCode:   strategy.Code,
		StrategyName:   strategy.Name,
		Currency:       strategy.CurrencyOrDefault(),
		BasePriceCents: strategy.BasePriceCents,
	}, nil
}

func (o *Orchestrator) GetTask(ctx context.Context, userID uint, taskID string) (*TaskDTO, error) {
	task, err := o.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	dto := toTaskDTO(task)
	return &dto, nil
}

// ListTasks returns one page of the user's tasks, newest first. Page is zero
// based; pageSize is clamped to [1, MaxPageSize].
func (o *Orchestrator) ListTasks(ctx context.Context, userID uint, page, pageSize int) ([]TaskDTO, error) {
	if page < 0 {
		return nil, apperror.Validation("page must not be negative")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	tasks, err := o.deps.Tasks.ListByUser(ctx, userID, page*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	out := make([]TaskDTO, 0, len(tasks))
	for i := range tasks {
		out = append(out, toTaskDTO(&tasks[i]))
	}
	return out, nil
}

func (o *Orchestrator) TaskStats(ctx context.Context, userID uint) (map[string]int64, error) {
	counts, err := o.deps.Tasks.CountByStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, status := range []string{models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusCompleted, models.TaskStatusFailed} {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return counts, nil
}

// ownedTask loads the task and hides other users' tasks behind access
// denied, which is reported as not found.
func (o *Orchestrator) ownedTask(ctx context.Context, userID uint, taskID string) (*models.Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, apperror.Validation("taskId is required")
	}
	task, err := o.deps.Tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.TaskNotFound(taskID)
		}
		return nil, err
	}
	if task.UserID != userID {
		return nil, apperror.AccessDenied("task not found: " + taskID)
	}
	return task, nil
}

func (o *Orchestrator) createIntent(ctx context.Context, task *models.Task) (*payment.Intent, error) {
	if o.deps.Provider == nil {
		return nil, apperror.PaymentProvider("payment provider is not configured", nil)
	}
	pctx, cancel := context.WithTimeout(ctx, o.deps.ProviderTimeout)
	defer cancel()
	return o.deps.Provider.CreateIntent(pctx, payment.IntentRequest{
		TaskID:        task.TaskID,
		UserID:        task.UserID,
		Ticker:        task.Ticker,
		ResearchDepth: task.ResearchDepth,
		AnalystCount:  len(task.Analysts()),
		AmountCents:   task.BillingAmountCents,
		Currency:      task.BillingCurrency,
	})
}

// bindIntent attaches a freshly created intent to the awaiting payment. When
// the payment settled or was rebound in the meantime the intent is cancelled,
// so the client never receives a secret for a second charge.
func (o *Orchestrator) bindIntent(ctx context.Context, task *models.Task, p *models.TaskPayment, intent *payment.Intent) error {
	applied, err := o.deps.Payments.AttachProviderReference(ctx, p, intent.ID, intent.ClientSecret)
	if err == nil && applied {
		return nil
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.deps.ProviderTimeout)
	defer cancel()
	if cerr := o.deps.Provider.CancelIntent(cctx, intent.ID); cerr != nil {
		log.Errorf("[Billing] unbound intent %s for task %s could not be cancelled: %v", intent.ID, task.TaskID, cerr)
	}
	if err != nil {
		return err
	}
	log.Warnf("[Billing] payment for task %s settled while intent %s was created, intent cancelled", task.TaskID, intent.ID)
	return apperror.PaymentState(fmt.Sprintf("payment for task %s is no longer awaiting a new intent", task.TaskID))
}

func (o *Orchestrator) validateRequest(req interface{}) error {
	if err := o.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperror.Validation(fmt.Sprintf("%s failed on the '%s' rule", fe.Field(), fe.Tag()))
		}
		return apperror.Validation(err.Error())
	}
	return nil
}
