package billing

import (
	"encoding/json"
	"time"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/pricing"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/quota"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// SubmitRequest is a user's request to run one analysis.
type SubmitRequest struct {
	Ticker              string   `json:"ticker" validate:"required,max=20"`
	AnalysisDate        string   `json:"analysisDate" validate:"required,datetime=2006-01-02"`
	SelectedAnalysts    []string `json:"selectedAnalysts" validate:"omitempty,max=10,dive,required,max=50"`
	ResearchDepth       *int     `json:"researchDepth" validate:"omitempty,min=1,max=5"`
	PricingStrategyCode string   `json:"pricingStrategyCode" validate:"omitempty,max=50"`
}

// QuoteRequest prices a prospective task without creating it.
type QuoteRequest struct {
	SelectedAnalysts    []string `json:"selectedAnalysts" validate:"omitempty,max=10,dive,required,max=50"`
	ResearchDepth       *int     `json:"researchDepth" validate:"omitempty,min=1,max=5"`
	PricingStrategyCode string   `json:"pricingStrategyCode" validate:"omitempty,max=50"`
}

type TaskDTO struct {
	TaskID             string          `json:"taskId"`
	Ticker             string          `json:"ticker"`
	AnalysisDate       string          `json:"analysisDate"`
	SelectedAnalysts   []string        `json:"selectedAnalysts"`
	ResearchDepth      int             `json:"researchDepth"`
	Status             string          `json:"status"`
	PaymentStatus      string          `json:"paymentStatus"`
	BillingAmountCents int64           `json:"billingAmountCents"`
	BillingCurrency    string          `json:"billingCurrency"`
	IsFreeTask         bool            `json:"isFreeTask"`
	PricingSnapshot    json.RawMessage `json:"pricingSnapshot,omitempty"`
	ErrorMessage       string          `json:"errorMessage,omitempty"`
	ToolCalls          int             `json:"toolCalls"`
	LLMCalls           int             `json:"llmCalls"`
	Reports            int             `json:"reports"`
	QueuedAt           *time.Time      `json:"queuedAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

func toTaskDTO(t *models.Task) TaskDTO {
	dto := TaskDTO{
		TaskID:             t.TaskID,
		Ticker:             t.Ticker,
		AnalysisDate:       t.AnalysisDate,
		SelectedAnalysts:   t.Analysts(),
		ResearchDepth:      t.ResearchDepth,
		Status:             t.Status,
		PaymentStatus:      t.PaymentStatus,
		BillingAmountCents: t.BillingAmountCents,
		BillingCurrency:    t.BillingCurrency,
		IsFreeTask:         t.IsFreeTask,
		ErrorMessage:       t.ErrorMessage,
		ToolCalls:          t.ToolCalls,
		LLMCalls:           t.LLMCalls,
		Reports:            t.Reports,
		QueuedAt:           t.QueuedAt,
		CompletedAt:        t.CompletedAt,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
	if json.Valid([]byte(t.PricingSnapshot)) {
		dto.PricingSnapshot = json.RawMessage(t.PricingSnapshot)
	}
	return dto
}

// PaymentDTO is what a client needs to confirm a charge. PaymentID is the
// provider's intent id.
type PaymentDTO struct {
	PaymentID    string `json:"paymentId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

func toPaymentDTO(p *models.TaskPayment) *PaymentDTO {
	if p == nil {
		return nil
	}
	return &PaymentDTO{
		PaymentID:    p.ProviderPaymentID,
		ClientSecret: p.ClientSecret,
		AmountCents:  p.AmountCents,
		Currency:     p.Currency,
		Status:       p.Status,
	}
}

type SubmitResult struct {
	Task            TaskDTO        `json:"task"`
	PaymentRequired bool           `json:"paymentRequired"`
	Payment         *PaymentDTO    `json:"payment,omitempty"`
	Quota           quota.Snapshot `json:"quota"`
}

type RetryPaymentResult struct {
	Task    TaskDTO     `json:"task"`
	Payment *PaymentDTO `json:"payment"`
}

type QuoteResult struct {
	StrategyCode       string           `json:"strategyCode"`
	Currency           string           `json:"currency"`
	AmountCents        int64            `json:"amountCents"`
	Breakdown          pricing.Snapshot `json:"breakdown"`
	FreeQuotaAvailable bool             `json:"freeQuotaAvailable"`
	FreeTasksRemaining int              `json:"freeTasksRemaining"`
	FreeTasksTotal     int              `json:"freeTasksTotal"`
}

type Summary struct {
	Quota          quota.Snapshot `json:"quota"`
	StrategyCode   string         `json:"strategyCode"`
	StrategyName   string         `json:"strategyName"`
	Currency       string         `json:"currency"`
	BasePriceCents int64          `json:"basePriceCents"`
}

// EventKind is the normalized provider event type.
type EventKind string

const (
	EventPaymentSucceeded EventKind = "success"
	EventPaymentFailed    EventKind = "failure"
	EventPaymentExpired   EventKind = "expired"
)

// ProviderEvent is a provider notification about one payment intent, from a
// webhook delivery or from the payment sweeper.
type ProviderEvent struct {
	Kind EventKind
	// PaymentID is the provider intent id.
	PaymentID string
	// TaskID is the public task id echoed in intent metadata.
	TaskID        string
	FailureReason string
}

// Outcome reports what HandleEvent did with an event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyHandled Outcome = "already_handled"
	OutcomeDropped        Outcome = "dropped"
	OutcomeDispatchFailed Outcome = "dispatch_failed"
)

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}
