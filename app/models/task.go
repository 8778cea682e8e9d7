package models

import (
	"encoding/json"
	"time"
)

const (
	TaskStatusPending   = "PENDING"
	TaskStatusRunning   = "RUNNING"
	TaskStatusCompleted = "COMPLETED"
	TaskStatusFailed    = "FAILED"
)

const (
	PaymentStatusFree            = "FREE"
	PaymentStatusAwaitingPayment = "AWAITING_PAYMENT"
	PaymentStatusPaid            = "PAID"
	PaymentStatusPaymentFailed   = "PAYMENT_FAILED"
	PaymentStatusPaymentExpired  = "PAYMENT_EXPIRED"
	PaymentStatusRefunded        = "REFUNDED"
)

// Task is one analysis request submitted by a user.
type Task struct {
	ID                 uint       `gorm:"primaryKey" json:"-"`
	TaskID             string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"task_id"`
	UserID             uint       `gorm:"not null;index" json:"user_id"`
	Ticker             string     `gorm:"type:varchar(20);not null" json:"ticker"`
	AnalysisDate       string     `gorm:"type:varchar(10);not null" json:"analysis_date"`
	SelectedAnalysts   string     `gorm:"type:text" json:"-"`
	ResearchDepth      int        `gorm:"not null;default:1" json:"research_depth"`
	Status             string     `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	PaymentStatus      string     `gorm:"type:varchar(30);not null;default:'FREE'" json:"payment_status"`
	BillingAmountCents int64      `gorm:"not null;default:0" json:"billing_amount_cents"`
	BillingCurrency    string     `gorm:"type:varchar(10);not null;default:'USD'" json:"billing_currency"`
	IsFreeTask         bool       `gorm:"not null" json:"is_free_task"`
	PricingSnapshot    string     `gorm:"type:text" json:"-"`
	ErrorMessage       string     `gorm:"type:text" json:"error_message,omitempty"`
	ToolCalls          int        `gorm:"not null;default:0" json:"tool_calls"`
	LLMCalls           int        `gorm:"column:llm_calls;not null;default:0" json:"llm_calls"`
	Reports            int        `gorm:"not null;default:0" json:"reports"`
	QueuedAt           *time.Time `json:"queued_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Analysts decodes the stored analyst list. Invalid JSON yields an empty list.
func (t *Task) Analysts() []string {
	if t.SelectedAnalysts == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(t.SelectedAnalysts), &out); err != nil {
		return []string{}
	}
	return out
}

// SetAnalysts stores the analyst list as a JSON array.
func (t *Task) SetAnalysts(analysts []string) {
	if analysts == nil {
		analysts = []string{}
	}
	b, _ := json.Marshal(analysts)
	t.SelectedAnalysts = string(b)
}

// IsDispatchable reports whether the task may be handed to the engine
// based on its billing state.
func (t *Task) IsDispatchable() bool {
	return t.PaymentStatus == PaymentStatusFree || t.PaymentStatus == PaymentStatusPaid
}
