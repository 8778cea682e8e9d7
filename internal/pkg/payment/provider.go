package payment

import "context"

// Provider intent statuses the reconciler cares about.
const (
	IntentSucceeded             = "succeeded"
	IntentCanceled              = "canceled"
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresAction        = "requires_action"
	IntentProcessing            = "processing"
)

// IntentRequest describes a charge for one task.
type IntentRequest struct {
	TaskID        string
	UserID        uint
	Ticker        string
	ResearchDepth int
	AnalystCount  int
	AmountCents   int64
	Currency      string
}

// Intent is the provider side view of a payment.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	// LastError carries the provider's failure message, if any.
	LastError string
	Metadata  map[string]string
}

// Provider is the external payment processor.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	// CancelIntent is a no-op for intents that already settled.
	CancelIntent(ctx context.Context, intentID string) error
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
}
