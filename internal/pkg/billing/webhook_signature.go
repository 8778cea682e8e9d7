package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Stripe event types handled by the reconciler.
const (
	StripeEventPaymentSucceeded = "payment_intent.succeeded"
	StripeEventPaymentFailed    = "payment_intent.payment_failed"
	StripeEventPaymentCanceled  = "payment_intent.canceled"
)

// VerifyStripeEvent checks the Stripe-Signature header and decodes the event.
// API version mismatches are tolerated since only payment intent fields that
// are stable across versions are read.
func VerifyStripeEvent(payload []byte, signatureHeader, webhookSecret string) (stripe.Event, error) {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return stripe.Event{}, webhook.ErrNotSigned
	}
	return webhook.ConstructEventWithOptions(payload, sig, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// ProviderEventFromStripe maps a verified Stripe event. It returns false for
// event types the reconciler does not handle.
func ProviderEventFromStripe(event stripe.Event) (ProviderEvent, bool, error) {
	var kind EventKind
	switch string(event.Type) {
	case StripeEventPaymentSucceeded:
		kind = EventPaymentSucceeded
	case StripeEventPaymentFailed:
		kind = EventPaymentFailed
	case StripeEventPaymentCanceled:
		kind = EventPaymentExpired
	default:
		return ProviderEvent{}, false, nil
	}
	if event.Data == nil {
		return ProviderEvent{}, false, fmt.Errorf("stripe event %s has no data", event.ID)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return ProviderEvent{}, false, fmt.Errorf("decode payment intent: %w", err)
	}

	ev := ProviderEvent{
		Kind:      kind,
		PaymentID: pi.ID,
		TaskID:    pi.Metadata["taskId"],
	}
	if kind == EventPaymentFailed && pi.LastPaymentError != nil {
		ev.FailureReason = pi.LastPaymentError.Msg
	}
	return ev, true, nil
}
