package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/billing"
)

func HandleBillingSummary(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c)
	}

	summary, err := billing.GetServices().Orchestrator.BillingSummary(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, summary)
}

// HandleRetryPayment opens a new payment attempt for a task whose previous
// attempt failed or expired.
func HandleRetryPayment(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c)
	}

	res, err := billing.GetServices().Orchestrator.RetryPayment(c.UserContext(), userID, c.Params("taskId"))
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, res)
}

// HandleStripeWebhook verifies, records and applies a Stripe event. Events
// already processed without error are acknowledged as duplicates; failed
// ones are applied again since the reconciler is idempotent.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))

	services := billing.GetServices()
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout*time.Second)
	defer cancel()

	event, verifyErr := billing.VerifyStripeEvent(rawBody, signature, services.Config.StripeWebhookSecret)
	signatureValid := verifyErr == nil

	input := billing.WebhookEventInput{
		Provider:       models.BillingProviderStripe,
		PayloadJSON:    string(rawBody),
		SignatureValid: signatureValid,
	}
	if signatureValid {
		input.ProviderEventID = event.ID
		input.EventType = string(event.Type)
	} else {
		// Unverified events are keyed by payload hash so a forged event id
		// can never shadow the genuine delivery.
		input.EventType = unverifiedEventType(rawBody)
	}

	created, stored, err := services.Webhooks.RecordWebhookEvent(ctx, input)
	if err != nil {
		log.Errorf("[Webhook] failed to record stripe event: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !signatureValid {
		if created {
			_ = services.Webhooks.MarkWebhookProcessed(ctx, stored.ID, errors.New("invalid webhook signature"))
		}
		log.Warnf("[Webhook] rejected stripe event: %v", verifyErr)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}
	if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	ev, handled, err := billing.ProviderEventFromStripe(event)
	if err != nil {
		_ = services.Webhooks.MarkWebhookProcessed(ctx, stored.ID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if !handled {
		_ = services.Webhooks.MarkWebhookProcessed(ctx, stored.ID, nil)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	outcome, err := services.Reconciler.HandleEvent(ctx, ev)
	_ = services.Webhooks.MarkWebhookProcessed(ctx, stored.ID, err)
	if err != nil {
		log.Errorf("[Webhook] stripe event %s failed: %v", event.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reconcile_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": outcome})
}

func unverifiedEventType(payload []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "unknown"
	}
	if len(head.Type) > 100 {
		return head.Type[:100]
	}
	return head.Type
}
