package billing

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/payment"
)

// Reconciler applies provider payment events to local state. Delivery is at
// least once; the guarded ledger transitions make redelivery a no-op.
type Reconciler struct {
	deps       Deps
	dispatcher *taskDispatcher
}

func NewReconciler(deps Deps) *Reconciler {
	deps = deps.withDefaults()
	return &Reconciler{
		deps: deps,
		dispatcher: &taskDispatcher{
			tasks:   deps.Tasks,
			gateway: deps.Gateway,
			timeout: deps.DispatchTimeout,
		},
	}
}

func (r *Reconciler) HandleEvent(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	outcome, err := r.handle(ctx, ev)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(string(ev.Kind), "error").Inc()
		return outcome, err
	}
	metrics.WebhookEvents.WithLabelValues(string(ev.Kind), string(outcome)).Inc()
	return outcome, nil
}

func (r *Reconciler) handle(ctx context.Context, ev ProviderEvent) (Outcome, error) {
	p, err := r.lookup(ctx, ev)
	if err != nil {
		return OutcomeDropped, err
	}
	if p == nil {
		log.Warnf("[Reconciler] no payment for %s event (intent=%q task=%q), dropping", ev.Kind, ev.PaymentID, ev.TaskID)
		return OutcomeDropped, nil
	}

	switch ev.Kind {
	case EventPaymentSucceeded:
		return r.succeed(ctx, p, ev)
	case EventPaymentFailed:
		applied, err := r.deps.Payments.MarkFailed(ctx, p, ev.FailureReason)
		return appliedOutcome(applied), err
	case EventPaymentExpired:
		applied, err := r.deps.Payments.MarkExpired(ctx, p)
		return appliedOutcome(applied), err
	}
	log.Warnf("[Reconciler] unknown event kind %q, dropping", ev.Kind)
	return OutcomeDropped, nil
}

func (r *Reconciler) succeed(ctx context.Context, p *models.TaskPayment, ev ProviderEvent) (Outcome, error) {
	if p.ProviderPaymentID == "" && ev.PaymentID != "" {
		// A miss means a concurrent retry bound another intent; the success
		// of this one still settles the task below.
		if _, err := r.deps.Payments.AttachProviderReference(ctx, p, ev.PaymentID, ""); err != nil {
			return OutcomeDropped, err
		}
	}

	applied, err := r.deps.Payments.MarkPaid(ctx, p)
	if err != nil {
		return OutcomeDropped, err
	}
	if !applied {
		log.Infof("[Reconciler] payment %d already paid", p.ID)
		return OutcomeAlreadyHandled, nil
	}

	if err := r.deps.Quota.IncrementPaidTaskUsage(ctx, p.UserID); err != nil {
		log.Errorf("[Reconciler] paid usage not recorded for user %d: %v", p.UserID, err)
	}

	task, err := r.deps.Tasks.GetByID(ctx, p.TaskID)
	if err != nil {
		return OutcomeApplied, err
	}
	if err := r.dispatcher.dispatch(ctx, task); err != nil {
		// The payment stays PAID; the failed task is left for a retry.
		log.Errorf("[Reconciler] paid task %s could not be dispatched: %v", task.TaskID, err)
		r.dispatcher.fail(ctx, task, err)
		return OutcomeDispatchFailed, nil
	}
	log.Infof("[Reconciler] task %s paid and dispatched", task.TaskID)
	return OutcomeApplied, nil
}

// lookup finds the payment by intent id, then by the task id echoed in the
// intent metadata. A metadata match bound to a different intent belongs to
// a superseded attempt and is ignored.
func (r *Reconciler) lookup(ctx context.Context, ev ProviderEvent) (*models.TaskPayment, error) {
	p, err := r.deps.Payments.FindByProviderID(ctx, ev.PaymentID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if ev.TaskID == "" {
		return nil, nil
	}

	task, err := r.deps.Tasks.GetByTaskID(ctx, ev.TaskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	p, err = r.deps.Payments.FindByTaskID(ctx, task.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if p.ProviderPaymentID != "" && ev.PaymentID != "" && p.ProviderPaymentID != ev.PaymentID {
		return nil, nil
	}
	return p, nil
}

func appliedOutcome(applied bool) Outcome {
	if applied {
		return OutcomeApplied
	}
	return OutcomeAlreadyHandled
}

// EventFromIntent maps a polled intent to the event a webhook would have
// delivered. It returns false while the intent is still in flight.
func EventFromIntent(taskID string, intent *payment.Intent) (ProviderEvent, bool) {
	if intent == nil {
		return ProviderEvent{}, false
	}
	ev := ProviderEvent{PaymentID: intent.ID, TaskID: taskID}
	if ev.TaskID == "" {
		ev.TaskID = intent.Metadata["taskId"]
	}
	switch intent.Status {
	case payment.IntentSucceeded:
		ev.Kind = EventPaymentSucceeded
	case payment.IntentCanceled:
		ev.Kind = EventPaymentExpired
	case payment.IntentRequiresPaymentMethod:
		if intent.LastError == "" {
			return ProviderEvent{}, false
		}
		ev.Kind = EventPaymentFailed
		ev.FailureReason = intent.LastError
	default:
		return ProviderEvent{}, false
	}
	return ev, true
}
