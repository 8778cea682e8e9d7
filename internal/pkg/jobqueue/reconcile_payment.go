package jobqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/billing"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/payment"
)

const reconcileLockPrefix = "reconcile_payment:"

// PaymentReconcileProcessor settles a payment by polling its intent. It
// covers webhooks that never arrived.
type PaymentReconcileProcessor struct {
	provider   payment.Provider
	reconciler *billing.Reconciler
	timeout    time.Duration
}

func NewPaymentReconcileProcessor(provider payment.Provider, reconciler *billing.Reconciler, timeout time.Duration) *PaymentReconcileProcessor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PaymentReconcileProcessor{provider: provider, reconciler: reconciler, timeout: timeout}
}

// Handle is registered for JobTypeReconcilePayment.
func (p *PaymentReconcileProcessor) Handle(ctx context.Context, job *Job) error {
	payload, err := ReconcilePaymentJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid reconcile payment payload: %w", err)
	}
	if payload.ProviderPaymentID == "" {
		return fmt.Errorf("payment %d has no provider reference", payload.PaymentID)
	}
	if p.provider == nil {
		return fmt.Errorf("payment provider not configured")
	}

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	intent, err := p.provider.GetIntent(pctx, payload.ProviderPaymentID)
	cancel()
	if err != nil {
		metrics.SweeperJobs.WithLabelValues("error").Inc()
		return err
	}

	ev, ok := billing.EventFromIntent("", intent)
	if !ok {
		log.Debugf("[Reconcile] intent %s still %s, leaving payment %d open", intent.ID, intent.Status, payload.PaymentID)
		metrics.SweeperJobs.WithLabelValues("pending").Inc()
		return nil
	}

	outcome, err := p.reconciler.HandleEvent(ctx, ev)
	if err != nil {
		metrics.SweeperJobs.WithLabelValues("error").Inc()
		return err
	}
	log.Infof("[Reconcile] payment %d: %s -> %s", payload.PaymentID, ev.Kind, outcome)
	metrics.SweeperJobs.WithLabelValues(string(outcome)).Inc()
	return nil
}

// PaymentSweeper enqueues reconcile jobs for payments that stayed in
// AWAITING_PAYMENT longer than minAge.
type PaymentSweeper struct {
	payments  *payment.Ledger
	queue     *Queue
	minAge    time.Duration
	batchSize int
}

func NewPaymentSweeper(payments *payment.Ledger, queue *Queue, minAge time.Duration, batchSize int) *PaymentSweeper {
	if minAge <= 0 {
		minAge = 30 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PaymentSweeper{payments: payments, queue: queue, minAge: minAge, batchSize: batchSize}
}

// RunOnce returns the number of jobs enqueued. A payment already enqueued
// within minAge is skipped.
func (s *PaymentSweeper) RunOnce(ctx context.Context) (int, error) {
	stale, err := s.payments.ListStale(ctx, time.Now().Add(-s.minAge), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale payments: %w", err)
	}

	enqueued := 0
	for _, p := range stale {
		lockKey := reconcileLockPrefix + strconv.FormatUint(uint64(p.ID), 10)
		fresh, err := s.queue.Client().SetNX(ctx, lockKey, p.ProviderPaymentID, s.minAge).Result()
		if err != nil {
			log.Errorf("[Sweeper] lock for payment %d failed: %v", p.ID, err)
			continue
		}
		if !fresh {
			metrics.SweeperJobs.WithLabelValues("skipped").Inc()
			continue
		}

		payload := ReconcilePaymentJobPayload{PaymentID: p.ID, ProviderPaymentID: p.ProviderPaymentID}
		if _, err := s.queue.Enqueue(ctx, JobTypeReconcilePayment, payload.ToMap()); err != nil {
			log.Errorf("[Sweeper] enqueue for payment %d failed: %v", p.ID, err)
			_ = s.queue.Client().Del(ctx, lockKey).Err()
			continue
		}
		metrics.SweeperJobs.WithLabelValues("enqueued").Inc()
		enqueued++
	}
	if enqueued > 0 {
		log.Infof("[Sweeper] enqueued %d stale payments for reconciliation", enqueued)
	}
	return enqueued, nil
}
