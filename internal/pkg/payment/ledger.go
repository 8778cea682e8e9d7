// Package payment owns the task payment record and its state machine:
//
//	AWAITING_PAYMENT -> PAID | PAYMENT_FAILED | PAYMENT_EXPIRED
//
// Transitions are conditional updates on the payment row, so concurrent or
// replayed provider events resolve deterministically. Nothing leaves PAID.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
)

const (
	ReasonPaymentFailed   = "Payment failed"
	ReasonPaymentCanceled = "Payment canceled before completion"
)

// Charge is the priced amount a payment is initialized with.
type Charge struct {
	AmountCents int64
	Currency    string
	Snapshot    string
}

type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx returns a ledger bound to an outer transaction.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

// InitializePayment creates the task's payment row, or resets it for a retry,
// in AWAITING_PAYMENT and syncs the task's billing fields in the same
// transaction. A paid row is never reset. The task struct is updated in place.
func (l *Ledger) InitializePayment(ctx context.Context, task *models.Task, charge Charge) (*models.TaskPayment, error) {
	var p models.TaskPayment
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("task_id = ?", task.ID).
			First(&p).Error
		switch {
		case err == nil:
			if p.Status == models.PaymentStatusPaid {
				return apperror.PaymentState(fmt.Sprintf("payment for task %s is already paid", task.TaskID))
			}
			if err := tx.Model(&p).Updates(map[string]interface{}{
				"provider_payment_id": "",
				"client_secret":       "",
				"amount_cents":        charge.AmountCents,
				"currency":            charge.Currency,
				"status":              models.PaymentStatusAwaitingPayment,
				"pricing_snapshot":    charge.Snapshot,
				"paid_at":             nil,
			}).Error; err != nil {
				return err
			}
			p.ProviderPaymentID = ""
			p.ClientSecret = ""
			p.PaidAt = nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			p = models.TaskPayment{
				TaskID:          task.ID,
				UserID:          task.UserID,
				AmountCents:     charge.AmountCents,
				Currency:        charge.Currency,
				Status:          models.PaymentStatusAwaitingPayment,
				PricingSnapshot: charge.Snapshot,
			}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
		default:
			return err
		}

		return tx.Model(&models.Task{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
			"billing_amount_cents": charge.AmountCents,
			"billing_currency":     charge.Currency,
			"pricing_snapshot":     charge.Snapshot,
			"payment_status":       models.PaymentStatusAwaitingPayment,
			"is_free_task":         false,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	p.AmountCents = charge.AmountCents
	p.Currency = charge.Currency
	p.Status = models.PaymentStatusAwaitingPayment
	p.PricingSnapshot = charge.Snapshot

	task.BillingAmountCents = charge.AmountCents
	task.BillingCurrency = charge.Currency
	task.PricingSnapshot = charge.Snapshot
	task.PaymentStatus = models.PaymentStatusAwaitingPayment
	task.IsFreeTask = false
	return &p, nil
}

// AttachProviderReference stores the provider intent id and client secret on
// an awaiting payment that is unbound or already bound to refID. It returns
// false when the payment moved on or belongs to another intent, in which case
// nothing is written. Blank values never overwrite stored ones.
func (l *Ledger) AttachProviderReference(ctx context.Context, p *models.TaskPayment, refID, secret string) (bool, error) {
	updates := map[string]interface{}{}
	if refID != "" {
		updates["provider_payment_id"] = refID
	}
	if secret != "" {
		updates["client_secret"] = secret
	}
	if len(updates) == 0 {
		return false, nil
	}

	q := l.db.WithContext(ctx).Model(&models.TaskPayment{}).
		Where("id = ? AND status = ?", p.ID, models.PaymentStatusAwaitingPayment)
	if refID != "" {
		q = q.Where("(provider_payment_id = '' OR provider_payment_id IS NULL OR provider_payment_id = ?)", refID)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		log.Warnf("[Payment] reference %q not attached to payment %d, payment is no longer awaiting it", refID, p.ID)
		return false, nil
	}
	if refID != "" {
		p.ProviderPaymentID = refID
	}
	if secret != "" {
		p.ClientSecret = secret
	}
	return true, nil
}

// MarkPaid moves the payment to PAID. It returns false when the payment was
// already PAID, which callers treat as "already handled".
func (l *Ledger) MarkPaid(ctx context.Context, p *models.TaskPayment) (bool, error) {
	now := time.Now()
	applied := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.TaskPayment{}).
			Where("id = ? AND status <> ?", p.ID, models.PaymentStatusPaid).
			Updates(map[string]interface{}{
				"status":        models.PaymentStatusPaid,
				"paid_at":       &now,
				"client_secret": "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return tx.Model(&models.Task{}).Where("id = ?", p.TaskID).Updates(map[string]interface{}{
			"payment_status": models.PaymentStatusPaid,
			"error_message":  "",
		}).Error
	})
	if err != nil {
		return false, err
	}
	if applied {
		p.Status = models.PaymentStatusPaid
		p.PaidAt = &now
		p.ClientSecret = ""
		metrics.PaymentTransitions.WithLabelValues(models.PaymentStatusPaid).Inc()
	}
	return applied, nil
}

// MarkFailed moves an awaiting payment to PAYMENT_FAILED and records the
// reason on the task. It returns false when the payment was not awaiting.
func (l *Ledger) MarkFailed(ctx context.Context, p *models.TaskPayment, reason string) (bool, error) {
	if reason == "" {
		reason = ReasonPaymentFailed
	}
	return l.terminate(ctx, p, models.PaymentStatusPaymentFailed, reason)
}

// MarkExpired moves an awaiting payment to PAYMENT_EXPIRED.
func (l *Ledger) MarkExpired(ctx context.Context, p *models.TaskPayment) (bool, error) {
	return l.terminate(ctx, p, models.PaymentStatusPaymentExpired, ReasonPaymentCanceled)
}

func (l *Ledger) terminate(ctx context.Context, p *models.TaskPayment, status, reason string) (bool, error) {
	applied := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.TaskPayment{}).
			Where("id = ? AND status = ?", p.ID, models.PaymentStatusAwaitingPayment).
			Updates(map[string]interface{}{
				"status":        status,
				"client_secret": "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return tx.Model(&models.Task{}).Where("id = ?", p.TaskID).Updates(map[string]interface{}{
			"payment_status": status,
			"error_message":  reason,
		}).Error
	})
	if err != nil {
		return false, err
	}
	if applied {
		p.Status = status
		p.ClientSecret = ""
		metrics.PaymentTransitions.WithLabelValues(status).Inc()
	}
	return applied, nil
}

// FindByProviderID misses with gorm.ErrRecordNotFound.
func (l *Ledger) FindByProviderID(ctx context.Context, providerPaymentID string) (*models.TaskPayment, error) {
	var p models.TaskPayment
	if providerPaymentID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	if err := l.db.WithContext(ctx).Where("provider_payment_id = ?", providerPaymentID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByTaskID looks up by the task's primary key.
func (l *Ledger) FindByTaskID(ctx context.Context, taskID uint) (*models.TaskPayment, error) {
	var p models.TaskPayment
	if err := l.db.WithContext(ctx).Where("task_id = ?", taskID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListStale returns awaiting payments with a provider reference that have
// not changed since before the cutoff.
func (l *Ledger) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.TaskPayment, error) {
	var out []models.TaskPayment
	err := l.db.WithContext(ctx).
		Where("status = ? AND provider_payment_id <> '' AND updated_at < ?", models.PaymentStatusAwaitingPayment, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
