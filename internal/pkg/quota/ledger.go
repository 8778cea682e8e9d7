// Package quota keeps per-user free and paid task counters. Every mutation
// runs under an exclusive lock on the user's quota row.
package quota

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
)

// FreeQuotaSource supplies the free allotment for newly created quota rows.
type FreeQuotaSource interface {
	DefaultFreeQuota(ctx context.Context) (int, error)
}

// StaticFreeQuota grants a fixed allotment.
type StaticFreeQuota int

func (s StaticFreeQuota) DefaultFreeQuota(context.Context) (int, error) {
	return int(s), nil
}

type Snapshot struct {
	FreeTasksTotal     int `json:"freeTasksTotal"`
	FreeTasksUsed      int `json:"freeTasksUsed"`
	FreeTasksRemaining int `json:"freeTasksRemaining"`
	PaidTasksTotal     int `json:"paidTasksTotal"`
	TotalTasksUsed     int `json:"totalTasksUsed"`
}

func snapshotOf(q *models.UserQuota) Snapshot {
	return Snapshot{
		FreeTasksTotal:     q.FreeTasksTotal,
		FreeTasksUsed:      q.FreeTasksUsed,
		FreeTasksRemaining: q.FreeRemaining(),
		PaidTasksTotal:     q.PaidTasksTotal,
		TotalTasksUsed:     q.TotalTasksUsed,
	}
}

type Ledger struct {
	db     *gorm.DB
	source FreeQuotaSource
	inTx   bool
}

func NewLedger(db *gorm.DB, source FreeQuotaSource) *Ledger {
	return &Ledger{db: db, source: source}
}

// WithTx returns a ledger whose mutations join tx instead of opening their
// own transaction. Callers should read the user's quota before opening tx so
// the row already exists.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, source: l.source, inTx: true}
}

// HasRemainingFreeQuota is a plain read without locking.
func (l *Ledger) HasRemainingFreeQuota(ctx context.Context, userID uint) (bool, error) {
	remaining, err := l.RemainingFreeQuota(ctx, userID)
	if err != nil {
		return false, err
	}
	return remaining > 0, nil
}

// RemainingFreeQuota never returns a negative value.
func (l *Ledger) RemainingFreeQuota(ctx context.Context, userID uint) (int, error) {
	q, err := l.getOrCreate(ctx, l.db, userID)
	if err != nil {
		return 0, err
	}
	return q.FreeRemaining(), nil
}

func (l *Ledger) Snapshot(ctx context.Context, userID uint) (Snapshot, error) {
	q, err := l.getOrCreate(ctx, l.db, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(q), nil
}

// ConsumeFreeQuotaIfAvailable atomically takes one free slot. It returns
// false without mutating anything when no slot is left.
func (l *Ledger) ConsumeFreeQuotaIfAvailable(ctx context.Context, userID uint) (bool, error) {
	consumed := false
	err := l.mutate(ctx, userID, func(q *models.UserQuota) bool {
		if q.FreeTasksUsed >= q.FreeTasksTotal {
			return false
		}
		q.FreeTasksUsed++
		q.TotalTasksUsed++
		consumed = true
		return true
	})
	if err != nil {
		metrics.QuotaOperations.WithLabelValues("consume", "error").Inc()
		return false, err
	}
	if consumed {
		metrics.QuotaOperations.WithLabelValues("consume", "consumed").Inc()
	} else {
		metrics.QuotaOperations.WithLabelValues("consume", "exhausted").Inc()
	}
	return consumed, nil
}

// IncrementPaidTaskUsage records one confirmed paid task.
func (l *Ledger) IncrementPaidTaskUsage(ctx context.Context, userID uint) error {
	err := l.mutate(ctx, userID, func(q *models.UserQuota) bool {
		q.PaidTasksTotal++
		q.TotalTasksUsed++
		return true
	})
	metrics.QuotaOperations.WithLabelValues("paid", metrics.Result(err)).Inc()
	return err
}

// RestoreFreeQuota gives back a slot taken by ConsumeFreeQuotaIfAvailable.
// Counters are floored at zero.
func (l *Ledger) RestoreFreeQuota(ctx context.Context, userID uint) error {
	err := l.mutate(ctx, userID, func(q *models.UserQuota) bool {
		if q.FreeTasksUsed <= 0 {
			log.Warnf("[Quota] Restore requested for user %d but free usage is already 0", userID)
			return false
		}
		q.FreeTasksUsed--
		if q.TotalTasksUsed > 0 {
			q.TotalTasksUsed--
		}
		return true
	})
	metrics.QuotaOperations.WithLabelValues("restore", metrics.Result(err)).Inc()
	return err
}

func (l *Ledger) mutate(ctx context.Context, userID uint, apply func(q *models.UserQuota) bool) error {
	if l.inTx {
		return l.lockAndApply(ctx, l.db, userID, apply)
	}
	// Create the row outside the transaction so the free quota lookup does
	// not run while the lock is held.
	if _, err := l.getOrCreate(ctx, l.db, userID); err != nil {
		return err
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return l.lockAndApply(ctx, tx, userID, apply)
	})
}

func (l *Ledger) lockAndApply(ctx context.Context, tx *gorm.DB, userID uint, apply func(q *models.UserQuota) bool) error {
	q, err := l.lockRow(ctx, tx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := l.insertRow(ctx, tx, userID); err != nil {
			return err
		}
		q, err = l.lockRow(ctx, tx, userID)
	}
	if err != nil {
		return err
	}

	if !apply(q) {
		return nil
	}
	return tx.WithContext(ctx).Model(q).Updates(map[string]interface{}{
		"free_tasks_used":  q.FreeTasksUsed,
		"paid_tasks_total": q.PaidTasksTotal,
		"total_tasks_used": q.TotalTasksUsed,
	}).Error
}

func (l *Ledger) lockRow(ctx context.Context, tx *gorm.DB, userID uint) (*models.UserQuota, error) {
	var q models.UserQuota
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&q).Error
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (l *Ledger) getOrCreate(ctx context.Context, db *gorm.DB, userID uint) (*models.UserQuota, error) {
	var q models.UserQuota
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&q).Error
	if err == nil {
		return &q, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := l.insertRow(ctx, db, userID); err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&q).Error; err != nil {
		return nil, err
	}
	return &q, nil
}

// insertRow creates the quota row unless a concurrent request already did.
func (l *Ledger) insertRow(ctx context.Context, db *gorm.DB, userID uint) error {
	total, err := l.source.DefaultFreeQuota(ctx)
	if err != nil {
		return err
	}
	if total < 0 {
		total = 0
	}
	row := &models.UserQuota{UserID: userID, FreeTasksTotal: total}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Infof("[Quota] Initialized quota for user %d with %d free tasks", userID, total)
	}
	return nil
}
