package models

import "time"

// TaskPayment is the single provider charge attempt attached to a task.
// Retries reset this row rather than appending a new one.
type TaskPayment struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	TaskID            uint       `gorm:"not null;uniqueIndex" json:"-"`
	UserID            uint       `gorm:"not null;index" json:"user_id"`
	ProviderPaymentID string     `gorm:"type:varchar(100);index" json:"provider_payment_id"`
	ClientSecret      string     `gorm:"type:varchar(255)" json:"-"`
	AmountCents       int64      `gorm:"not null;default:0" json:"amount_cents"`
	Currency          string     `gorm:"type:varchar(10);not null;default:'USD'" json:"currency"`
	Status            string     `gorm:"type:varchar(30);not null;index" json:"status"`
	PricingSnapshot   string     `gorm:"type:text" json:"-"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (TaskPayment) TableName() string {
	return "task_payments"
}
