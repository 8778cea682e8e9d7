package models

import "time"

// UserQuota tracks free and paid task usage per user.
// Invariant: 0 <= FreeTasksUsed <= FreeTasksTotal.
type UserQuota struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;uniqueIndex" json:"user_id"`
	FreeTasksTotal int       `gorm:"not null;default:0" json:"free_tasks_total"`
	FreeTasksUsed  int       `gorm:"not null;default:0" json:"free_tasks_used"`
	PaidTasksTotal int       `gorm:"not null;default:0" json:"paid_tasks_total"`
	TotalTasksUsed int       `gorm:"not null;default:0" json:"total_tasks_used"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FreeRemaining never returns a negative value.
func (q *UserQuota) FreeRemaining() int {
	if q == nil {
		return 0
	}
	if remaining := q.FreeTasksTotal - q.FreeTasksUsed; remaining > 0 {
		return remaining
	}
	return 0
}
