package models

import "time"

const DefaultCurrency = "USD"

// PricingStrategy is a named price configuration. Multiplier tables are stored
// as JSON objects keyed by the stringified depth or analyst count.
type PricingStrategy struct {
	ID                       uint      `gorm:"primaryKey" json:"id"`
	Code                     string    `gorm:"type:varchar(50);not null;uniqueIndex" json:"code"`
	Name                     string    `gorm:"type:varchar(100)" json:"name"`
	Currency                 string    `gorm:"type:varchar(10);not null;default:'USD'" json:"currency"`
	BasePriceCents           int64     `gorm:"not null;default:0" json:"base_price_cents"`
	ResearchDepthMultipliers string    `gorm:"type:text" json:"research_depth_multipliers"`
	AnalystCountMultipliers  string    `gorm:"type:text" json:"analyst_count_multipliers"`
	FreeTaskQuota            *int      `json:"free_task_quota,omitempty"`
	IsActive                 bool      `gorm:"default:false;index" json:"is_active"`
	CreatedAt                time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (PricingStrategy) TableName() string {
	return "pricing_strategies"
}

// CurrencyOrDefault returns the configured currency in upper case.
func (p *PricingStrategy) CurrencyOrDefault() string {
	if p == nil || p.Currency == "" {
		return DefaultCurrency
	}
	return p.Currency
}
