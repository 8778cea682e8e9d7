package pricing

import (
	"context"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"gorm.io/gorm"
)

// Repository provides the strategy lookups used by the pricing engine.
// Misses are reported as gorm.ErrRecordNotFound.
type Repository interface {
	FindActiveByCode(ctx context.Context, code string) (*models.PricingStrategy, error)
	FindLatestActive(ctx context.Context) (*models.PricingStrategy, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a pricing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindActiveByCode(ctx context.Context, code string) (*models.PricingStrategy, error) {
	var s models.PricingStrategy
	err := r.db.WithContext(ctx).
		Where("code = ? AND is_active = ?", code, true).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) FindLatestActive(ctx context.Context) (*models.PricingStrategy, error) {
	var s models.PricingStrategy
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("updated_at DESC").
		Order("id DESC").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}
