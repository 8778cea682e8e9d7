package repository

import (
	"context"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, *models.UserSettings, error)
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
}

// TaskRepository defines the interface for analysis task persistence
type TaskRepository interface {
	WithTx(tx *gorm.DB) TaskRepository
	Create(ctx context.Context, task *models.Task) error
	GetByTaskID(ctx context.Context, taskID string) (*models.Task, error)
	GetByID(ctx context.Context, id uint) (*models.Task, error)
	UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error
	TransitionFrom(ctx context.Context, id uint, from string, fields map[string]interface{}) (bool, error)
	CountByStatus(ctx context.Context, userID uint) (map[string]int64, error)
	ListByUser(ctx context.Context, userID uint, offset, limit int) ([]models.Task, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User UserRepository
	Task TaskRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User: NewUserRepository(db),
		Task: NewTaskRepository(db),
	}
}
