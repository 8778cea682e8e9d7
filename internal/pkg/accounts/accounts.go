// Package accounts provisions API users and their keys for operators.
package accounts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TradingAgent/app/models"
	"github.com/ManuelReschke/TradingAgent/app/repository"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/apperror"
)

type Service struct {
	db    *gorm.DB
	users repository.UserRepository
}

func NewService(db *gorm.DB, users repository.UserRepository) *Service {
	return &Service{db: db, users: users}
}

// Issued carries a raw key. It is shown once and never stored.
type Issued struct {
	User   *models.User
	APIKey string
	Prefix string
}

// CreateUser registers an active user and issues the first key.
func (s *Service) CreateUser(name, email string) (*Issued, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := s.users.GetByEmail(email); err == nil {
		return nil, apperror.Validation(fmt.Sprintf("user %s already exists", email))
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user, err := models.CreateUser(strings.TrimSpace(name), email)
	if err != nil {
		return nil, apperror.Validation(err.Error())
	}
	if err := s.users.Create(user); err != nil {
		return nil, err
	}
	log.Infof("[Accounts] Created user %d (%s)", user.ID, user.Email)
	return s.issue(user)
}

// IssueKey replaces the user's key. The previous key stops working.
func (s *Service) IssueKey(email string) (*Issued, error) {
	user, err := s.lookup(email)
	if err != nil {
		return nil, err
	}
	return s.issue(user)
}

func (s *Service) RevokeKey(email string) error {
	user, err := s.lookup(email)
	if err != nil {
		return err
	}
	settings, err := models.GetOrCreateUserSettings(s.db, user.ID)
	if err != nil {
		return err
	}
	if !settings.HasActiveAPIKey() {
		return apperror.Validation(fmt.Sprintf("user %s has no active key", user.Email))
	}
	settings.RevokeAPIKey()
	if err := s.db.Save(settings).Error; err != nil {
		return err
	}
	log.Infof("[Accounts] Revoked API key of user %d", user.ID)
	return nil
}

// SetStatus switches a user between active, inactive and disabled. Only
// active users pass API key authentication.
func (s *Service) SetStatus(email, status string) (*models.User, error) {
	user, err := s.lookup(email)
	if err != nil {
		return nil, err
	}
	user.Status = status
	if err := user.Validate(); err != nil {
		return nil, apperror.Validation(err.Error())
	}
	if err := s.users.Update(user); err != nil {
		return nil, err
	}
	return user, nil
}

// Remove soft-deletes the user. Tasks and payments are kept.
func (s *Service) Remove(email string) error {
	user, err := s.lookup(email)
	if err != nil {
		return err
	}
	return s.users.Delete(user.ID)
}

// Page lists users in id order together with the total count.
func (s *Service) Page(offset, limit int) ([]models.User, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	users, err := s.users.List(offset, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.users.Count()
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (s *Service) lookup(email string) (*models.User, error) {
	user, err := s.users.GetByEmail(email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.New(apperror.KindNotFound, 404, fmt.Sprintf("user %s not found", email))
	}
	return user, err
}

func (s *Service) issue(user *models.User) (*Issued, error) {
	settings, err := models.GetOrCreateUserSettings(s.db, user.ID)
	if err != nil {
		return nil, err
	}
	raw, err := settings.IssueAPIKey()
	if err != nil {
		return nil, err
	}
	if err := s.db.Save(settings).Error; err != nil {
		return nil, err
	}
	log.Infof("[Accounts] Issued API key %s... for user %d", settings.APIKeyPrefix, user.ID)
	return &Issued{User: user, APIKey: raw, Prefix: settings.APIKeyPrefix}, nil
}
