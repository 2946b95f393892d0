package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidEmail indicates the caller supplied an unusable email address.
var ErrInvalidEmail = errors.New("users: invalid email")

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user records keyed by verified email.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// EnsureUser returns the user for the verified email, creating the row on
// first sight. The insert relies on the unique email index rather than a
// read-then-insert check, so concurrent first-seen requests for the same
// email converge on a single row.
func (s *Service) EnsureUser(ctx context.Context, email, displayName string) (User, error) {
	normalized := normalizeEmail(email)
	if normalized == "" || !strings.Contains(normalized, "@") {
		return User{}, ErrInvalidEmail
	}

	candidate := User{
		ID:          uuid.NewString(),
		Email:       normalized,
		DisplayName: strings.TrimSpace(displayName),
		CreatedAt:   s.now().UTC(),
		UpdatedAt:   s.now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "email"}}, DoNothing: true}).
		Create(&candidate).Error
	if err != nil {
		return User{}, err
	}

	var user User
	if err := s.db.WithContext(ctx).Where("email = ?", normalized).Take(&user).Error; err != nil {
		return User{}, err
	}

	if name := strings.TrimSpace(displayName); name != "" && name != user.DisplayName {
		updates := map[string]interface{}{
			"display_name": name,
			"updated_at":   s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err == nil {
			user.DisplayName = name
		}
	}

	return user, nil
}

// GetUser fetches a user by canonical id.
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	return user, err
}

// FindByEmail fetches a user by normalized email.
func (s *Service) FindByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	return user, err
}
