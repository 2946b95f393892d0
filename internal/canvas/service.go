package canvas

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/goblinsan/visual-flow-backend/internal/quota"
	"github.com/goblinsan/visual-flow-backend/internal/users"
)

var (
	ErrCanvasNotFound = errors.New("canvas: not found")
	ErrUserNotFound   = errors.New("canvas: user not found")
	ErrAlreadyMember  = errors.New("canvas: user is already a member")
	ErrInvalidTitle   = errors.New("canvas: title required")
	ErrOwnerRole      = errors.New("canvas: owner role is assigned at creation only")

	errMissingDatabase = errors.New("canvas: database connection required")
	errMissingQuotas   = errors.New("canvas: quota manager required")
	errMissingUsers    = errors.New("canvas: user directory required")
)

// UserDirectory is the slice of the user service the canvas service needs.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (users.User, error)
	FindByEmail(ctx context.Context, email string) (users.User, error)
}

// ServiceConfig describes the dependencies of the canvas service.
type ServiceConfig struct {
	Database *gorm.DB
	Quotas   *quota.Manager
	Users    UserDirectory
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the canvas and membership lifecycle.
type Service struct {
	db     *gorm.DB
	quotas *quota.Manager
	users  UserDirectory
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the canvas service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Quotas == nil {
		return nil, errMissingQuotas
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		quotas: cfg.Quotas,
		users:  cfg.Users,
		now:    clock,
		logger: logger,
	}, nil
}

// Create persists a new canvas and its owner membership in one transaction
// so a half-committed canvas without an owner cannot exist.
func (s *Service) Create(ctx context.Context, ownerID, title string) (Canvas, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Canvas{}, ErrInvalidTitle
	}

	result, err := s.quotas.OwnedCanvases(ctx, ownerID)
	if err != nil {
		return Canvas{}, err
	}
	if !result.Allowed {
		return Canvas{}, quota.Exceeded("canvases", result)
	}

	now := s.now().UTC()
	record := Canvas{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		membership := Membership{
			CanvasID:  record.ID,
			UserID:    ownerID,
			Role:      RoleOwner,
			CreatedAt: now,
		}
		return tx.Create(&membership).Error
	})
	if err != nil {
		return Canvas{}, err
	}

	s.logger.Info("canvas created",
		zap.String("canvas_id", record.ID),
		zap.String("owner_id", ownerID))

	return record, nil
}

// Get fetches a canvas by id.
func (s *Service) Get(ctx context.Context, canvasID string) (Canvas, error) {
	var record Canvas
	err := s.db.WithContext(ctx).Where("id = ?", canvasID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Canvas{}, ErrCanvasNotFound
	}
	return record, err
}

// ListForUser returns every canvas the user is a member of.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Canvas, error) {
	var records []Canvas
	err := s.db.WithContext(ctx).
		Joins("JOIN canvas_memberships ON canvas_memberships.canvas_id = canvases.id").
		Where("canvas_memberships.user_id = ?", userID).
		Order("canvases.created_at ASC").
		Find(&records).Error
	return records, err
}

// UpdateTitle renames a canvas.
func (s *Service) UpdateTitle(ctx context.Context, canvasID, title string) (Canvas, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Canvas{}, ErrInvalidTitle
	}
	result := s.db.WithContext(ctx).Model(&Canvas{}).
		Where("id = ?", canvasID).
		Updates(map[string]interface{}{"title": title, "updated_at": s.now().UTC()})
	if result.Error != nil {
		return Canvas{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Canvas{}, ErrCanvasNotFound
	}
	return s.Get(ctx, canvasID)
}

// Delete removes a canvas and everything hanging off it: memberships, agent
// tokens, link codes, branches, and proposals, in one transaction. Cascades
// go through table names because the owning packages sit above this one.
func (s *Service) Delete(ctx context.Context, canvasID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", canvasID).Delete(&Canvas{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrCanvasNotFound
		}
		for _, table := range []string{
			"canvas_memberships",
			"agent_tokens",
			"agent_link_codes",
			"branches",
			"proposals",
		} {
			if err := tx.Exec("DELETE FROM "+table+" WHERE canvas_id = ?", canvasID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListMembers returns the membership rows for a canvas.
func (s *Service) ListMembers(ctx context.Context, canvasID string) ([]Membership, error) {
	var records []Membership
	err := s.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// AddMember grants an existing user a viewer or editor role on the canvas.
// The owner role is created with the canvas and can never be granted here.
func (s *Service) AddMember(ctx context.Context, canvasID, email string, role Role, invitedBy string) (Membership, error) {
	if role == RoleOwner {
		return Membership{}, ErrOwnerRole
	}
	if _, err := ParseRole(string(role)); err != nil {
		return Membership{}, err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Membership{}, ErrUserNotFound
		}
		return Membership{}, err
	}

	result, err := s.quotas.CanvasMembers(ctx, canvasID)
	if err != nil {
		return Membership{}, err
	}
	if !result.Allowed {
		return Membership{}, quota.Exceeded("members", result)
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("canvas_id = ? AND user_id = ?", canvasID, user.ID).
		Count(&existing).Error; err != nil {
		return Membership{}, err
	}
	if existing > 0 {
		return Membership{}, ErrAlreadyMember
	}

	membership := Membership{
		CanvasID:  canvasID,
		UserID:    user.ID,
		Role:      role,
		InvitedBy: invitedBy,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&membership).Error; err != nil {
		return Membership{}, err
	}

	s.logger.Info("member added",
		zap.String("canvas_id", canvasID),
		zap.String("user_id", user.ID),
		zap.String("role", string(role)))

	return membership, nil
}

// CanvasOwner resolves the owner user of a canvas. Agent tokens act on the
// owner's behalf, so the auth gateway calls this on every agent request.
func (s *Service) CanvasOwner(ctx context.Context, canvasID string) (users.User, error) {
	record, err := s.Get(ctx, canvasID)
	if err != nil {
		return users.User{}, err
	}
	return s.users.GetUser(ctx, record.OwnerID)
}
