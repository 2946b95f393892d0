package review

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/goblinsan/visual-flow-backend/internal/auth"
	"github.com/goblinsan/visual-flow-backend/internal/canvas"
	"github.com/goblinsan/visual-flow-backend/internal/quota"
)

var (
	ErrBranchNotFound = errors.New("review: branch not found")

	errMissingDatabase = errors.New("review: database connection required")
	errMissingAccess   = errors.New("review: access control required")
	errMissingQuotas   = errors.New("review: quota manager required")
)

// BranchManagerConfig describes the dependencies of the branch manager.
type BranchManagerConfig struct {
	Database *gorm.DB
	Access   *canvas.AccessControl
	Quotas   *quota.Manager
	Clock    func() time.Time
	Logger   *zap.Logger
}

// BranchManager owns the branch lifecycle. Every operation re-checks the
// agent's canvas binding against the branch it resolves, so a token bound to
// one canvas can never act on another canvas's branch by id.
type BranchManager struct {
	db     *gorm.DB
	access *canvas.AccessControl
	quotas *quota.Manager
	now    func() time.Time
	logger *zap.Logger
}

// NewBranchManager constructs the branch manager.
func NewBranchManager(cfg BranchManagerConfig) (*BranchManager, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Access == nil {
		return nil, errMissingAccess
	}
	if cfg.Quotas == nil {
		return nil, errMissingQuotas
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BranchManager{
		db:     cfg.Database,
		access: cfg.Access,
		quotas: cfg.Quotas,
		now:    clock,
		logger: logger,
	}, nil
}

// Create opens an active branch against the canvas for the agent. Requires
// propose scope, editor-or-above access for the acting user, and passes the
// branch quota.
func (m *BranchManager) Create(ctx context.Context, identity auth.Identity, canvasID, agentID string, baseVersion int64) (Branch, error) {
	if err := auth.CheckScope(identity, auth.ScopePropose, canvasID).Err(); err != nil {
		return Branch{}, err
	}
	if _, err := m.access.Check(ctx, identity.User.ID, canvasID, canvas.RoleEditor); err != nil {
		return Branch{}, err
	}

	result, err := m.quotas.ActiveBranches(ctx, canvasID)
	if err != nil {
		return Branch{}, err
	}
	if !result.Allowed {
		return Branch{}, quota.Exceeded("branches", result)
	}

	record := Branch{
		ID:          uuid.NewString(),
		CanvasID:    canvasID,
		AgentID:     agentID,
		BaseVersion: baseVersion,
		Status:      BranchActive,
		CreatedAt:   m.now().UTC(),
	}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Branch{}, err
	}

	m.logger.Info("branch created",
		zap.String("branch_id", record.ID),
		zap.String("canvas_id", canvasID),
		zap.String("agent_id", agentID))

	return record, nil
}

// Get fetches a branch the acting identity is allowed to see. Membership
// failures surface as not-found so non-members learn nothing.
func (m *BranchManager) Get(ctx context.Context, identity auth.Identity, branchID string) (Branch, error) {
	record, err := m.load(ctx, branchID)
	if err != nil {
		return Branch{}, err
	}
	if err := auth.CheckScope(identity, auth.ScopeRead, record.CanvasID).Err(); err != nil {
		return Branch{}, err
	}
	if _, err := m.access.Check(ctx, identity.User.ID, record.CanvasID, ""); err != nil {
		return Branch{}, err
	}
	return record, nil
}

// ListForCanvas returns the branches of a canvas the identity is a member of.
func (m *BranchManager) ListForCanvas(ctx context.Context, identity auth.Identity, canvasID string) ([]Branch, error) {
	if err := auth.CheckScope(identity, auth.ScopeRead, canvasID).Err(); err != nil {
		return nil, err
	}
	if _, err := m.access.Check(ctx, identity.User.ID, canvasID, ""); err != nil {
		return nil, err
	}
	var records []Branch
	err := m.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// Delete hard-deletes a branch and its proposals. History preservation is
// delegated to checkpoint storage upstream of this service.
func (m *BranchManager) Delete(ctx context.Context, identity auth.Identity, branchID string) error {
	record, err := m.load(ctx, branchID)
	if err != nil {
		return err
	}
	if err := auth.CheckScope(identity, auth.ScopePropose, record.CanvasID).Err(); err != nil {
		return err
	}
	if _, err := m.access.Check(ctx, identity.User.ID, record.CanvasID, canvas.RoleEditor); err != nil {
		return err
	}

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("branch_id = ?", branchID).Delete(&Proposal{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", branchID).Delete(&Branch{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBranchNotFound
		}
		return nil
	})
}

func (m *BranchManager) load(ctx context.Context, branchID string) (Branch, error) {
	var record Branch
	err := m.db.WithContext(ctx).Where("id = ?", branchID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Branch{}, ErrBranchNotFound
	}
	return record, err
}
