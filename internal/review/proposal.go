package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/goblinsan/visual-flow-backend/internal/auth"
	"github.com/goblinsan/visual-flow-backend/internal/canvas"
)

var (
	ErrProposalNotFound = errors.New("review: proposal not found")
	ErrAlreadyDecided   = errors.New("review: proposal already decided")
	ErrInvalidProposal  = errors.New("review: invalid proposal")
)

var operationTypes = map[string]struct{}{
	"create": {},
	"update": {},
	"delete": {},
	"move":   {},
}

// ProposalDraft is the submitted change-set before validation.
type ProposalDraft struct {
	Title       string
	Description string
	Operations  []Operation
	Rationale   string
	Assumptions []string
	Confidence  float64
}

// ProposalManagerConfig describes the dependencies of the proposal manager.
type ProposalManagerConfig struct {
	Database *gorm.DB
	Access   *canvas.AccessControl
	Clock    func() time.Time
	Logger   *zap.Logger
}

// ProposalManager owns the proposal review state machine: pending is the
// only state that can transition, and it transitions exactly once.
type ProposalManager struct {
	db     *gorm.DB
	access *canvas.AccessControl
	now    func() time.Time
	logger *zap.Logger
}

// NewProposalManager constructs the proposal manager.
func NewProposalManager(cfg ProposalManagerConfig) (*ProposalManager, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Access == nil {
		return nil, errMissingAccess
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProposalManager{
		db:     cfg.Database,
		access: cfg.Access,
		now:    clock,
		logger: logger,
	}, nil
}

// Create validates and persists a pending proposal against a branch. The
// branch is resolved first to obtain the canvas and agent binding.
func (m *ProposalManager) Create(ctx context.Context, identity auth.Identity, branchID string, draft ProposalDraft) (Proposal, error) {
	var branch Branch
	err := m.db.WithContext(ctx).Where("id = ?", branchID).Take(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Proposal{}, ErrBranchNotFound
	}
	if err != nil {
		return Proposal{}, err
	}

	if err := auth.CheckScope(identity, auth.ScopePropose, branch.CanvasID).Err(); err != nil {
		return Proposal{}, err
	}
	if _, err := m.access.Check(ctx, identity.User.ID, branch.CanvasID, canvas.RoleEditor); err != nil {
		return Proposal{}, err
	}

	if err := validateDraft(draft); err != nil {
		return Proposal{}, err
	}

	operationsJSON, err := json.Marshal(draft.Operations)
	if err != nil {
		return Proposal{}, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	assumptions := draft.Assumptions
	if assumptions == nil {
		assumptions = []string{}
	}
	assumptionsJSON, err := json.Marshal(assumptions)
	if err != nil {
		return Proposal{}, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}

	record := Proposal{
		ID:              uuid.NewString(),
		BranchID:        branch.ID,
		CanvasID:        branch.CanvasID,
		AgentID:         branch.AgentID,
		Status:          ProposalPending,
		Title:           strings.TrimSpace(draft.Title),
		Description:     strings.TrimSpace(draft.Description),
		OperationsJSON:  string(operationsJSON),
		Rationale:       strings.TrimSpace(draft.Rationale),
		AssumptionsJSON: string(assumptionsJSON),
		Confidence:      draft.Confidence,
		CreatedAt:       m.now().UTC(),
	}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Proposal{}, err
	}

	m.logger.Info("proposal submitted",
		zap.String("proposal_id", record.ID),
		zap.String("branch_id", branch.ID),
		zap.String("canvas_id", branch.CanvasID),
		zap.Float64("confidence", draft.Confidence))

	return record, nil
}

// Get fetches a proposal the acting identity is allowed to see.
func (m *ProposalManager) Get(ctx context.Context, identity auth.Identity, proposalID string) (Proposal, error) {
	record, err := m.load(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if err := auth.CheckScope(identity, auth.ScopeRead, record.CanvasID).Err(); err != nil {
		return Proposal{}, err
	}
	if _, err := m.access.Check(ctx, identity.User.ID, record.CanvasID, ""); err != nil {
		return Proposal{}, err
	}
	return record, nil
}

// ListForCanvas returns the proposals of a canvas the identity is a member of.
func (m *ProposalManager) ListForCanvas(ctx context.Context, identity auth.Identity, canvasID string) ([]Proposal, error) {
	if err := auth.CheckScope(identity, auth.ScopeRead, canvasID).Err(); err != nil {
		return nil, err
	}
	if _, err := m.access.Check(ctx, identity.User.ID, canvasID, ""); err != nil {
		return nil, err
	}
	var records []Proposal
	err := m.db.WithContext(ctx).
		Where("canvas_id = ?", canvasID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// Approve transitions a pending proposal to approved. Requires
// trusted-propose scope and editor-or-above access.
func (m *ProposalManager) Approve(ctx context.Context, identity auth.Identity, proposalID string) (Proposal, error) {
	return m.decide(ctx, identity, proposalID, ProposalApproved)
}

// Reject transitions a pending proposal to rejected. Requires
// trusted-propose scope and editor-or-above access.
func (m *ProposalManager) Reject(ctx context.Context, identity auth.Identity, proposalID string) (Proposal, error) {
	return m.decide(ctx, identity, proposalID, ProposalRejected)
}

// decide performs the status transition as a single conditional update so a
// concurrent reviewer cannot decide the same proposal twice. Zero affected
// rows means the proposal left pending between load and update.
func (m *ProposalManager) decide(ctx context.Context, identity auth.Identity, proposalID string, status ProposalStatus) (Proposal, error) {
	record, err := m.load(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if err := auth.CheckScope(identity, auth.ScopeTrustedPropose, record.CanvasID).Err(); err != nil {
		return Proposal{}, err
	}
	if _, err := m.access.Check(ctx, identity.User.ID, record.CanvasID, canvas.RoleEditor); err != nil {
		return Proposal{}, err
	}
	if record.Status != ProposalPending {
		return Proposal{}, ErrAlreadyDecided
	}

	now := m.now().UTC()
	result := m.db.WithContext(ctx).Model(&Proposal{}).
		Where("id = ? AND status = ?", proposalID, ProposalPending).
		Updates(map[string]interface{}{
			"status":      status,
			"reviewed_at": now,
			"reviewed_by": identity.User.ID,
		})
	if result.Error != nil {
		return Proposal{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Proposal{}, ErrAlreadyDecided
	}

	m.logger.Info("proposal decided",
		zap.String("proposal_id", proposalID),
		zap.String("status", string(status)),
		zap.String("reviewed_by", identity.User.ID))

	return m.load(ctx, proposalID)
}

func (m *ProposalManager) load(ctx context.Context, proposalID string) (Proposal, error) {
	var record Proposal
	err := m.db.WithContext(ctx).Where("id = ?", proposalID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Proposal{}, ErrProposalNotFound
	}
	return record, err
}

func validateDraft(draft ProposalDraft) error {
	if strings.TrimSpace(draft.Title) == "" {
		return fmt.Errorf("%w: title required", ErrInvalidProposal)
	}
	if strings.TrimSpace(draft.Description) == "" {
		return fmt.Errorf("%w: description required", ErrInvalidProposal)
	}
	if strings.TrimSpace(draft.Rationale) == "" {
		return fmt.Errorf("%w: rationale required", ErrInvalidProposal)
	}
	if len(draft.Operations) == 0 {
		return fmt.Errorf("%w: at least one operation required", ErrInvalidProposal)
	}
	if draft.Confidence < 0 || draft.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be within [0, 1]", ErrInvalidProposal)
	}
	for i, op := range draft.Operations {
		if _, ok := operationTypes[op.Type]; !ok {
			return fmt.Errorf("%w: operation %d has unknown type %q", ErrInvalidProposal, i, op.Type)
		}
		if strings.TrimSpace(op.NodeID) == "" {
			return fmt.Errorf("%w: operation %d missing nodeId", ErrInvalidProposal, i)
		}
	}
	return nil
}
