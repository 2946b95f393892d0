package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Free-tier ceilings. Checks count live rows at decision time, so two
// concurrent creations can both pass and jointly exceed a limit by one; the
// ceilings are advisory, not hard storage constraints.
const (
	MaxCanvasesPerUser   = 10
	MaxMembersPerCanvas  = 5
	MaxTokensPerCanvas   = 3
	MaxBranchesPerCanvas = 10
)

var errMissingDatabase = errors.New("quota: database connection required")

// Result reports a quota decision with enough detail for a precise message.
type Result struct {
	Allowed bool  `json:"allowed"`
	Current int64 `json:"current"`
	Limit   int64 `json:"limit"`
}

func (r Result) String() string {
	return fmt.Sprintf("%d of %d used", r.Current, r.Limit)
}

// ManagerConfig describes the dependencies of the quota manager.
type ManagerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Manager answers per-resource admission checks against the fixed ceilings.
// Counts go through table names rather than model types so the package
// stays free of domain imports.
type Manager struct {
	db  *gorm.DB
	now func() time.Time
}

// NewManager constructs the quota manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{db: cfg.Database, now: clock}, nil
}

// OwnedCanvases checks whether the user may create another canvas.
func (m *Manager) OwnedCanvases(ctx context.Context, userID string) (Result, error) {
	var current int64
	err := m.db.WithContext(ctx).Table("canvases").
		Where("owner_id = ?", userID).
		Count(&current).Error
	return decide(current, MaxCanvasesPerUser), err
}

// CanvasMembers checks whether the canvas may take another member.
func (m *Manager) CanvasMembers(ctx context.Context, canvasID string) (Result, error) {
	var current int64
	err := m.db.WithContext(ctx).Table("canvas_memberships").
		Where("canvas_id = ?", canvasID).
		Count(&current).Error
	return decide(current, MaxMembersPerCanvas), err
}

// AgentTokens checks whether another unexpired token may be issued for the
// canvas.
func (m *Manager) AgentTokens(ctx context.Context, canvasID string) (Result, error) {
	var current int64
	err := m.db.WithContext(ctx).Table("agent_tokens").
		Where("canvas_id = ? AND expires_at > ?", canvasID, m.now().UTC()).
		Count(&current).Error
	return decide(current, MaxTokensPerCanvas), err
}

// ActiveBranches checks whether another active branch may be opened against
// the canvas.
func (m *Manager) ActiveBranches(ctx context.Context, canvasID string) (Result, error) {
	var current int64
	err := m.db.WithContext(ctx).Table("branches").
		Where("canvas_id = ? AND status = ?", canvasID, "active").
		Count(&current).Error
	return decide(current, MaxBranchesPerCanvas), err
}

func decide(current, limit int64) Result {
	return Result{Allowed: current < limit, Current: current, Limit: limit}
}

// ExceededError reports a denied admission check. Services return it so the
// HTTP layer can render the precise current/limit pair.
type ExceededError struct {
	Resource string
	Current  int64
	Limit    int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %d used", e.Resource, e.Current, e.Limit)
}

// Exceeded wraps a denied Result into an ExceededError.
func Exceeded(resource string, result Result) *ExceededError {
	return &ExceededError{Resource: resource, Current: result.Current, Limit: result.Limit}
}
