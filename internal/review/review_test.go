package review

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/goblinsan/visual-flow-backend/internal/auth"
	"github.com/goblinsan/visual-flow-backend/internal/canvas"
	"github.com/goblinsan/visual-flow-backend/internal/quota"
	"github.com/goblinsan/visual-flow-backend/internal/users"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&canvas.Membership{}, &Branch{}, &Proposal{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type fixture struct {
	db        *gorm.DB
	branches  *BranchManager
	proposals *ProposalManager
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := openTestDB(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	access, err := canvas.NewAccessControl(db)
	if err != nil {
		t.Fatalf("unexpected access constructor error: %v", err)
	}
	quotas, err := quota.NewManager(quota.ManagerConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected quota constructor error: %v", err)
	}
	branches, err := NewBranchManager(BranchManagerConfig{
		Database: db,
		Access:   access,
		Quotas:   quotas,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("unexpected branch manager error: %v", err)
	}
	proposals, err := NewProposalManager(ProposalManagerConfig{
		Database: db,
		Access:   access,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("unexpected proposal manager error: %v", err)
	}
	return &fixture{db: db, branches: branches, proposals: proposals, now: now}
}

func (f *fixture) grant(t *testing.T, canvasID, userID string, role canvas.Role) {
	t.Helper()
	membership := canvas.Membership{CanvasID: canvasID, UserID: userID, Role: role}
	if err := f.db.Create(&membership).Error; err != nil {
		t.Fatalf("failed to grant membership: %v", err)
	}
}

func human(userID string) auth.Identity {
	return auth.Identity{User: users.User{ID: userID}}
}

func agent(ownerID, canvasID string, scope auth.Scope) auth.Identity {
	return auth.Identity{
		User: users.User{ID: ownerID},
		Agent: &auth.AgentContext{
			TokenID:  "token-1",
			CanvasID: canvasID,
			AgentID:  "agent-1",
			Scope:    scope,
		},
	}
}

func validDraft() ProposalDraft {
	return ProposalDraft{
		Title:       "Tighten hero spacing",
		Description: "Reduce the gap between the hero headline and subtext.",
		Operations: []Operation{
			{Type: "update", NodeID: "node-1"},
		},
		Rationale:   "The current spacing breaks the vertical rhythm.",
		Assumptions: []string{"Desktop breakpoint only"},
		Confidence:  0.8,
	}
}
