package canvas

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

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

	if err := db.AutoMigrate(&users.User{}, &Canvas{}, &Membership{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	// The delete cascade reaches these tables by name; the owning packages
	// sit above this one, so the tests lay out minimal stand-ins.
	for _, table := range []string{"agent_tokens", "agent_link_codes", "branches", "proposals"} {
		stmt := "CREATE TABLE " + table + " (id TEXT PRIMARY KEY, canvas_id TEXT NOT NULL)"
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("failed to create %s: %v", table, err)
		}
	}
	return db
}

type fixture struct {
	db      *gorm.DB
	service *Service
	access  *AccessControl
	users   *users.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := openTestDB(t)
	fixed := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected user service error: %v", err)
	}
	quotas, err := quota.NewManager(quota.ManagerConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected quota manager error: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Quotas:   quotas,
		Users:    userService,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("unexpected service constructor error: %v", err)
	}
	access, err := NewAccessControl(db)
	if err != nil {
		t.Fatalf("unexpected access constructor error: %v", err)
	}
	return &fixture{db: db, service: service, access: access, users: userService}
}

func (f *fixture) user(t *testing.T, email string) users.User {
	t.Helper()
	user, err := f.users.EnsureUser(context.Background(), email, "")
	if err != nil {
		t.Fatalf("failed to create user %s: %v", email, err)
	}
	return user
}

func TestCreateCanvasGrantsOwnerMembership(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com")

	record, err := f.service.Create(context.Background(), owner.ID, "Launch plan")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if record.OwnerID != owner.ID {
		t.Fatalf("unexpected owner %s", record.OwnerID)
	}

	role, err := f.access.Check(context.Background(), owner.ID, record.ID, RoleOwner)
	if err != nil {
		t.Fatalf("owner should hold the owner role: %v", err)
	}
	if role != RoleOwner {
		t.Fatalf("unexpected role %s", role)
	}
}

func TestCreateCanvasRejectsEmptyTitle(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com")

	if _, err := f.service.Create(context.Background(), owner.ID, "   "); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected invalid title error, got %v", err)
	}
}

func TestCreateCanvasEnforcesQuota(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com")

	for i := 0; i < quota.MaxCanvasesPerUser; i++ {
		if _, err := f.service.Create(context.Background(), owner.ID, fmt.Sprintf("Canvas %d", i)); err != nil {
			t.Fatalf("creation %d should be within quota: %v", i, err)
		}
	}

	_, err := f.service.Create(context.Background(), owner.ID, "One too many")
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected quota exceeded error, got %v", err)
	}
	if exceeded.Current != quota.MaxCanvasesPerUser || exceeded.Limit != quota.MaxCanvasesPerUser {
		t.Fatalf("unexpected quota detail %+v", exceeded)
	}
}

func TestListForUserReturnsMemberships(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com")
	member := f.user(t, "member@example.com")

	mine, err := f.service.Create(context.Background(), owner.ID, "Mine")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if _, err := f.service.Create(context.Background(), member.ID, "Theirs"); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if _, err := f.service.AddMember(context.Background(), mine.ID, member.Email, RoleViewer, owner.ID); err != nil {
		t.Fatalf("unexpected add member error: %v", err)
	}

	records, err := f.service.ListForUser(context.Background(), member.ID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected the member's own canvas plus the shared one, got %d", len(records))
	}
}

func TestUpdateTitle(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com")

	record, err := f.service.Create(context.Background(), owner.ID, "Before")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	updated, err := f.service.UpdateTitle(context.Background(), record.ID, "After")
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated.Title != "After" {
		t.Fatalf("unexpected title %q", updated.Title)
	}

	if _, err := f.service.UpdateTitle(context.Background(), "missing", "X"); !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com")

	record, err := f.service.Create(context.Background(), owner.ID, "Doomed")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	for _, table := range []string{"agent_tokens", "agent_link_codes", "branches", "proposals"} {
		stmt := "INSERT INTO " + table + " (id, canvas_id) VALUES (?, ?)"
		if err := f.db.Exec(stmt, table+"-row", record.ID).Error; err != nil {
			t.Fatalf("failed to seed %s: %v", table, err)
		}
	}

	if err := f.service.Delete(context.Background(), record.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	if _, err := f.service.Get(context.Background(), record.ID); !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("expected canvas to be gone, got %v", err)
	}
	for _, table := range []string{"canvas_memberships", "agent_tokens", "agent_link_codes", "branches", "proposals"} {
		var count int64
		if err := f.db.Table(table).Where("canvas_id = ?", record.ID).Count(&count).Error; err != nil {
			t.Fatalf("failed to count %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("expected %s rows to be cascaded away, found %d", table, count)
		}
	}

	if err := f.service.Delete(context.Background(), record.ID); !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
}

func TestAddMemberRules(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com")
	member := f.user(t, "member@example.com")

	record, err := f.service.Create(context.Background(), owner.ID, "Shared")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if _, err := f.service.AddMember(context.Background(), record.ID, member.Email, RoleOwner, owner.ID); !errors.Is(err, ErrOwnerRole) {
		t.Fatalf("expected owner role to be unassignable, got %v", err)
	}
	if _, err := f.service.AddMember(context.Background(), record.ID, member.Email, Role("admin"), owner.ID); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role error, got %v", err)
	}
	if _, err := f.service.AddMember(context.Background(), record.ID, "ghost@example.com", RoleViewer, owner.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}

	membership, err := f.service.AddMember(context.Background(), record.ID, member.Email, RoleEditor, owner.ID)
	if err != nil {
		t.Fatalf("unexpected add member error: %v", err)
	}
	if membership.Role != RoleEditor || membership.InvitedBy != owner.ID {
		t.Fatalf("unexpected membership %+v", membership)
	}

	if _, err := f.service.AddMember(context.Background(), record.ID, member.Email, RoleViewer, owner.ID); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected duplicate member error, got %v", err)
	}
}

func TestAddMemberEnforcesQuota(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com")

	record, err := f.service.Create(context.Background(), owner.ID, "Crowded")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	// The owner's membership already occupies one slot.
	for i := 0; i < quota.MaxMembersPerCanvas-1; i++ {
		guest := f.user(t, fmt.Sprintf("guest%d@example.com", i))
		if _, err := f.service.AddMember(context.Background(), record.ID, guest.Email, RoleViewer, owner.ID); err != nil {
			t.Fatalf("member %d should be within quota: %v", i, err)
		}
	}

	extra := f.user(t, "extra@example.com")
	_, err = f.service.AddMember(context.Background(), record.ID, extra.Email, RoleViewer, owner.ID)
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected quota exceeded error, got %v", err)
	}
}

func TestCanvasOwnerResolvesOwnerUser(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner@example.com")

	record, err := f.service.Create(context.Background(), owner.ID, "Owned")
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	resolved, err := f.service.CanvasOwner(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("unexpected owner resolution error: %v", err)
	}
	if resolved.ID != owner.ID {
		t.Fatalf("resolved %s, expected %s", resolved.ID, owner.ID)
	}

	if _, err := f.service.CanvasOwner(context.Background(), "missing"); !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
