package canvas

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the per-canvas human access level. Levels form a total order:
// viewer < editor < owner.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// ErrUnknownRole indicates a role string outside the membership hierarchy.
var ErrUnknownRole = errors.New("canvas: unknown role")

// Level returns the position of the role in the membership hierarchy, or -1
// for an unknown role.
func (r Role) Level() int {
	switch r {
	case RoleViewer:
		return 0
	case RoleEditor:
		return 1
	case RoleOwner:
		return 2
	default:
		return -1
	}
}

// ParseRole validates an untrusted role string.
func ParseRole(value string) (Role, error) {
	role := Role(strings.TrimSpace(value))
	if role.Level() < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, value)
	}
	return role, nil
}

// Canvas is a shared design document. The owning membership row is created
// in the same transaction as the canvas itself.
type Canvas struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	OwnerID   string    `gorm:"column:owner_id;size:64;not null;index" json:"owner_id"`
	Title     string    `gorm:"column:title;size:320;not null" json:"title"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing canvases.
func (Canvas) TableName() string {
	return "canvases"
}

// Membership grants a user a role on a canvas. One row per (canvas, user);
// exactly one owner row exists per canvas.
type Membership struct {
	CanvasID  string    `gorm:"column:canvas_id;primaryKey;size:64;not null" json:"canvas_id"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:64;not null" json:"user_id"`
	Role      Role      `gorm:"column:role;size:32;not null" json:"role"`
	InvitedBy string    `gorm:"column:invited_by;size:64" json:"invited_by,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName exposes the table backing canvas memberships.
func (Membership) TableName() string {
	return "canvas_memberships"
}
