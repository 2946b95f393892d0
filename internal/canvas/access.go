package canvas

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrNoAccess is returned for missing memberships and for roles below the
// requirement alike. Callers surface it as "not found" so a non-member
// cannot confirm that a canvas exists.
var ErrNoAccess = errors.New("canvas: no access")

// AccessControl answers membership-role checks for a canvas.
type AccessControl struct {
	db *gorm.DB
}

// NewAccessControl constructs the access checker.
func NewAccessControl(db *gorm.DB) (*AccessControl, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &AccessControl{db: db}, nil
}

// Check resolves the user's membership on the canvas and enforces the role
// requirement. The zero-value requirement admits any member (read access);
// RoleOwner demands an exact owner row; RoleEditor admits owner and editor.
func (a *AccessControl) Check(ctx context.Context, userID, canvasID string, required Role) (Role, error) {
	var membership Membership
	err := a.db.WithContext(ctx).
		Where("canvas_id = ? AND user_id = ?", canvasID, userID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoAccess
	}
	if err != nil {
		return "", err
	}

	if required == "" {
		return membership.Role, nil
	}
	if required == RoleOwner && membership.Role != RoleOwner {
		return "", ErrNoAccess
	}
	if membership.Role.Level() < required.Level() {
		return "", ErrNoAccess
	}
	return membership.Role, nil
}
