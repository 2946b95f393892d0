package users

import (
	"strings"
	"time"
)

// User is the canonical record for a human collaborator. Rows are created
// lazily on first successful authentication and are never deleted here.
type User struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	Email       string    `gorm:"column:email;size:320;not null;uniqueIndex" json:"email"`
	DisplayName string    `gorm:"column:display_name;size:320" json:"display_name,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing user records.
func (User) TableName() string {
	return "users"
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
