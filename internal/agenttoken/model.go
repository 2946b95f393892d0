package agenttoken

import (
	"time"

	"github.com/goblinsan/visual-flow-backend/internal/auth"
)

// AgentToken is the persisted record of an issued agent credential. Only the
// SHA-256 hash of the secret is stored; the plaintext exists transiently at
// issuance and is unrecoverable afterwards.
type AgentToken struct {
	ID        string     `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	CanvasID  string     `gorm:"column:canvas_id;size:64;not null;index" json:"canvas_id"`
	AgentID   string     `gorm:"column:agent_id;size:190;not null" json:"agent_id"`
	TokenHash string     `gorm:"column:token_hash;size:64;not null;uniqueIndex" json:"-"`
	Scope     auth.Scope `gorm:"column:scope;size:32;not null" json:"scope"`
	ExpiresAt time.Time  `gorm:"column:expires_at;not null" json:"expires_at"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName exposes the table backing agent tokens.
func (AgentToken) TableName() string {
	return "agent_tokens"
}

// LinkCode is a short-lived, single-use code exchangeable for a full agent
// token. Once consumed_at is set the exchange must fail even before expiry.
type LinkCode struct {
	ID         string     `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	CanvasID   string     `gorm:"column:canvas_id;size:64;not null;index" json:"canvas_id"`
	AgentID    string     `gorm:"column:agent_id;size:190;not null" json:"agent_id"`
	Scope      auth.Scope `gorm:"column:scope;size:32;not null" json:"scope"`
	CodeHash   string     `gorm:"column:code_hash;size:64;not null;index" json:"-"`
	ExpiresAt  time.Time  `gorm:"column:expires_at;not null" json:"expires_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	ConsumedAt *time.Time `gorm:"column:consumed_at" json:"consumed_at,omitempty"`
}

// TableName exposes the table backing link codes.
func (LinkCode) TableName() string {
	return "agent_link_codes"
}
