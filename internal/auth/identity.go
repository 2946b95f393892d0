package auth

import (
	"github.com/goblinsan/visual-flow-backend/internal/users"
)

// AgentContext annotates an identity resolved from an agent bearer token.
// The token binds the agent to exactly one canvas.
type AgentContext struct {
	TokenID  string
	CanvasID string
	AgentID  string
	Scope    Scope
}

// Identity is the result of authentication. For agent tokens the User is the
// owning canvas's owner and Agent carries the token binding; for humans Agent
// is nil.
type Identity struct {
	User  users.User
	Agent *AgentContext
}

// IsAgent reports whether the identity was resolved from an agent token.
func (i Identity) IsAgent() bool {
	return i.Agent != nil
}

// RateKey returns the throttling key for the identity. Agents are keyed by
// their canvas/agent binding so one noisy agent cannot starve the owner.
func (i Identity) RateKey() string {
	if i.Agent != nil {
		return "agent:" + i.Agent.CanvasID + ":" + i.Agent.AgentID
	}
	return "user:" + i.User.ID
}
