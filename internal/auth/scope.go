package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Scope is the capability level granted to an agent token. Levels form a
// total order: read < propose < trusted-propose.
type Scope string

const (
	ScopeRead           Scope = "read"
	ScopePropose        Scope = "propose"
	ScopeTrustedPropose Scope = "trusted-propose"
)

// ErrUnknownScope indicates a scope string outside the capability hierarchy.
var ErrUnknownScope = errors.New("auth: unknown scope")

// Level returns the position of the scope in the capability hierarchy, or -1
// for an unknown scope so that comparisons against it always deny.
func (s Scope) Level() int {
	switch s {
	case ScopeRead:
		return 0
	case ScopePropose:
		return 1
	case ScopeTrustedPropose:
		return 2
	default:
		return -1
	}
}

// Covers reports whether the scope grants at least the required capability.
func (s Scope) Covers(required Scope) bool {
	level := s.Level()
	return level >= 0 && level >= required.Level()
}

// ParseScope validates an untrusted scope string.
func ParseScope(value string) (Scope, error) {
	scope := Scope(strings.TrimSpace(value))
	if scope.Level() < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, value)
	}
	return scope, nil
}

// ErrScopeDenied is the sentinel wrapped by every scope denial.
var ErrScopeDenied = errors.New("auth: insufficient scope")

// Decision is the outcome of a scope check. Denials carry a reason suitable
// for a structured error body; they never carry internals.
type Decision struct {
	Allowed bool
	Reason  string
}

// Err converts a denial into an error wrapping ErrScopeDenied.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrScopeDenied, d.Reason)
}

var allowed = Decision{Allowed: true}

func denied(reason string) Decision {
	return Decision{Reason: reason}
}

// CheckScope enforces the capability hierarchy for the resolved identity.
// Human identities always pass: scopes constrain agents, not people. An agent
// is denied when its token is bound to a different canvas than the one the
// operation targets, or when its capability level is below the requirement.
func CheckScope(identity Identity, required Scope, canvasID string) Decision {
	if !identity.IsAgent() {
		return allowed
	}
	agent := identity.Agent
	if canvasID != "" && canvasID != agent.CanvasID {
		return denied("agent token is not valid for this canvas")
	}
	if !agent.Scope.Covers(required) {
		return denied(fmt.Sprintf("operation requires %s scope", required))
	}
	return allowed
}

// RequireHuman denies any agent identity regardless of scope level. Token and
// link-code management is restricted to humans so an agent can never mint,
// list, or revoke tokens.
func RequireHuman(identity Identity) Decision {
	if identity.IsAgent() {
		return denied("operation requires a human identity")
	}
	return allowed
}
