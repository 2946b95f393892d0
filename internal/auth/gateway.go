package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/goblinsan/visual-flow-backend/internal/users"
)

// AgentTokenPrefix is the recognizable prefix carried by every agent bearer
// secret. Presented tokens without it are not treated as agent tokens.
const AgentTokenPrefix = "cvt_"

// DevIdentityHeader names the development-only identity fallback header. It
// is ignored entirely when the gateway runs with production hardening.
const DevIdentityHeader = "X-Dev-User-Email"

// ErrUnauthenticated is returned whenever no valid identity can be resolved
// from a request. Callers must map it to 401.
var ErrUnauthenticated = errors.New("auth: no valid identity")

var (
	errMissingTokenResolver = errors.New("auth: token resolver dependency required")
	errMissingOwnerResolver = errors.New("auth: owner resolver dependency required")
	errMissingUserService   = errors.New("auth: user service dependency required")
)

// ResolvedAgentToken is the token metadata the gateway needs to build an
// agent identity.
type ResolvedAgentToken struct {
	ID       string
	CanvasID string
	AgentID  string
	Scope    Scope
}

// TokenResolver resolves a presented opaque agent token. Implementations
// must treat unknown and expired tokens identically.
type TokenResolver interface {
	Resolve(ctx context.Context, presented string) (ResolvedAgentToken, error)
}

// OwnerResolver looks up the owner of a canvas; an agent token acts on
// behalf of the owner of the canvas it is bound to.
type OwnerResolver interface {
	CanvasOwner(ctx context.Context, canvasID string) (users.User, error)
}

// UserUpserter lazily creates user rows for verified session identities.
type UserUpserter interface {
	EnsureUser(ctx context.Context, email, displayName string) (users.User, error)
}

// SessionVerifier validates a signed identity token from the session cookie.
type SessionVerifier interface {
	Verify(ctx context.Context, rawToken string) (IdentityClaims, error)
}

// GatewayConfig describes the dependencies of the authentication gateway.
type GatewayConfig struct {
	Tokens         TokenResolver
	Owners         OwnerResolver
	Users          UserUpserter
	Sessions       SessionVerifier
	CookieName     string
	AllowDevHeader bool
	Logger         *zap.Logger
}

// Gateway resolves incoming requests to identities. Resolution precedence,
// first match wins: agent bearer token, signed session cookie, then the
// development header fallback when enabled.
type Gateway struct {
	tokens         TokenResolver
	owners         OwnerResolver
	users          UserUpserter
	sessions       SessionVerifier
	cookieName     string
	allowDevHeader bool
	logger         *zap.Logger
}

// NewGateway constructs the gateway with validated dependencies. Sessions may
// be nil in development deployments that rely solely on the header fallback.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokenResolver
	}
	if cfg.Owners == nil {
		return nil, errMissingOwnerResolver
	}
	if cfg.Users == nil {
		return nil, errMissingUserService
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = "vf_session"
	}
	return &Gateway{
		tokens:         cfg.Tokens,
		owners:         cfg.Owners,
		users:          cfg.Users,
		sessions:       cfg.Sessions,
		cookieName:     cookieName,
		allowDevHeader: cfg.AllowDevHeader,
		logger:         logger,
	}, nil
}

// Authenticate resolves the request to an identity or ErrUnauthenticated.
// A present-but-invalid credential fails the whole request rather than
// falling through to a weaker mechanism.
func (g *Gateway) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if bearer, ok := bearerToken(r); ok {
		return g.authenticateAgent(ctx, bearer)
	}

	if cookie, err := r.Cookie(g.cookieName); err == nil && cookie.Value != "" {
		if g.sessions == nil {
			return Identity{}, ErrUnauthenticated
		}
		return g.authenticateSession(ctx, cookie.Value)
	}

	if g.allowDevHeader {
		if email := strings.TrimSpace(r.Header.Get(DevIdentityHeader)); email != "" {
			user, err := g.users.EnsureUser(ctx, email, "")
			if err != nil {
				g.logger.Warn("dev identity upsert failed", zap.Error(err))
				return Identity{}, ErrUnauthenticated
			}
			return Identity{User: user}, nil
		}
	}

	return Identity{}, ErrUnauthenticated
}

func (g *Gateway) authenticateAgent(ctx context.Context, presented string) (Identity, error) {
	resolved, err := g.tokens.Resolve(ctx, presented)
	if err != nil {
		g.logger.Info("agent token resolution failed", zap.Error(err))
		return Identity{}, ErrUnauthenticated
	}

	owner, err := g.owners.CanvasOwner(ctx, resolved.CanvasID)
	if err != nil {
		g.logger.Warn("canvas owner lookup failed",
			zap.String("canvas_id", resolved.CanvasID), zap.Error(err))
		return Identity{}, ErrUnauthenticated
	}

	return Identity{
		User: owner,
		Agent: &AgentContext{
			TokenID:  resolved.ID,
			CanvasID: resolved.CanvasID,
			AgentID:  resolved.AgentID,
			Scope:    resolved.Scope,
		},
	}, nil
}

func (g *Gateway) authenticateSession(ctx context.Context, rawToken string) (Identity, error) {
	claims, err := g.sessions.Verify(ctx, rawToken)
	if err != nil {
		// Expired and malformed tokens are routine; anything else is
		// worth a closer look in the logs.
		if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenMalformed) {
			g.logger.Info("session verification failed", zap.Error(err))
		} else {
			g.logger.Warn("session verification failed", zap.Error(err))
		}
		return Identity{}, ErrUnauthenticated
	}

	user, err := g.users.EnsureUser(ctx, claims.Email, claims.DisplayName)
	if err != nil {
		g.logger.Error("user upsert failed", zap.Error(err))
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	return Identity{User: user}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
