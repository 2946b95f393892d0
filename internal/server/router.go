package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/goblinsan/visual-flow-backend/internal/agenttoken"
	"github.com/goblinsan/visual-flow-backend/internal/auth"
	"github.com/goblinsan/visual-flow-backend/internal/canvas"
	"github.com/goblinsan/visual-flow-backend/internal/quota"
	"github.com/goblinsan/visual-flow-backend/internal/ratelimit"
	"github.com/goblinsan/visual-flow-backend/internal/review"
)

const identityContextKey = "vf_identity"

var (
	errMissingGateway   = errors.New("auth gateway dependency required")
	errMissingCanvases  = errors.New("canvas service dependency required")
	errMissingAccess    = errors.New("access control dependency required")
	errMissingTokens    = errors.New("token store dependency required")
	errMissingQuotas    = errors.New("quota manager dependency required")
	errMissingBranches  = errors.New("branch manager dependency required")
	errMissingProposals = errors.New("proposal manager dependency required")
)

// Authenticator resolves a request to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error)
}

// Dependencies wires the HTTP layer to the domain services.
type Dependencies struct {
	Gateway        Authenticator
	Canvases       *canvas.Service
	Access         *canvas.AccessControl
	Tokens         *agenttoken.Store
	Quotas         *quota.Manager
	Branches       *review.BranchManager
	Proposals      *review.ProposalManager
	Limiter        *ratelimit.Limiter
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler assembles the router. Routes are declared once here; every
// mutation path goes through authenticate → rate limit → handler, and the
// handlers delegate scope/role/quota checks to the domain services.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Canvases == nil {
		return nil, errMissingCanvases
	}
	if deps.Access == nil {
		return nil, errMissingAccess
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Quotas == nil {
		return nil, errMissingQuotas
	}
	if deps.Branches == nil {
		return nil, errMissingBranches
	}
	if deps.Proposals == nil {
		return nil, errMissingProposals
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ratelimit.LimiterConfig{})
	}

	handler := &httpHandler{
		gateway:   deps.Gateway,
		canvases:  deps.Canvases,
		access:    deps.Access,
		tokens:    deps.Tokens,
		quotas:    deps.Quotas,
		branches:  deps.Branches,
		proposals: deps.Proposals,
		limiter:   limiter,
		logger:    logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)

	// The link code itself is the credential, so the exchange endpoint is
	// public. It is throttled by client address instead of identity.
	router.POST("/agent/link-code/exchange", handler.rateLimitByAddress, handler.handleExchangeLinkCode)

	protected := router.Group("/")
	protected.Use(handler.authenticate)
	protected.Use(handler.rateLimit)

	protected.GET("/canvases", handler.handleListCanvases)
	protected.POST("/canvases", handler.handleCreateCanvas)
	protected.GET("/canvases/:id", handler.handleGetCanvas)
	protected.PUT("/canvases/:id", handler.handleUpdateCanvas)
	protected.DELETE("/canvases/:id", handler.handleDeleteCanvas)

	protected.GET("/canvases/:id/members", handler.handleListMembers)
	protected.POST("/canvases/:id/members", handler.handleAddMember)

	protected.GET("/canvases/:id/agent-token", handler.handleListAgentTokens)
	protected.POST("/canvases/:id/agent-token", handler.handleIssueAgentToken)
	protected.DELETE("/canvases/:id/agent-token/:agentId", handler.handleRevokeAgentToken)
	protected.POST("/agent/connect", handler.handleAgentConnect)
	protected.POST("/agent/link-code", handler.handleCreateLinkCode)

	protected.GET("/canvases/:id/branches", handler.handleListBranches)
	protected.POST("/canvases/:id/branches", handler.handleCreateBranch)
	protected.GET("/branches/:id", handler.handleGetBranch)
	protected.DELETE("/branches/:id", handler.handleDeleteBranch)

	protected.GET("/canvases/:id/proposals", handler.handleListProposals)
	protected.POST("/branches/:id/proposals", handler.handleCreateProposal)
	protected.GET("/proposals/:id", handler.handleGetProposal)
	protected.POST("/proposals/:id/approve", handler.handleApproveProposal)
	protected.POST("/proposals/:id/reject", handler.handleRejectProposal)

	return router, nil
}

type httpHandler struct {
	gateway   Authenticator
	canvases  *canvas.Service
	access    *canvas.AccessControl
	tokens    *agenttoken.Store
	quotas    *quota.Manager
	branches  *review.BranchManager
	proposals *review.ProposalManager
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", auth.DevIdentityHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = []string{"http://localhost:5173"}
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authenticate(c *gin.Context) {
	identity, err := h.gateway.Authenticate(c.Request.Context(), c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) rateLimit(c *gin.Context) {
	identity := identityFrom(c)
	class := ratelimit.Classify(c.Request.Method, c.Request.URL.Path)
	decision := h.limiter.Allow(identity.RateKey(), class)
	if !decision.Allowed {
		respondRateLimited(c, decision.RetryAfter)
		return
	}
	c.Next()
}

func (h *httpHandler) rateLimitByAddress(c *gin.Context) {
	class := ratelimit.Classify(c.Request.Method, c.Request.URL.Path)
	decision := h.limiter.Allow("addr:"+c.ClientIP(), class)
	if !decision.Allowed {
		respondRateLimited(c, decision.RetryAfter)
		return
	}
	c.Next()
}

func identityFrom(c *gin.Context) auth.Identity {
	value, _ := c.Get(identityContextKey)
	identity, _ := value.(auth.Identity)
	return identity
}
