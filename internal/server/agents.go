package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goblinsan/visual-flow-backend/internal/auth"
	"github.com/goblinsan/visual-flow-backend/internal/canvas"
	"github.com/goblinsan/visual-flow-backend/internal/quota"
)

type issueTokenPayload struct {
	AgentID string `json:"agent_id"`
	Scope   string `json:"scope"`
}

type connectPayload struct {
	CanvasID string `json:"canvas_id"`
	AgentID  string `json:"agent_id"`
	Scope    string `json:"scope"`
}

type exchangePayload struct {
	Code string `json:"code"`
}

// authorizeTokenManagement gates every token and link-code operation: only a
// human identity holding the owner role on the canvas may manage agent
// credentials.
func (h *httpHandler) authorizeTokenManagement(c *gin.Context, canvasID string) bool {
	identity := identityFrom(c)
	if err := auth.RequireHuman(identity).Err(); err != nil {
		h.respondError(c, err)
		return false
	}
	if _, err := h.access.Check(c.Request.Context(), identity.User.ID, canvasID, canvas.RoleOwner); err != nil {
		h.respondError(c, err)
		return false
	}
	return true
}

func (h *httpHandler) checkTokenQuota(c *gin.Context, canvasID string) bool {
	result, err := h.quotas.AgentTokens(c.Request.Context(), canvasID)
	if err != nil {
		h.respondError(c, err)
		return false
	}
	if !result.Allowed {
		h.respondError(c, quota.Exceeded("agent tokens", result))
		return false
	}
	return true
}

func (h *httpHandler) handleListAgentTokens(c *gin.Context) {
	canvasID := c.Param("id")
	if !h.authorizeTokenManagement(c, canvasID) {
		return
	}

	records, err := h.tokens.List(c.Request.Context(), canvasID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": records})
}

func (h *httpHandler) handleIssueAgentToken(c *gin.Context) {
	canvasID := c.Param("id")
	if !h.authorizeTokenManagement(c, canvasID) {
		return
	}

	var payload issueTokenPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scope, err := auth.ParseScope(payload.Scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !h.checkTokenQuota(c, canvasID) {
		return
	}

	secret, record, err := h.tokens.Issue(c.Request.Context(), canvasID, payload.AgentID, scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	// The plaintext secret appears in this response and nowhere else.
	c.JSON(http.StatusCreated, gin.H{"token": secret, "agent_token": record})
}

func (h *httpHandler) handleRevokeAgentToken(c *gin.Context) {
	canvasID := c.Param("id")
	if !h.authorizeTokenManagement(c, canvasID) {
		return
	}

	agentID := c.Param("agentId")
	if err := h.tokens.Revoke(c.Request.Context(), canvasID, agentID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": agentID})
}

func (h *httpHandler) handleAgentConnect(c *gin.Context) {
	var payload connectPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.CanvasID == "" || payload.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.authorizeTokenManagement(c, payload.CanvasID) {
		return
	}
	scope, err := auth.ParseScope(payload.Scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !h.checkTokenQuota(c, payload.CanvasID) {
		return
	}

	secret, record, err := h.tokens.Issue(c.Request.Context(), payload.CanvasID, payload.AgentID, scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": secret, "agent_token": record})
}

func (h *httpHandler) handleCreateLinkCode(c *gin.Context) {
	var payload connectPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.CanvasID == "" || payload.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.authorizeTokenManagement(c, payload.CanvasID) {
		return
	}
	scope, err := auth.ParseScope(payload.Scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !h.checkTokenQuota(c, payload.CanvasID) {
		return
	}

	code, record, err := h.tokens.CreateLinkCode(c.Request.Context(), payload.CanvasID, payload.AgentID, scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": code, "expires_at": record.ExpiresAt})
}

func (h *httpHandler) handleExchangeLinkCode(c *gin.Context) {
	var payload exchangePayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	secret, record, err := h.tokens.ExchangeLinkCode(c.Request.Context(), payload.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": secret, "agent_token": record})
}
