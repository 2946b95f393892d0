package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goblinsan/visual-flow-backend/internal/auth"
	"github.com/goblinsan/visual-flow-backend/internal/canvas"
)

type createCanvasPayload struct {
	Title string `json:"title"`
}

type addMemberPayload struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (h *httpHandler) handleListCanvases(c *gin.Context) {
	identity := identityFrom(c)
	if err := auth.CheckScope(identity, auth.ScopeRead, "").Err(); err != nil {
		h.respondError(c, err)
		return
	}

	records, err := h.canvases.ListForUser(c.Request.Context(), identity.User.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canvases": records})
}

func (h *httpHandler) handleCreateCanvas(c *gin.Context) {
	identity := identityFrom(c)
	if err := auth.CheckScope(identity, auth.ScopeTrustedPropose, "").Err(); err != nil {
		h.respondError(c, err)
		return
	}

	var payload createCanvasPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.canvases.Create(c.Request.Context(), identity.User.ID, payload.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleGetCanvas(c *gin.Context) {
	identity := identityFrom(c)
	canvasID := c.Param("id")
	if err := auth.CheckScope(identity, auth.ScopeRead, canvasID).Err(); err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.access.Check(c.Request.Context(), identity.User.ID, canvasID, ""); err != nil {
		h.respondError(c, err)
		return
	}

	record, err := h.canvases.Get(c.Request.Context(), canvasID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleUpdateCanvas(c *gin.Context) {
	identity := identityFrom(c)
	canvasID := c.Param("id")
	if err := auth.CheckScope(identity, auth.ScopeTrustedPropose, canvasID).Err(); err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.access.Check(c.Request.Context(), identity.User.ID, canvasID, canvas.RoleEditor); err != nil {
		h.respondError(c, err)
		return
	}

	var payload createCanvasPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.canvases.UpdateTitle(c.Request.Context(), canvasID, payload.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeleteCanvas(c *gin.Context) {
	identity := identityFrom(c)
	canvasID := c.Param("id")
	if err := auth.CheckScope(identity, auth.ScopeTrustedPropose, canvasID).Err(); err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.access.Check(c.Request.Context(), identity.User.ID, canvasID, canvas.RoleOwner); err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.canvases.Delete(c.Request.Context(), canvasID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": canvasID})
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	identity := identityFrom(c)
	canvasID := c.Param("id")
	if err := auth.CheckScope(identity, auth.ScopeRead, canvasID).Err(); err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.access.Check(c.Request.Context(), identity.User.ID, canvasID, ""); err != nil {
		h.respondError(c, err)
		return
	}

	records, err := h.canvases.ListMembers(c.Request.Context(), canvasID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": records})
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	identity := identityFrom(c)
	canvasID := c.Param("id")
	if err := auth.CheckScope(identity, auth.ScopeTrustedPropose, canvasID).Err(); err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.access.Check(c.Request.Context(), identity.User.ID, canvasID, canvas.RoleEditor); err != nil {
		h.respondError(c, err)
		return
	}

	var payload addMemberPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	membership, err := h.canvases.AddMember(
		c.Request.Context(), canvasID, payload.Email, canvas.Role(payload.Role), identity.User.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, membership)
}
