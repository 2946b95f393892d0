package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/goblinsan/visual-flow-backend/internal/agenttoken"
	"github.com/goblinsan/visual-flow-backend/internal/auth"
	"github.com/goblinsan/visual-flow-backend/internal/canvas"
	"github.com/goblinsan/visual-flow-backend/internal/quota"
	"github.com/goblinsan/visual-flow-backend/internal/review"
)

// respondError is the single mapping from service errors to HTTP responses.
// Role denials and missing resources share a 404 so a non-member cannot
// confirm that a canvas exists. Unexpected errors surface as a bare 500;
// details stay in the server log.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var quotaErr *quota.ExceededError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})

	case errors.Is(err, auth.ErrScopeDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})

	case errors.As(err, &quotaErr):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   quotaErr.Error(),
			"current": quotaErr.Current,
			"limit":   quotaErr.Limit,
		})

	case errors.Is(err, canvas.ErrNoAccess),
		errors.Is(err, canvas.ErrCanvasNotFound),
		errors.Is(err, review.ErrBranchNotFound),
		errors.Is(err, review.ErrProposalNotFound),
		errors.Is(err, agenttoken.ErrTokenNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})

	case errors.Is(err, review.ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": "proposal already decided"})

	case errors.Is(err, review.ErrInvalidProposal),
		errors.Is(err, canvas.ErrInvalidTitle),
		errors.Is(err, canvas.ErrOwnerRole),
		errors.Is(err, canvas.ErrAlreadyMember),
		errors.Is(err, canvas.ErrUserNotFound),
		errors.Is(err, canvas.ErrUnknownRole),
		errors.Is(err, auth.ErrUnknownScope),
		errors.Is(err, agenttoken.ErrLinkCodeInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	default:
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func respondRateLimited(c *gin.Context, retryAfter int) {
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limited",
		"retry_after": retryAfter,
	})
}
