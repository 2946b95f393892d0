package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/goblinsan/visual-flow-backend/internal/review"
)

type createBranchPayload struct {
	AgentID     string `json:"agent_id"`
	BaseVersion int64  `json:"base_version"`
}

type createProposalPayload struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Operations  []review.Operation `json:"operations"`
	Rationale   string             `json:"rationale"`
	Assumptions []string           `json:"assumptions"`
	Confidence  *float64           `json:"confidence"`
}

type proposalResponse struct {
	review.Proposal
	Operations  []review.Operation `json:"operations"`
	Assumptions []string           `json:"assumptions"`
}

func newProposalResponse(record review.Proposal) proposalResponse {
	ops, _ := record.Operations()
	assumptions, _ := record.Assumptions()
	if assumptions == nil {
		assumptions = []string{}
	}
	return proposalResponse{Proposal: record, Operations: ops, Assumptions: assumptions}
}

func (h *httpHandler) handleListBranches(c *gin.Context) {
	identity := identityFrom(c)
	records, err := h.branches.ListForCanvas(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": records})
}

func (h *httpHandler) handleCreateBranch(c *gin.Context) {
	identity := identityFrom(c)
	canvasID := c.Param("id")

	var payload createBranchPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// Agents always work under their own token binding; humans may name the
	// agent the branch is staged for, defaulting to themselves.
	agentID := payload.AgentID
	if identity.IsAgent() {
		agentID = identity.Agent.AgentID
	} else if agentID == "" {
		agentID = "user:" + identity.User.ID
	}

	record, err := h.branches.Create(c.Request.Context(), identity, canvasID, agentID, payload.BaseVersion)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *httpHandler) handleGetBranch(c *gin.Context) {
	identity := identityFrom(c)
	record, err := h.branches.Get(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeleteBranch(c *gin.Context) {
	identity := identityFrom(c)
	branchID := c.Param("id")
	if err := h.branches.Delete(c.Request.Context(), identity, branchID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": branchID})
}

func (h *httpHandler) handleListProposals(c *gin.Context) {
	identity := identityFrom(c)
	records, err := h.proposals.ListForCanvas(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	responses := make([]proposalResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, newProposalResponse(record))
	}
	c.JSON(http.StatusOK, gin.H{"proposals": responses})
}

func (h *httpHandler) handleCreateProposal(c *gin.Context) {
	identity := identityFrom(c)
	branchID := c.Param("id")

	var payload createProposalPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if payload.Confidence == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confidence required"})
		return
	}

	record, err := h.proposals.Create(c.Request.Context(), identity, branchID, review.ProposalDraft{
		Title:       payload.Title,
		Description: payload.Description,
		Operations:  payload.Operations,
		Rationale:   payload.Rationale,
		Assumptions: payload.Assumptions,
		Confidence:  *payload.Confidence,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newProposalResponse(record))
}

func (h *httpHandler) handleGetProposal(c *gin.Context) {
	identity := identityFrom(c)
	record, err := h.proposals.Get(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newProposalResponse(record))
}

func (h *httpHandler) handleApproveProposal(c *gin.Context) {
	identity := identityFrom(c)
	record, err := h.proposals.Approve(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newProposalResponse(record))
}

func (h *httpHandler) handleRejectProposal(c *gin.Context) {
	identity := identityFrom(c)
	record, err := h.proposals.Reject(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newProposalResponse(record))
}
