package review

import (
	"encoding/json"
	"time"
)

// BranchStatus tracks a branch's lifecycle. Active is the only state this
// service writes; merged and abandoned are reserved for the canvas merge
// pipeline that consumes approved proposals.
type BranchStatus string

const (
	BranchActive    BranchStatus = "active"
	BranchMerged    BranchStatus = "merged"
	BranchAbandoned BranchStatus = "abandoned"
)

// Branch is an agent's working line against a canvas, rooted at a base
// version of the document.
type Branch struct {
	ID          string       `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	CanvasID    string       `gorm:"column:canvas_id;size:64;not null;index" json:"canvas_id"`
	AgentID     string       `gorm:"column:agent_id;size:190;not null" json:"agent_id"`
	BaseVersion int64        `gorm:"column:base_version;not null" json:"base_version"`
	Status      BranchStatus `gorm:"column:status;size:32;not null" json:"status"`
	CreatedAt   time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName exposes the table backing branches.
func (Branch) TableName() string {
	return "branches"
}

// ProposalStatus tracks the review state machine. Pending is the only
// non-terminal state; approved and rejected are terminal. Superseded exists
// in the schema for the merge pipeline but is never assigned here.
type ProposalStatus string

const (
	ProposalPending    ProposalStatus = "pending"
	ProposalApproved   ProposalStatus = "approved"
	ProposalRejected   ProposalStatus = "rejected"
	ProposalSuperseded ProposalStatus = "superseded"
)

// Operation is one staged node-tree instruction. The service validates it
// structurally and stores it verbatim; applying it to a document is the
// merge pipeline's job.
type Operation struct {
	Type      string          `json:"type"`
	NodeID    string          `json:"nodeId"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Rationale string          `json:"rationale,omitempty"`
}

// Proposal is a reviewable bundle of operations submitted by an agent.
// Operations and assumptions are stored as serialized JSON columns.
type Proposal struct {
	ID              string         `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	BranchID        string         `gorm:"column:branch_id;size:64;not null;index" json:"branch_id"`
	CanvasID        string         `gorm:"column:canvas_id;size:64;not null;index" json:"canvas_id"`
	AgentID         string         `gorm:"column:agent_id;size:190;not null" json:"agent_id"`
	Status          ProposalStatus `gorm:"column:status;size:32;not null" json:"status"`
	Title           string         `gorm:"column:title;size:320;not null" json:"title"`
	Description     string         `gorm:"column:description;not null" json:"description"`
	OperationsJSON  string         `gorm:"column:operations;not null" json:"-"`
	Rationale       string         `gorm:"column:rationale;not null" json:"rationale"`
	AssumptionsJSON string         `gorm:"column:assumptions" json:"-"`
	Confidence      float64        `gorm:"column:confidence;not null" json:"confidence"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	ReviewedAt      *time.Time     `gorm:"column:reviewed_at" json:"reviewed_at,omitempty"`
	ReviewedBy      string         `gorm:"column:reviewed_by;size:64" json:"reviewed_by,omitempty"`
}

// TableName exposes the table backing proposals.
func (Proposal) TableName() string {
	return "proposals"
}

// Operations decodes the stored operation list.
func (p Proposal) Operations() ([]Operation, error) {
	if p.OperationsJSON == "" {
		return nil, nil
	}
	var ops []Operation
	if err := json.Unmarshal([]byte(p.OperationsJSON), &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// Assumptions decodes the stored assumption list.
func (p Proposal) Assumptions() ([]string, error) {
	if p.AssumptionsJSON == "" {
		return nil, nil
	}
	var assumptions []string
	if err := json.Unmarshal([]byte(p.AssumptionsJSON), &assumptions); err != nil {
		return nil, err
	}
	return assumptions, nil
}
