package review

import (
	"context"
	"errors"
	"testing"

	"github.com/goblinsan/visual-flow-backend/internal/auth"
	"github.com/goblinsan/visual-flow-backend/internal/canvas"
)

func stageBranch(t *testing.T, f *fixture) Branch {
	t.Helper()
	branch, err := f.branches.Create(context.Background(), human("editor-1"), "canvas-1", "agent-1", 1)
	if err != nil {
		t.Fatalf("unexpected branch error: %v", err)
	}
	return branch
}

func TestProposalCreateStartsPending(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "canvas-1", "editor-1", canvas.RoleEditor)
	branch := stageBranch(t, f)

	record, err := f.proposals.Create(context.Background(), human("editor-1"), branch.ID, validDraft())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if record.Status != ProposalPending {
		t.Fatalf("new proposal must be pending, got %s", record.Status)
	}
	if record.CanvasID != branch.CanvasID || record.BranchID != branch.ID {
		t.Fatalf("proposal not bound to its branch: %+v", record)
	}
	if record.AgentID != branch.AgentID {
		t.Fatalf("proposal must carry the branch's agent, got %s", record.AgentID)
	}

	ops, err := record.Operations()
	if err != nil || len(ops) != 1 || ops[0].NodeID != "node-1" {
		t.Fatalf("stored operations do not round-trip: %v %+v", err, ops)
	}
	assumptions, err := record.Assumptions()
	if err != nil || len(assumptions) != 1 {
		t.Fatalf("stored assumptions do not round-trip: %v %+v", err, assumptions)
	}
}

func TestProposalCreateValidation(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "canvas-1", "editor-1", canvas.RoleEditor)
	branch := stageBranch(t, f)
	editor := human("editor-1")

	cases := []struct {
		name   string
		mutate func(*ProposalDraft)
	}{
		{"missing title", func(d *ProposalDraft) { d.Title = "  " }},
		{"missing description", func(d *ProposalDraft) { d.Description = "" }},
		{"missing rationale", func(d *ProposalDraft) { d.Rationale = "" }},
		{"no operations", func(d *ProposalDraft) { d.Operations = nil }},
		{"confidence below zero", func(d *ProposalDraft) { d.Confidence = -0.1 }},
		{"confidence above one", func(d *ProposalDraft) { d.Confidence = 1.5 }},
		{"unknown operation type", func(d *ProposalDraft) { d.Operations[0].Type = "teleport" }},
		{"operation missing node", func(d *ProposalDraft) { d.Operations[0].NodeID = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			draft := validDraft()
			tc.mutate(&draft)
			if _, err := f.proposals.Create(context.Background(), editor, branch.ID, draft); !errors.Is(err, ErrInvalidProposal) {
				t.Fatalf("expected invalid proposal error, got %v", err)
			}
		})
	}
}

func TestProposalCreateAgainstMissingBranch(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "canvas-1", "editor-1", canvas.RoleEditor)

	_, err := f.proposals.Create(context.Background(), human("editor-1"), "missing", validDraft())
	if !errors.Is(err, ErrBranchNotFound) {
		t.Fatalf("expected branch not found, got %v", err)
	}
}

func TestProposalApproveTransitionsOnce(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "canvas-1", "editor-1", canvas.RoleEditor)
	branch := stageBranch(t, f)
	editor := human("editor-1")

	record, err := f.proposals.Create(context.Background(), editor, branch.ID, validDraft())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	approved, err := f.proposals.Approve(context.Background(), editor, record.ID)
	if err != nil {
		t.Fatalf("unexpected approve error: %v", err)
	}
	if approved.Status != ProposalApproved {
		t.Fatalf("unexpected status %s", approved.Status)
	}
	if approved.ReviewedAt == nil || approved.ReviewedBy != "editor-1" {
		t.Fatalf("review fields missing: %+v", approved)
	}

	if _, err := f.proposals.Approve(context.Background(), editor, record.ID); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("second approval must fail, got %v", err)
	}

	// A reject after approval must not alter the terminal state.
	if _, err := f.proposals.Reject(context.Background(), editor, record.ID); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("reject after approval must fail, got %v", err)
	}
	final, err := f.proposals.Get(context.Background(), editor, record.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if final.Status != ProposalApproved || final.ReviewedBy != "editor-1" {
		t.Fatalf("terminal state drifted: %+v", final)
	}
}

func TestProposalRejectRecordsReviewer(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "canvas-1", "editor-1", canvas.RoleEditor)
	branch := stageBranch(t, f)
	editor := human("editor-1")

	record, err := f.proposals.Create(context.Background(), editor, branch.ID, validDraft())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	rejected, err := f.proposals.Reject(context.Background(), editor, record.ID)
	if err != nil {
		t.Fatalf("unexpected reject error: %v", err)
	}
	if rejected.Status != ProposalRejected || rejected.ReviewedBy != "editor-1" {
		t.Fatalf("unexpected rejection record %+v", rejected)
	}
}

func TestProposalDecisionRequiresTrustedProposeScope(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "canvas-1", "owner-1", canvas.RoleOwner)
	branch, err := f.branches.Create(context.Background(), human("owner-1"), "canvas-1", "agent-1", 1)
	if err != nil {
		t.Fatalf("unexpected branch error: %v", err)
	}

	proposer := agent("owner-1", "canvas-1", auth.ScopePropose)
	record, err := f.proposals.Create(context.Background(), proposer, branch.ID, validDraft())
	if err != nil {
		t.Fatalf("propose scope should submit proposals: %v", err)
	}

	// The proposing agent cannot decide its own work.
	if _, err := f.proposals.Approve(context.Background(), proposer, record.ID); !errors.Is(err, auth.ErrScopeDenied) {
		t.Fatalf("propose scope must not approve, got %v", err)
	}

	trusted := agent("owner-1", "canvas-1", auth.ScopeTrustedPropose)
	if _, err := f.proposals.Approve(context.Background(), trusted, record.ID); err != nil {
		t.Fatalf("trusted-propose scope should approve: %v", err)
	}
}

func TestProposalReadDeniedForNonMembers(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "canvas-1", "editor-1", canvas.RoleEditor)
	branch := stageBranch(t, f)

	record, err := f.proposals.Create(context.Background(), human("editor-1"), branch.ID, validDraft())
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if _, err := f.proposals.Get(context.Background(), human("stranger"), record.ID); !errors.Is(err, canvas.ErrNoAccess) {
		t.Fatalf("expected non-member to be denied, got %v", err)
	}
	if _, err := f.proposals.ListForCanvas(context.Background(), human("stranger"), "canvas-1"); !errors.Is(err, canvas.ErrNoAccess) {
		t.Fatalf("expected non-member list to be denied, got %v", err)
	}
}
