package handler

import (
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

// ── Requests in ──────────────────────────────────────────────────────────────

type submitRequest struct {
	WorkflowID   string         `json:"workflow_id"`
	RequesterID  string         `json:"requester_id"`
	DepartmentID string         `json:"department_id"`
	Title        string         `json:"title"`
	Amount       int64          `json:"amount"`
	Currency     string         `json:"currency"`
	Payload      map[string]any `json:"payload"`
}

type decisionRequest struct {
	ExecutionID string                     `json:"execution_id"`
	Notes       string                     `json:"notes"`
	ForwardTo   *repository.AssignmentRule `json:"forward_to"`
}

type rollbackRequest struct {
	ToSequence int    `json:"to_sequence"`
	Reason     string `json:"reason"`
}

type noteRequest struct {
	Reason  string `json:"reason"`
	Notes   string `json:"notes"`
	Message string `json:"message"`
}

type delegationRequest struct {
	PrincipalID    string    `json:"principal_id"`
	DelegateID     string    `json:"delegate_id"`
	Roles          []string  `json:"roles"`
	StepIDs        []string  `json:"step_ids"`
	EffectiveFrom  time.Time `json:"effective_from"`
	EffectiveUntil time.Time `json:"effective_until"`
}

type stepRequest struct {
	ID                string                     `json:"id"`
	WorkflowID        string                     `json:"workflow_id"`
	Sequence          int                        `json:"sequence"`
	Name              string                     `json:"name"`
	Description       string                     `json:"description"`
	Assignment        repository.AssignmentRule  `json:"assignment"`
	Policy            string                     `json:"policy"`
	RequiresToken     bool                       `json:"requires_token"`
	AllowedActions    []string                   `json:"allowed_actions"`
	ForwardAssignment *repository.AssignmentRule `json:"forward_assignment"`
}

func (s stepRequest) toStep() *repository.WorkflowStep {
	return &repository.WorkflowStep{
		ID:                s.ID,
		WorkflowID:        s.WorkflowID,
		Sequence:          s.Sequence,
		Name:              s.Name,
		Description:       s.Description,
		Assignment:        s.Assignment,
		Policy:            s.Policy,
		RequiresToken:     s.RequiresToken,
		AllowedActions:    s.AllowedActions,
		ForwardAssignment: s.ForwardAssignment,
		Active:            true,
	}
}

// ── Responses out ────────────────────────────────────────────────────────────

type requestResponse struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	RequesterID    string         `json:"requester_id"`
	DepartmentID   string         `json:"department_id"`
	Title          string         `json:"title"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Payload        map[string]any `json:"payload,omitempty"`
	CurrentStep    *int           `json:"current_step"`
	Status         string         `json:"status"`
	LastTransition string         `json:"last_transition"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func toRequestResponse(r *repository.Request) requestResponse {
	return requestResponse{
		ID:             r.ID,
		WorkflowID:     r.WorkflowID,
		RequesterID:    r.RequesterID,
		DepartmentID:   r.DepartmentID,
		Title:          r.Title,
		Amount:         r.Amount,
		Currency:       r.Currency,
		Payload:        r.Payload,
		CurrentStep:    r.CurrentStep,
		Status:         r.Status,
		LastTransition: r.LastTransition,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type decisionResponse struct {
	NominalUserID string    `json:"nominal_user_id"`
	ActorID       string    `json:"actor_id"`
	Decision      string    `json:"decision"`
	Notes         string    `json:"notes,omitempty"`
	ViaToken      bool      `json:"via_token"`
	DecidedAt     time.Time `json:"decided_at"`
}

type executionResponse struct {
	ID           string                `json:"id"`
	StepID       string                `json:"step_id"`
	StepSequence int                   `json:"step_sequence"`
	Attempt      int                   `json:"attempt"`
	Policy       string                `json:"policy"`
	Assignees    []repository.Assignee `json:"assignees"`
	Decisions    []decisionResponse    `json:"decisions"`
	Outcome      *string               `json:"outcome"`
	AutoApproved bool                  `json:"auto_approved"`
	Superseded   bool                  `json:"superseded"`
	FinalizedAt  *time.Time            `json:"finalized_at,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

func toExecutionResponse(e *repository.StepExecution) executionResponse {
	out := executionResponse{
		ID:           e.ID,
		StepID:       e.StepID,
		StepSequence: e.StepSequence,
		Attempt:      e.Attempt,
		Policy:       e.Policy,
		Assignees:    e.Assignees,
		Decisions:    []decisionResponse{},
		Outcome:      e.Outcome,
		AutoApproved: e.AutoApproved,
		Superseded:   e.Superseded,
		FinalizedAt:  e.FinalizedAt,
		CreatedAt:    e.CreatedAt,
	}
	// assignee order keeps the listing stable
	for _, a := range e.Assignees {
		d, ok := e.Decisions[a.NominalUserID]
		if !ok {
			continue
		}
		out.Decisions = append(out.Decisions, decisionResponse{
			NominalUserID: d.NominalUserID,
			ActorID:       d.ActorID,
			Decision:      d.Kind,
			Notes:         d.Notes,
			ViaToken:      d.ViaToken,
			DecidedAt:     d.DecidedAt,
		})
	}
	return out
}

type requestDetailsResponse struct {
	Request    requestResponse     `json:"request"`
	Executions []executionResponse `json:"executions"`
}

func toDetailsResponse(d *service.RequestDetails) requestDetailsResponse {
	out := requestDetailsResponse{Request: toRequestResponse(d.Request), Executions: []executionResponse{}}
	for _, e := range d.Executions {
		out.Executions = append(out.Executions, toExecutionResponse(e))
	}
	return out
}

type transitionResponse struct {
	Request requestResponse `json:"request"`
	Outcome string          `json:"outcome,omitempty"`
}

func toTransitionResponse(tr *service.Transition) transitionResponse {
	return transitionResponse{Request: toRequestResponse(tr.Request), Outcome: tr.Outcome}
}

type auditResponse struct {
	ID           string         `json:"id"`
	ExecutionID  *string        `json:"execution_id,omitempty"`
	StepSequence *int           `json:"step_sequence,omitempty"`
	Action       string         `json:"action"`
	ActorID      string         `json:"actor_id"`
	OnBehalfOf   *string        `json:"on_behalf_of,omitempty"`
	ViaToken     bool           `json:"via_token"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PerformedAt  time.Time      `json:"performed_at"`
}

func toAuditResponse(entries []*repository.AuditEntry) []auditResponse {
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:           e.ID,
			ExecutionID:  e.ExecutionID,
			StepSequence: e.StepSequence,
			Action:       e.Action,
			ActorID:      e.ActorID,
			OnBehalfOf:   e.OnBehalfOf,
			ViaToken:     e.ViaToken,
			StatusBefore: e.StatusBefore,
			StatusAfter:  e.StatusAfter,
			Metadata:     e.Metadata,
			PerformedAt:  e.PerformedAt,
		})
	}
	return out
}

type pendingResponse struct {
	Request       requestResponse `json:"request"`
	ExecutionID   string          `json:"execution_id"`
	StepSequence  int             `json:"step_sequence"`
	NominalUserID string          `json:"nominal_user_id"`
}

type delegationResponse struct {
	ID             string                     `json:"id"`
	PrincipalID    string                     `json:"principal_id"`
	DelegateID     string                     `json:"delegate_id"`
	Scope          repository.DelegationScope `json:"scope"`
	EffectiveFrom  time.Time                  `json:"effective_from"`
	EffectiveUntil time.Time                  `json:"effective_until"`
	CreatedAt      time.Time                  `json:"created_at"`
}

func toDelegationResponse(d *repository.Delegation) delegationResponse {
	return delegationResponse{
		ID:             d.ID,
		PrincipalID:    d.PrincipalID,
		DelegateID:     d.DelegateID,
		Scope:          d.Scope,
		EffectiveFrom:  d.EffectiveFrom,
		EffectiveUntil: d.EffectiveUntil,
		CreatedAt:      d.CreatedAt,
	}
}

type tokenViewResponse struct {
	RequestID      string     `json:"request_id"`
	Title          string     `json:"title"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	RequesterID    string     `json:"requester_id"`
	StepName       string     `json:"step_name"`
	StepSequence   int        `json:"step_sequence"`
	AllowedActions []string   `json:"allowed_actions"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}
