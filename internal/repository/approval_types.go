package repository

import (
	"slices"
	"time"
)

// ── Request lifecycle ────────────────────────────────────────────────────────

const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusDelivered = "delivered"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether a request status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusApproved, StatusRejected, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Request is a unit of work routed through a workflow.
type Request struct {
	ID             string
	WorkflowID     string
	RequesterID    string
	DepartmentID   string
	Title          string
	Amount         int64 // minor units
	Currency       string
	Payload        map[string]any
	CurrentStep    *int // active step sequence; nil when not started or terminal
	Status         string
	LastTransition string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	c := *r
	if r.CurrentStep != nil {
		s := *r.CurrentStep
		c.CurrentStep = &s
	}
	c.Payload = cloneMap(r.Payload)
	return &c
}

// ── Workflow definition ──────────────────────────────────────────────────────

const (
	PolicyAnyOne = "ANY_ONE"
	PolicyAll    = "ALL"
)

const (
	AssignRole             = "role"
	AssignDepartment       = "department"
	AssignUsers            = "users"
	AssignRequesterManager = "requester_manager"
)

// AssignmentRule maps a step to the users who may act on it.
type AssignmentRule struct {
	Kind         string   `json:"kind"`
	Role         string   `json:"role,omitempty"`
	DepartmentID string   `json:"department_id,omitempty"`
	UserIDs      []string `json:"user_ids,omitempty"`
	// ScopeToRequestDepartment limits a role rule to the request's department.
	ScopeToRequestDepartment bool `json:"scope_to_request_department,omitempty"`
}

// WorkflowStep is one configured stage of a workflow.
type WorkflowStep struct {
	ID                string
	WorkflowID        string
	Sequence          int
	Name              string
	Description       string
	Assignment        AssignmentRule
	Policy            string
	RequiresToken     bool
	AllowedActions    []string
	ForwardAssignment *AssignmentRule
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ── Step executions ──────────────────────────────────────────────────────────

const (
	DecisionApproved  = "approved"
	DecisionRejected  = "rejected"
	DecisionForwarded = "forwarded"
)

// Assignee is one slot of a step execution. Decisions are keyed by the
// nominal user; ActingUserID is who was resolved through delegation at entry.
type Assignee struct {
	NominalUserID string `json:"nominal_user_id"`
	ActingUserID  string `json:"acting_user_id"`
	Role          string `json:"role,omitempty"`
	DelegationID  string `json:"delegation_id,omitempty"`
}

// Decision is one approver's recorded answer.
type Decision struct {
	NominalUserID string
	ActorID       string
	Kind          string
	Notes         string
	ViaToken      bool
	ForwardTo     *AssignmentRule
	DecidedAt     time.Time
}

// StepExecution is the per-entry record of a step for a request.
type StepExecution struct {
	ID           string
	RequestID    string
	StepID       string
	StepSequence int
	Attempt      int
	Policy       string
	Assignment   AssignmentRule
	Assignees    []Assignee
	Decisions    map[string]Decision
	Outcome      *string
	AutoApproved bool
	Superseded   bool
	FinalizedAt  *time.Time
	CreatedAt    time.Time
}

// Open reports whether the execution still accepts decisions.
func (e *StepExecution) Open() bool {
	return e.Outcome == nil && !e.Superseded
}

// Assignee returns the slot for a nominal user.
func (e *StepExecution) Assignee(nominalUserID string) (Assignee, bool) {
	for _, a := range e.Assignees {
		if a.NominalUserID == nominalUserID {
			return a, true
		}
	}
	return Assignee{}, false
}

// Clone returns a deep copy.
func (e *StepExecution) Clone() *StepExecution {
	c := *e
	c.Assignment.UserIDs = slices.Clone(e.Assignment.UserIDs)
	c.Assignees = slices.Clone(e.Assignees)
	c.Decisions = make(map[string]Decision, len(e.Decisions))
	for k, v := range e.Decisions {
		c.Decisions[k] = v
	}
	if e.Outcome != nil {
		o := *e.Outcome
		c.Outcome = &o
	}
	if e.FinalizedAt != nil {
		t := *e.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}

// ── Delegation ───────────────────────────────────────────────────────────────

// DelegationScope narrows a delegation. Empty lists match everything.
type DelegationScope struct {
	Roles   []string `json:"roles,omitempty"`
	StepIDs []string `json:"step_ids,omitempty"`
}

// Matches reports whether the scope covers a role/step pair.
func (s DelegationScope) Matches(role, stepID string) bool {
	if len(s.Roles) > 0 && !slices.Contains(s.Roles, role) {
		return false
	}
	if len(s.StepIDs) > 0 && !slices.Contains(s.StepIDs, stepID) {
		return false
	}
	return true
}

// Delegation substitutes a delegate for a principal over [from, until).
type Delegation struct {
	ID             string
	PrincipalID    string
	DelegateID     string
	Scope          DelegationScope
	EffectiveFrom  time.Time
	EffectiveUntil time.Time
	Revoked        bool
	CreatedAt      time.Time
}

// ActiveAt reports whether the delegation applies at t.
func (d *Delegation) ActiveAt(t time.Time) bool {
	return !d.Revoked && !t.Before(d.EffectiveFrom) && t.Before(d.EffectiveUntil)
}

// ── Tokens ───────────────────────────────────────────────────────────────────

// ApprovalToken is a single-use credential for acting without a session.
type ApprovalToken struct {
	ID             string
	RequestID      string
	ExecutionID    string
	StepSequence   int
	UserID         string
	AllowedActions []string
	ExpiresAt      *time.Time // nil = never expires
	Revoked        bool
	ConsumedAt     *time.Time
	ConsumedAction *string
	CreatedAt      time.Time
}

// ValidAt reports whether the token can still be consumed at t.
func (t *ApprovalToken) ValidAt(at time.Time) bool {
	if t.ConsumedAt != nil || t.Revoked {
		return false
	}
	return t.ExpiresAt == nil || at.Before(*t.ExpiresAt)
}

// ── Audit ────────────────────────────────────────────────────────────────────

const (
	ActionSubmitted    = "submitted"
	ActionStepEntered  = "step_entered"
	ActionApproved     = "approved"
	ActionRejected     = "rejected"
	ActionForwarded    = "forwarded"
	ActionAutoApproved = "auto_approved"
	ActionCompleted    = "completed"
	ActionRolledBack   = "rolled_back"
	ActionCancelled    = "cancelled"
	ActionDelivered    = "delivered"
	ActionDelayed      = "delayed"
	ActionReassigned   = "approver_reassigned"
)

// AuditEntry is one immutable record in a request's audit trail.
type AuditEntry struct {
	ID           string
	RequestID    string
	ExecutionID  *string
	StepSequence *int
	Action       string
	ActorID      string
	OnBehalfOf   *string
	ViaToken     bool
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]any
	PerformedAt  time.Time
}

// ── Reference data ───────────────────────────────────────────────────────────

// Department is an organisational unit with its managers.
type Department struct {
	ID         string
	Name       string
	ParentID   *string
	ManagerIDs []string
}

// User is a directory entry.
type User struct {
	ID           string
	DepartmentID string
	Roles        []string
	Active       bool
}

// AutoApprovalRule lets a department skip human approval below a threshold.
// Empty WorkflowID or StepIDs match every workflow or step.
type AutoApprovalRule struct {
	ID           string
	DepartmentID string
	WorkflowID   string
	StepIDs      []string
	MaxAmount    int64
	Criteria     string // optional boolean expression
	Active       bool
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
