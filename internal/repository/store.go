package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

// Conditional-write failures. Reasons are shared with the service layer.
var (
	ErrStaleRequest       = errors.Kind(errors.ErrCodeConflict, "stale_request", "request was modified concurrently")
	ErrDuplicateDecision  = errors.Kind(errors.ErrCodeConflict, "duplicate_decision", "decision already recorded")
	ErrAlreadyFinalized   = errors.Kind(errors.ErrCodeConflict, "step_finalized", "step already finalized")
	ErrDuplicateSequence  = errors.Kind(errors.ErrCodeConfiguration, "ambiguous_step_ordering", "active step sequence already in use")
	ErrDuplicateOpenToken = errors.Kind(errors.ErrCodeConflict, "token_exists", "an open token already exists")
)

// RequestRepository persists requests.
type RequestRepository interface {
	Create(ctx context.Context, req *Request) error
	GetByID(ctx context.Context, id string) (*Request, error)
	// UpdateState writes status, pointer and last transition when the stored
	// version equals expectedVersion, then bumps req.Version.
	UpdateState(ctx context.Context, req *Request, expectedVersion int64) error
	ListByRequester(ctx context.Context, requesterID string) ([]*Request, error)
}

// StepRepository persists workflow step definitions.
type StepRepository interface {
	GetByID(ctx context.Context, id string) (*WorkflowStep, error)
	// ListActive returns active steps ordered by sequence.
	ListActive(ctx context.Context, workflowID string) ([]*WorkflowStep, error)
	Upsert(ctx context.Context, step *WorkflowStep) error
	Deactivate(ctx context.Context, id string, at time.Time) error
}

// ExecutionRepository persists step executions and their decisions.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *StepExecution) error
	// GetForUpdate loads an execution and locks it for the transaction.
	GetForUpdate(ctx context.Context, id string) (*StepExecution, error)
	// GetLiveForUpdate locks the open execution of a request.
	GetLiveForUpdate(ctx context.Context, requestID string) (*StepExecution, error)
	// InsertDecision fails with ErrDuplicateDecision when the slot is taken.
	InsertDecision(ctx context.Context, executionID string, d Decision) error
	// Finalize fails with ErrAlreadyFinalized when an outcome is set.
	Finalize(ctx context.Context, executionID, outcome string, at time.Time) error
	// UpdateAssignees rewrites the slots of an open execution. Fails with
	// ErrAlreadyFinalized when the execution is closed.
	UpdateAssignees(ctx context.Context, executionID string, assignees []Assignee) error
	// SupersedeFrom marks every open or finalized execution at or after
	// sequence as superseded and returns their ids.
	SupersedeFrom(ctx context.Context, requestID string, sequence int) ([]string, error)
	ListByRequest(ctx context.Context, requestID string) ([]*StepExecution, error)
	// ListOpenForUser returns open executions where userID is nominal or acting.
	ListOpenForUser(ctx context.Context, userID string) ([]*StepExecution, error)
}

// TokenRepository persists approval tokens.
type TokenRepository interface {
	Create(ctx context.Context, tok *ApprovalToken) error
	GetByID(ctx context.Context, id string) (*ApprovalToken, error)
	// FindOpen returns the unconsumed, unrevoked token for the triple, or nil.
	FindOpen(ctx context.Context, requestID string, stepSequence int, userID string) (*ApprovalToken, error)
	// Consume atomically marks a valid token consumed. Returns nil when the
	// token was not consumable.
	Consume(ctx context.Context, id, action string, at time.Time) (*ApprovalToken, error)
	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeForExecutions(ctx context.Context, executionIDs []string, at time.Time) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// DelegationRepository persists delegations.
type DelegationRepository interface {
	Create(ctx context.Context, d *Delegation) error
	GetByID(ctx context.Context, id string) (*Delegation, error)
	Revoke(ctx context.Context, id string) error
	// ListForPrincipal returns non-revoked delegations newest first.
	ListForPrincipal(ctx context.Context, principalID string) ([]*Delegation, error)
	// ListInvolving returns non-revoked delegations where userID is either side.
	ListInvolving(ctx context.Context, userID string) ([]*Delegation, error)
}

// AuditRepository appends and reads audit entries.
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error)
}

// DirectoryRepository reads users, departments and auto-approval rules.
type DirectoryRepository interface {
	GetUser(ctx context.Context, id string) (*User, error)
	ListActiveUsersByRole(ctx context.Context, role, departmentID string) ([]*User, error)
	GetDepartment(ctx context.Context, id string) (*Department, error)
	ListAutoApprovalRules(ctx context.Context, departmentID string) ([]*AutoApprovalRule, error)
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories struct {
	Requests    RequestRepository
	Steps       StepRepository
	Executions  ExecutionRepository
	Tokens      TokenRepository
	Delegations DelegationRepository
	Audit       AuditRepository
	Directory   DirectoryRepository
}

// Store hands out repositories and runs atomic units of work.
type Store interface {
	Repositories() Repositories
	InTransaction(ctx context.Context, fn func(Repositories) error) error
}

// ReferenceReader is the read-mostly data assignment resolution depends on.
// The cache package wraps it.
type ReferenceReader interface {
	ActiveSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error)
	GetUser(ctx context.Context, id string) (*User, error)
	ListActiveUsersByRole(ctx context.Context, role, departmentID string) ([]*User, error)
	GetDepartment(ctx context.Context, id string) (*Department, error)
	ListAutoApprovalRules(ctx context.Context, departmentID string) ([]*AutoApprovalRule, error)
}

type storeReference struct {
	store Store
}

// NewReferenceReader reads reference data straight from the store.
func NewReferenceReader(store Store) ReferenceReader {
	return &storeReference{store: store}
}

func (s *storeReference) ActiveSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error) {
	return s.store.Repositories().Steps.ListActive(ctx, workflowID)
}

func (s *storeReference) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.Repositories().Directory.GetUser(ctx, id)
}

func (s *storeReference) ListActiveUsersByRole(ctx context.Context, role, departmentID string) ([]*User, error) {
	return s.store.Repositories().Directory.ListActiveUsersByRole(ctx, role, departmentID)
}

func (s *storeReference) GetDepartment(ctx context.Context, id string) (*Department, error) {
	return s.store.Repositories().Directory.GetDepartment(ctx, id)
}

func (s *storeReference) ListAutoApprovalRules(ctx context.Context, departmentID string) ([]*AutoApprovalRule, error) {
	return s.store.Repositories().Directory.ListAutoApprovalRules(ctx, departmentID)
}
