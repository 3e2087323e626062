package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/pkg/auth"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

// EventDispatcher hands committed transition events to the outbound pipeline.
type EventDispatcher interface {
	Dispatch(ctx context.Context, events []Event) error
}

// Recorder receives workflow metrics.
type Recorder interface {
	RequestSubmitted(workflowID string)
	DecisionRecorded(decision string, viaToken bool)
	RequestFinished(status string, age time.Duration)
	TokenRejected(reason string)
	EventsDispatched(kind string, n int, err error)
}

type nopRecorder struct{}

func (nopRecorder) RequestSubmitted(string)               {}
func (nopRecorder) DecisionRecorded(string, bool)         {}
func (nopRecorder) RequestFinished(string, time.Duration) {}
func (nopRecorder) TokenRejected(string)                  {}
func (nopRecorder) EventsDispatched(string, int, error)   {}

// TokenView is what the approval portal shows for a token.
type TokenView struct {
	Claims   *TokenClaims
	Request  *repository.Request
	StepName string
}

// ApprovalRoutingService is the caller-facing entry point. It enforces who
// may do what, runs the engine and dispatches the resulting events once the
// engine's transaction has committed.
type ApprovalRoutingService struct {
	engine     *WorkflowEngine
	dispatcher EventDispatcher
	metrics    Recorder
	adminRole  string
	log        *logger.Logger
}

// NewApprovalRoutingService creates a new ApprovalRoutingService. dispatcher
// and metrics may be nil.
func NewApprovalRoutingService(
	engine *WorkflowEngine,
	dispatcher EventDispatcher,
	metrics Recorder,
	log *logger.Logger,
) *ApprovalRoutingService {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &ApprovalRoutingService{
		engine:     engine,
		dispatcher: dispatcher,
		metrics:    metrics,
		adminRole:  engine.cfg.AdminRole,
		log:        log,
	}
}

// Engine exposes the underlying engine.
func (s *ApprovalRoutingService) Engine() *WorkflowEngine { return s.engine }

// ── Requests ──────────────────────────────────────────────────────────────────

// SubmitRequest submits a request on behalf of the caller. Admins may submit
// for another requester.
func (s *ApprovalRoutingService) SubmitRequest(ctx context.Context, caller *auth.UserContext, in SubmitInput) (*Transition, error) {
	if in.RequesterID == "" || !s.isAdmin(caller) {
		in.RequesterID = caller.UserID
	}
	tr, err := s.engine.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	s.metrics.RequestSubmitted(in.WorkflowID)
	s.finish(ctx, tr)
	return tr, nil
}

// Decide records the caller's decision on a request.
func (s *ApprovalRoutingService) Decide(ctx context.Context, caller *auth.UserContext, in DecisionInput) (*Transition, error) {
	in.ActorID = caller.UserID
	tr, err := s.engine.SubmitDecision(ctx, in)
	if err != nil {
		return nil, err
	}
	s.metrics.DecisionRecorded(in.Decision, false)
	s.finish(ctx, tr)
	return tr, nil
}

// ProcessToken records a decision made through an emailed approval link.
func (s *ApprovalRoutingService) ProcessToken(ctx context.Context, tokenID, action, notes string, forwardTo *repository.AssignmentRule) (*Transition, error) {
	tr, err := s.engine.SubmitDecisionViaToken(ctx, tokenID, action, notes, forwardTo)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeTokenInvalid {
			s.metrics.TokenRejected(errors.ReasonOf(err))
		}
		return nil, err
	}
	s.metrics.DecisionRecorded(action, true)
	s.finish(ctx, tr)
	return tr, nil
}

// ViewToken validates a token without consuming it.
func (s *ApprovalRoutingService) ViewToken(ctx context.Context, tokenID string) (*TokenView, error) {
	claims, err := s.engine.tokens.Validate(ctx, tokenID)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeTokenInvalid {
			s.metrics.TokenRejected(errors.ReasonOf(err))
		}
		return nil, err
	}
	details, err := s.engine.GetRequest(ctx, claims.RequestID)
	if err != nil {
		return nil, err
	}
	view := &TokenView{Claims: claims, Request: details.Request}
	for _, exec := range details.Executions {
		if exec.ID != claims.ExecutionID {
			continue
		}
		step, err := s.engine.store.Repositories().Steps.GetByID(ctx, exec.StepID)
		if err != nil {
			return nil, err
		}
		view.StepName = step.Name
	}
	return view, nil
}

// Rollback returns a pending request to an earlier step. Admin only.
func (s *ApprovalRoutingService) Rollback(ctx context.Context, caller *auth.UserContext, requestID string, toSequence int, reason string) (*Transition, error) {
	if !s.isAdmin(caller) {
		return nil, ErrNotPermitted.WithDetail("rollback requires the %s role", s.adminRole)
	}
	if reason == "" {
		return nil, errors.InvalidInput("reason", "rollback reason is required")
	}
	tr, err := s.engine.Rollback(ctx, RollbackInput{
		RequestID:  requestID,
		ToSequence: toSequence,
		ActorID:    caller.UserID,
		Reason:     reason,
	})
	if err != nil {
		return nil, err
	}
	s.finish(ctx, tr)
	return tr, nil
}

// Cancel withdraws a pending request.
func (s *ApprovalRoutingService) Cancel(ctx context.Context, caller *auth.UserContext, requestID, reason string) (*Transition, error) {
	tr, err := s.engine.Cancel(ctx, requestID, caller.UserID, s.isAdmin(caller), reason)
	if err != nil {
		return nil, err
	}
	s.finish(ctx, tr)
	return tr, nil
}

// MarkDelivered records fulfilment of an approved request. Admin only.
func (s *ApprovalRoutingService) MarkDelivered(ctx context.Context, caller *auth.UserContext, requestID, notes string) (*Transition, error) {
	if !s.isAdmin(caller) {
		return nil, ErrNotPermitted.WithDetail("delivery requires the %s role", s.adminRole)
	}
	tr, err := s.engine.MarkDelivered(ctx, requestID, caller.UserID, notes)
	if err != nil {
		return nil, err
	}
	s.finish(ctx, tr)
	return tr, nil
}

// Delay notifies the requester that their request is held up.
func (s *ApprovalRoutingService) Delay(ctx context.Context, caller *auth.UserContext, requestID, message string) (*Transition, error) {
	tr, err := s.engine.Delay(ctx, requestID, caller.UserID, s.isAdmin(caller), message)
	if err != nil {
		return nil, err
	}
	s.finish(ctx, tr)
	return tr, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a request the caller is involved in.
func (s *ApprovalRoutingService) GetRequest(ctx context.Context, caller *auth.UserContext, id string) (*RequestDetails, error) {
	details, err := s.engine.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canView(caller, details) {
		// Existence is not disclosed to outsiders.
		return nil, errors.NotFound("request", id)
	}
	return details, nil
}

// GetApprovalHistory returns the audit trail of a request the caller can see.
func (s *ApprovalRoutingService) GetApprovalHistory(ctx context.Context, caller *auth.UserContext, id string) ([]*repository.AuditEntry, error) {
	if _, err := s.GetRequest(ctx, caller, id); err != nil {
		return nil, err
	}
	return s.engine.AuditTrail(ctx, id)
}

// GetPendingApprovals returns the open slots awaiting the caller.
func (s *ApprovalRoutingService) GetPendingApprovals(ctx context.Context, caller *auth.UserContext) ([]PendingApproval, error) {
	return s.engine.PendingFor(ctx, caller.UserID)
}

// ── Delegations ───────────────────────────────────────────────────────────────

// CreateDelegation stores a delegation for the caller, or for anyone when the
// caller is an admin.
func (s *ApprovalRoutingService) CreateDelegation(ctx context.Context, caller *auth.UserContext, in CreateDelegationInput) (*repository.Delegation, error) {
	if in.PrincipalID == "" {
		in.PrincipalID = caller.UserID
	}
	d, events, err := s.engine.delegations.CreateDelegation(ctx, in, caller.UserID, s.isAdmin(caller))
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, events)
	return d, nil
}

// RevokeDelegation revokes one of the caller's delegations.
func (s *ApprovalRoutingService) RevokeDelegation(ctx context.Context, caller *auth.UserContext, id string) error {
	events, err := s.engine.delegations.RevokeDelegation(ctx, id, caller.UserID, s.isAdmin(caller))
	if err != nil {
		return err
	}
	s.dispatch(ctx, events)
	return nil
}

// ListDelegations returns the caller's currently active delegations.
func (s *ApprovalRoutingService) ListDelegations(ctx context.Context, caller *auth.UserContext) ([]*repository.Delegation, error) {
	return s.engine.delegations.ListActiveDelegationsFor(ctx, caller.UserID, s.engine.cfg.now())
}

// ── Workflow definitions ──────────────────────────────────────────────────────

// UpsertStep saves a step definition. Admin only.
func (s *ApprovalRoutingService) UpsertStep(ctx context.Context, caller *auth.UserContext, step *repository.WorkflowStep) error {
	if !s.isAdmin(caller) {
		return ErrNotPermitted.WithDetail("editing workflows requires the %s role", s.adminRole)
	}
	events, err := s.engine.UpsertStep(ctx, step)
	if err != nil {
		return err
	}
	s.dispatch(ctx, events)
	return nil
}

// DeactivateStep removes a step from routing. Admin only.
func (s *ApprovalRoutingService) DeactivateStep(ctx context.Context, caller *auth.UserContext, id string) error {
	if !s.isAdmin(caller) {
		return ErrNotPermitted.WithDetail("editing workflows requires the %s role", s.adminRole)
	}
	events, err := s.engine.DeactivateStep(ctx, id)
	if err != nil {
		return err
	}
	s.dispatch(ctx, events)
	return nil
}

// PurgeExpiredTokens deletes tokens unusable for longer than retention.
func (s *ApprovalRoutingService) PurgeExpiredTokens(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.engine.tokens.PurgeExpired(ctx, retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info().Int64("purged", n).Dur("retention", retention).Msg("Expired approval tokens purged")
	}
	return n, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *ApprovalRoutingService) isAdmin(caller *auth.UserContext) bool {
	return caller != nil && s.adminRole != "" && caller.HasRole(s.adminRole)
}

func (s *ApprovalRoutingService) canView(caller *auth.UserContext, d *RequestDetails) bool {
	if s.isAdmin(caller) || d.Request.RequesterID == caller.UserID {
		return true
	}
	for _, exec := range d.Executions {
		for _, a := range exec.Assignees {
			if a.NominalUserID == caller.UserID || a.ActingUserID == caller.UserID {
				return true
			}
		}
	}
	return false
}

// finish records terminal metrics and dispatches a transition's events.
func (s *ApprovalRoutingService) finish(ctx context.Context, tr *Transition) {
	if repository.IsTerminal(tr.Request.Status) {
		s.metrics.RequestFinished(tr.Request.Status, tr.Request.UpdatedAt.Sub(tr.Request.CreatedAt))
	}
	s.dispatch(ctx, tr.Events)
}

// dispatch hands events to the dispatcher and logs a warning on failure
// (never returns error). The state change has already committed.
func (s *ApprovalRoutingService) dispatch(ctx context.Context, events []Event) {
	if s.dispatcher == nil || len(events) == 0 {
		return
	}
	err := s.dispatcher.Dispatch(ctx, events)
	counts := map[EventKind]int{}
	for _, e := range events {
		counts[e.Kind]++
	}
	for kind, n := range counts {
		s.metrics.EventsDispatched(string(kind), n, err)
	}
	if err != nil {
		s.log.Warn().Err(err).
			Int("events", len(events)).
			Str("request_id", events[0].RequestID).
			Msg("Failed to dispatch workflow events")
	}
}
