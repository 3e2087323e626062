package service

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

// systemActor is recorded on audit entries the engine writes on its own.
const systemActor = "system"

// Request.LastTransition values.
const (
	transitionSubmitted   = "submitted"
	transitionStepEntered = "step_entered"
	transitionForwarded   = "forwarded"
	transitionRolledBack  = "rolled_back"
	transitionCompleted   = "completed"
	transitionRejected    = "rejected"
	transitionCancelled   = "cancelled"
	transitionDelivered   = "delivered"
)

// ── Inputs ───────────────────────────────────────────────────────────────────

// SubmitInput describes a new request.
type SubmitInput struct {
	WorkflowID   string
	RequesterID  string
	DepartmentID string // defaults to the requester's department
	Title        string
	Amount       int64
	Currency     string
	Payload      map[string]any
}

// DecisionInput is one approver's action on a request.
type DecisionInput struct {
	RequestID string
	// ExecutionID pins the decision to a specific step execution. Empty means
	// the request's open execution.
	ExecutionID string
	ActorID     string
	Decision    string
	Notes       string
	// ForwardTo overrides the step's default forward target.
	ForwardTo *repository.AssignmentRule

	viaToken bool
}

// RollbackInput moves a pending request back to an earlier step.
type RollbackInput struct {
	RequestID  string
	ToSequence int
	ActorID    string
	Reason     string
}

// RequestDetails is a request with its execution history.
type RequestDetails struct {
	Request    *repository.Request
	Executions []*repository.StepExecution
}

// PendingApproval is an open slot awaiting a user's decision.
type PendingApproval struct {
	Request       *repository.Request
	Execution     *repository.StepExecution
	NominalUserID string
}

// ── Advance ──────────────────────────────────────────────────────────────────

// AdvanceKind tags how a finalised step moves its request.
type AdvanceKind int

const (
	AdvanceApproved AdvanceKind = iota + 1
	AdvanceRejected
	AdvanceForwarded
)

func (k AdvanceKind) String() string {
	switch k {
	case AdvanceApproved:
		return "approved"
	case AdvanceRejected:
		return "rejected"
	case AdvanceForwarded:
		return "forwarded"
	}
	return "unknown"
}

// Advance is the transition applied when a step finalises. Override is set
// only for AdvanceForwarded and replaces the step's assignment on re-entry.
type Advance struct {
	Kind     AdvanceKind
	Override *repository.AssignmentRule
}

func advanceFor(outcome string, override *repository.AssignmentRule) (Advance, error) {
	switch outcome {
	case repository.DecisionApproved:
		return Advance{Kind: AdvanceApproved}, nil
	case repository.DecisionRejected:
		return Advance{Kind: AdvanceRejected}, nil
	case repository.DecisionForwarded:
		if override == nil {
			return Advance{}, ErrForwardTargetMissing
		}
		return Advance{Kind: AdvanceForwarded, Override: override}, nil
	}
	return Advance{}, errors.New(errors.ErrCodeInternal, "no transition for outcome "+outcome)
}

type entryKind int

const (
	entryNormal entryKind = iota
	entryForward
	entryRollback
)

func (k entryKind) transition() string {
	switch k {
	case entryForward:
		return transitionForwarded
	case entryRollback:
		return transitionRolledBack
	}
	return transitionStepEntered
}

// ── Engine ───────────────────────────────────────────────────────────────────

// WorkflowEngine owns request lifecycles. Every mutating call runs in one
// store transaction and returns the events to dispatch after commit.
type WorkflowEngine struct {
	store        repository.Store
	ref          repository.ReferenceReader
	tokens       *TokenStore
	delegations  *DelegationResolver
	assignments  *AssignmentResolver
	autoApproval *AutoApprovalChecker
	aggregator   Aggregator
	cfg          Config
	log          *logger.Logger
}

// NewWorkflowEngine wires the engine and its resolvers. ref is usually the
// cached reference reader.
func NewWorkflowEngine(store repository.Store, ref repository.ReferenceReader, cfg Config, log *logger.Logger) *WorkflowEngine {
	delegations := NewDelegationResolver(store, cfg, log.Component("delegations"))
	e := &WorkflowEngine{
		store:        store,
		ref:          ref,
		tokens:       NewTokenStore(store, cfg, log.Component("tokens")),
		delegations:  delegations,
		assignments:  NewAssignmentResolver(ref, delegations, log.Component("assignments")),
		autoApproval: NewAutoApprovalChecker(ref, cfg, log.Component("auto_approval")),
		cfg:          cfg,
		log:          log,
	}
	delegations.onChange = e.rerouteSlots
	return e
}

// Tokens returns the engine's token store.
func (e *WorkflowEngine) Tokens() *TokenStore { return e.tokens }

// Delegations returns the engine's delegation resolver.
func (e *WorkflowEngine) Delegations() *DelegationResolver { return e.delegations }

// Assignments returns the engine's assignment resolver.
func (e *WorkflowEngine) Assignments() *AssignmentResolver { return e.assignments }

// ── Submit ───────────────────────────────────────────────────────────────────

// Submit creates a request and enters its first active step. Auto-approved
// steps are passed through in the same transaction.
func (e *WorkflowEngine) Submit(ctx context.Context, in SubmitInput) (*Transition, error) {
	if in.WorkflowID == "" {
		return nil, errors.InvalidInput("workflow_id", "is required")
	}
	if in.RequesterID == "" {
		return nil, errors.InvalidInput("requester_id", "is required")
	}
	if in.Title == "" {
		return nil, errors.InvalidInput("title", "is required")
	}
	if in.Amount < 0 {
		return nil, errors.InvalidInput("amount", "must not be negative")
	}

	if in.DepartmentID == "" {
		user, err := e.ref.GetUser(ctx, in.RequesterID)
		if err != nil {
			if isNotFound(err) {
				return nil, errors.InvalidInput("requester_id", "unknown requester")
			}
			return nil, err
		}
		in.DepartmentID = user.DepartmentID
	}

	steps, err := e.activeSteps(ctx, in.WorkflowID)
	if err != nil {
		return nil, err
	}

	now := e.cfg.now()
	first := steps[0].Sequence
	req := &repository.Request{
		ID:             uuid.NewString(),
		WorkflowID:     in.WorkflowID,
		RequesterID:    in.RequesterID,
		DepartmentID:   in.DepartmentID,
		Title:          in.Title,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Payload:        in.Payload,
		CurrentStep:    &first,
		Status:         repository.StatusPending,
		LastTransition: transitionSubmitted,
		CreatedAt:      now,
	}

	var tr *Transition
	err = e.store.InTransaction(ctx, func(repos repository.Repositories) error {
		if err := repos.Requests.Create(ctx, req); err != nil {
			return err
		}
		r := e.newRun(ctx, repos, req, now)
		r.steps = steps
		if err := r.audit(repository.ActionSubmitted, in.RequesterID, nil, map[string]any{
			"title":    req.Title,
			"amount":   req.Amount,
			"currency": req.Currency,
		}); err != nil {
			return err
		}
		if err := r.enter(steps[0], steps[0].Assignment, entryNormal); err != nil {
			return err
		}
		if err := r.commit(); err != nil {
			return err
		}
		tr = r.transition("")
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("request_id", req.ID).
		Str("workflow_id", req.WorkflowID).
		Str("requester_id", req.RequesterID).
		Str("status", tr.Request.Status).
		Int("events", len(tr.Events)).
		Msg("Request submitted")

	return tr, nil
}

// ── Decisions ────────────────────────────────────────────────────────────────

// SubmitDecision records an authenticated approver's decision. Concurrent
// decisions by different approvers serialise on the execution; a repeated
// decision by the same approver fails with ErrDuplicateDecision and changes
// nothing.
func (e *WorkflowEngine) SubmitDecision(ctx context.Context, in DecisionInput) (*Transition, error) {
	if in.RequestID == "" && in.ExecutionID == "" {
		return nil, errors.InvalidInput("request_id", "is required")
	}
	if in.ActorID == "" {
		return nil, errors.InvalidInput("actor_id", "is required")
	}
	in.viaToken = false

	var tr *Transition
	err := e.store.InTransaction(ctx, func(repos repository.Repositories) error {
		var err error
		tr, err = e.decide(ctx, repos, in, e.cfg.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logDecision(in, tr)
	return tr, nil
}

// SubmitDecisionViaToken consumes an approval token and records the decision
// of its holder in the same transaction. If the decision fails the token
// stays unused.
func (e *WorkflowEngine) SubmitDecisionViaToken(ctx context.Context, tokenID, decision, notes string, forwardTo *repository.AssignmentRule) (*Transition, error) {
	var (
		tr *Transition
		in DecisionInput
	)
	_, err := e.tokens.Consume(ctx, tokenID, decision, func(ctx context.Context, repos repository.Repositories, tok *repository.ApprovalToken) error {
		in = DecisionInput{
			RequestID:   tok.RequestID,
			ExecutionID: tok.ExecutionID,
			ActorID:     tok.UserID,
			Decision:    decision,
			Notes:       notes,
			ForwardTo:   forwardTo,
			viaToken:    true,
		}
		var err error
		tr, err = e.decide(ctx, repos, in, e.cfg.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logDecision(in, tr)
	return tr, nil
}

func (e *WorkflowEngine) logDecision(in DecisionInput, tr *Transition) {
	e.log.Info().
		Str("request_id", tr.Request.ID).
		Str("actor_id", in.ActorID).
		Str("decision", in.Decision).
		Bool("via_token", in.viaToken).
		Str("outcome", tr.Outcome).
		Str("status", tr.Request.Status).
		Msg("Decision recorded")
}

func (e *WorkflowEngine) decide(ctx context.Context, repos repository.Repositories, in DecisionInput, now time.Time) (*Transition, error) {
	exec, err := e.lockExecution(ctx, repos, in)
	if err != nil {
		return nil, err
	}
	req, err := repos.Requests.GetByID(ctx, exec.RequestID)
	if err != nil {
		return nil, err
	}
	r := e.newRun(ctx, repos, req, now)

	nominal, ok, err := r.slotFor(exec, in.ActorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrActorNotAssigned.WithDetail("user %s on step %d", in.ActorID, exec.StepSequence)
	}

	d := repository.Decision{
		NominalUserID: nominal,
		ActorID:       in.ActorID,
		Kind:          in.Decision,
		Notes:         in.Notes,
		ViaToken:      in.viaToken,
		DecidedAt:     now,
	}
	outcome, err := e.aggregator.RecordDecision(exec, d)
	if err != nil {
		return nil, err
	}
	if d.Kind == repository.DecisionForwarded {
		if d.ForwardTo, err = r.forwardTarget(exec, in.ForwardTo); err != nil {
			return nil, err
		}
		exec.Decisions[nominal] = d
	}
	if repository.IsTerminal(req.Status) {
		return nil, ErrRequestNotPending.WithDetail("request %s is %s", req.ID, req.Status)
	}
	if err := repos.Executions.InsertDecision(ctx, exec.ID, d); err != nil {
		return nil, err
	}

	var onBehalfOf *string
	if nominal != in.ActorID {
		onBehalfOf = &nominal
	}
	meta := map[string]any{"step_sequence": exec.StepSequence, "attempt": exec.Attempt}
	if d.Notes != "" {
		meta["notes"] = d.Notes
	}
	if d.ForwardTo != nil {
		meta["forward_to"] = d.ForwardTo.Kind
	}
	if err := r.appendAudit(&repository.AuditEntry{
		Action:     d.Kind,
		ActorID:    in.ActorID,
		OnBehalfOf: onBehalfOf,
		ViaToken:   in.viaToken,
		Metadata:   meta,
	}, exec); err != nil {
		return nil, err
	}

	if outcome != OutcomePending {
		if err := repos.Executions.Finalize(ctx, exec.ID, outcome, now); err != nil {
			return nil, err
		}
		if err := e.tokens.ExpireForExecutions(ctx, repos, []string{exec.ID}, now); err != nil {
			return nil, err
		}
		adv, err := advanceFor(outcome, d.ForwardTo)
		if err != nil {
			return nil, err
		}
		if err := r.advance(adv, exec); err != nil {
			return nil, err
		}
	}

	if err := r.commit(); err != nil {
		return nil, err
	}
	tr := r.transition(outcome)
	tr.Execution = exec
	return tr, nil
}

// lockExecution returns the execution a decision targets, locked. When the
// request has no open execution the most recent one is returned so the
// aggregator can report why the decision is too late.
func (e *WorkflowEngine) lockExecution(ctx context.Context, repos repository.Repositories, in DecisionInput) (*repository.StepExecution, error) {
	if in.ExecutionID != "" {
		exec, err := repos.Executions.GetForUpdate(ctx, in.ExecutionID)
		if err != nil {
			return nil, err
		}
		if in.RequestID != "" && exec.RequestID != in.RequestID {
			return nil, errors.NotFound("step_execution", in.ExecutionID)
		}
		return exec, nil
	}

	exec, err := repos.Executions.GetLiveForUpdate(ctx, in.RequestID)
	if err == nil {
		return exec, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	if _, err := repos.Requests.GetByID(ctx, in.RequestID); err != nil {
		return nil, err
	}
	all, err := repos.Executions.ListByRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].Superseded {
			return all[i], nil
		}
	}
	return nil, ErrRequestNotPending.WithDetail("request %s has no step to decide", in.RequestID)
}

// ── Administrative transitions ───────────────────────────────────────────────

// Rollback supersedes the executions of the target step and every later
// one, then re-enters the target with a fresh attempt. History is kept.
func (e *WorkflowEngine) Rollback(ctx context.Context, in RollbackInput) (*Transition, error) {
	var tr *Transition
	err := e.store.InTransaction(ctx, func(repos repository.Repositories) error {
		now := e.cfg.now()
		req, err := repos.Requests.GetByID(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if repository.IsTerminal(req.Status) || req.CurrentStep == nil {
			return ErrRequestNotPending.WithDetail("request %s is %s", req.ID, req.Status)
		}
		from := *req.CurrentStep
		if in.ToSequence >= from {
			return ErrInvalidRollbackTarget.WithDetail("target %d is not before current step %d", in.ToSequence, from)
		}

		r := e.newRun(ctx, repos, req, now)
		steps, err := r.activeSteps()
		if err != nil {
			return err
		}
		var target *repository.WorkflowStep
		for _, s := range steps {
			if s.Sequence == in.ToSequence {
				target = s
				break
			}
		}
		if target == nil {
			return ErrInvalidRollbackTarget.WithDetail("no active step at sequence %d", in.ToSequence)
		}

		superseded, err := repos.Executions.SupersedeFrom(ctx, req.ID, in.ToSequence)
		if err != nil {
			return err
		}
		if err := e.tokens.ExpireForExecutions(ctx, repos, superseded, now); err != nil {
			return err
		}
		if err := r.audit(repository.ActionRolledBack, in.ActorID, nil, map[string]any{
			"from_step":  from,
			"to_step":    in.ToSequence,
			"reason":     in.Reason,
			"superseded": superseded,
		}); err != nil {
			return err
		}
		if err := r.enter(target, target.Assignment, entryRollback); err != nil {
			return err
		}
		r.notifyEmployee(EmployeeRolledBack, fmt.Sprintf("Returned to step %d: %s", in.ToSequence, in.Reason))
		if err := r.commit(); err != nil {
			return err
		}
		tr = r.transition("")
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("request_id", in.RequestID).
		Str("actor_id", in.ActorID).
		Int("to_step", in.ToSequence).
		Msg("Request rolled back")

	return tr, nil
}

// Cancel withdraws a pending request. Only the requester or an admin may.
func (e *WorkflowEngine) Cancel(ctx context.Context, requestID, actorID string, isAdmin bool, reason string) (*Transition, error) {
	var tr *Transition
	err := e.store.InTransaction(ctx, func(repos repository.Repositories) error {
		now := e.cfg.now()
		req, err := repos.Requests.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		if repository.IsTerminal(req.Status) {
			return ErrRequestNotPending.WithDetail("request %s is %s", req.ID, req.Status)
		}
		if actorID != req.RequesterID && !isAdmin {
			return ErrNotPermitted.WithDetail("only the requester or an admin may cancel")
		}

		r := e.newRun(ctx, repos, req, now)
		if req.CurrentStep != nil {
			retired, err := repos.Executions.SupersedeFrom(ctx, req.ID, *req.CurrentStep)
			if err != nil {
				return err
			}
			if err := e.tokens.ExpireForExecutions(ctx, repos, retired, now); err != nil {
				return err
			}
		}
		r.setState(repository.StatusCancelled, nil, transitionCancelled)
		if err := r.audit(repository.ActionCancelled, actorID, nil, map[string]any{"reason": reason}); err != nil {
			return err
		}
		if actorID != req.RequesterID {
			r.notifyEmployee(EmployeeCancelled, reason)
		}
		if err := r.commit(); err != nil {
			return err
		}
		tr = r.transition("")
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("request_id", requestID).Str("actor_id", actorID).Msg("Request cancelled")
	return tr, nil
}

// MarkDelivered moves an approved request to delivered.
func (e *WorkflowEngine) MarkDelivered(ctx context.Context, requestID, actorID, notes string) (*Transition, error) {
	var tr *Transition
	err := e.store.InTransaction(ctx, func(repos repository.Repositories) error {
		req, err := repos.Requests.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != repository.StatusApproved {
			return ErrRequestNotApproved.WithDetail("request %s is %s", req.ID, req.Status)
		}
		r := e.newRun(ctx, repos, req, e.cfg.now())
		r.setState(repository.StatusDelivered, nil, transitionDelivered)
		if err := r.audit(repository.ActionDelivered, actorID, nil, map[string]any{"notes": notes}); err != nil {
			return err
		}
		r.notifyEmployee(EmployeeDelivered, notes)
		if err := r.commit(); err != nil {
			return err
		}
		tr = r.transition("")
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("request_id", requestID).Str("actor_id", actorID).Msg("Request delivered")
	return tr, nil
}

// Delay tells the requester their request is held up. It changes no state.
// Assigned approvers of the open step and admins may delay.
func (e *WorkflowEngine) Delay(ctx context.Context, requestID, actorID string, isAdmin bool, message string) (*Transition, error) {
	if message == "" {
		return nil, errors.InvalidInput("message", "is required")
	}
	var tr *Transition
	err := e.store.InTransaction(ctx, func(repos repository.Repositories) error {
		exec, err := repos.Executions.GetLiveForUpdate(ctx, requestID)
		if err != nil {
			if isNotFound(err) {
				return ErrRequestNotPending.WithDetail("request %s has no open step", requestID)
			}
			return err
		}
		req, err := repos.Requests.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		r := e.newRun(ctx, repos, req, e.cfg.now())
		if !isAdmin {
			if _, ok, err := r.slotFor(exec, actorID); err != nil {
				return err
			} else if !ok {
				return ErrActorNotAssigned.WithDetail("user %s on step %d", actorID, exec.StepSequence)
			}
		}
		entry := &repository.AuditEntry{
			Action:   repository.ActionDelayed,
			ActorID:  actorID,
			Metadata: map[string]any{"message": message},
		}
		if err := r.appendAudit(entry, exec); err != nil {
			return err
		}
		r.events = append(r.events, notifyEmployeeEvent(req, EmployeeDelayed, message, entry.ID))
		tr = r.transition("")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// ── Step definitions ─────────────────────────────────────────────────────────

// UpsertStep creates or replaces a step definition.
func (e *WorkflowEngine) UpsertStep(ctx context.Context, step *repository.WorkflowStep) ([]Event, error) {
	if step.WorkflowID == "" {
		return nil, errors.InvalidInput("workflow_id", "is required")
	}
	if step.Name == "" {
		return nil, errors.InvalidInput("name", "is required")
	}
	if step.Sequence <= 0 {
		return nil, errors.InvalidInput("sequence", "must be positive")
	}
	switch step.Policy {
	case repository.PolicyAnyOne, repository.PolicyAll:
	case "":
		step.Policy = repository.PolicyAnyOne
	default:
		return nil, errors.InvalidInput("policy", "must be ANY_ONE or ALL")
	}
	if err := ValidateAssignment(step.Assignment); err != nil {
		return nil, err
	}
	if step.ForwardAssignment != nil {
		if err := ValidateAssignment(*step.ForwardAssignment); err != nil {
			return nil, err
		}
	}
	for _, a := range step.AllowedActions {
		if !isDecision(a) {
			return nil, errors.InvalidInput("allowed_actions", "unknown action "+a)
		}
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	now := e.cfg.now()
	step.UpdatedAt = now

	if err := e.store.Repositories().Steps.Upsert(ctx, step); err != nil {
		return nil, err
	}
	e.log.Info().
		Str("step_id", step.ID).
		Str("workflow_id", step.WorkflowID).
		Int("sequence", step.Sequence).
		Bool("active", step.Active).
		Msg("Workflow step saved")
	return []Event{invalidateCacheEvent(CacheClassSteps, step.WorkflowID, now.UnixNano())}, nil
}

// DeactivateStep takes a step out of routing. Requests already at it finish it.
func (e *WorkflowEngine) DeactivateStep(ctx context.Context, id string) ([]Event, error) {
	repos := e.store.Repositories()
	step, err := repos.Steps.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := e.cfg.now()
	if err := repos.Steps.Deactivate(ctx, id, now); err != nil {
		return nil, err
	}
	e.log.Info().Str("step_id", id).Str("workflow_id", step.WorkflowID).Msg("Workflow step deactivated")
	return []Event{invalidateCacheEvent(CacheClassSteps, step.WorkflowID, now.UnixNano())}, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetRequest returns a request with its executions.
func (e *WorkflowEngine) GetRequest(ctx context.Context, id string) (*RequestDetails, error) {
	repos := e.store.Repositories()
	req, err := repos.Requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	execs, err := repos.Executions.ListByRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RequestDetails{Request: req, Executions: execs}, nil
}

// AuditTrail returns a request's audit entries, oldest first.
func (e *WorkflowEngine) AuditTrail(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	repos := e.store.Repositories()
	if _, err := repos.Requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return repos.Audit.ListByRequest(ctx, requestID)
}

// PendingFor lists open slots userID may decide right now, either as the
// nominal assignee or through an active delegation.
func (e *WorkflowEngine) PendingFor(ctx context.Context, userID string) ([]PendingApproval, error) {
	repos := e.store.Repositories()
	now := e.cfg.now()

	// Slots are stored with the actor resolved at entry, so also look at the
	// open steps of everyone who currently delegates to userID.
	owners := []string{userID}
	delegations, err := repos.Delegations.ListInvolving(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, d := range delegations {
		if d.DelegateID == userID && d.ActiveAt(now) && !slices.Contains(owners, d.PrincipalID) {
			owners = append(owners, d.PrincipalID)
		}
	}

	var execs []*repository.StepExecution
	seen := map[string]bool{}
	for _, owner := range owners {
		list, err := repos.Executions.ListOpenForUser(ctx, owner)
		if err != nil {
			return nil, err
		}
		for _, exec := range list {
			if !seen[exec.ID] {
				seen[exec.ID] = true
				execs = append(execs, exec)
			}
		}
	}

	var out []PendingApproval
	for _, exec := range execs {
		for _, a := range exec.Assignees {
			if _, decided := exec.Decisions[a.NominalUserID]; decided {
				continue
			}
			ref, err := e.delegations.resolve(ctx, repos.Delegations, NominalAssignee{
				UserID: a.NominalUserID,
				Role:   a.Role,
				StepID: exec.StepID,
			}, now)
			if err != nil {
				return nil, err
			}
			if ref.UserID != userID {
				continue
			}
			req, err := repos.Requests.GetByID(ctx, exec.RequestID)
			if err != nil {
				return nil, err
			}
			out = append(out, PendingApproval{Request: req, Execution: exec, NominalUserID: a.NominalUserID})
		}
	}
	return out, nil
}

// rerouteSlots re-resolves principalID's undecided slots on open executions
// after one of their delegations changed. A slot that moves gets a link and a
// notification for its new actor; users left with no slot lose their link.
func (e *WorkflowEngine) rerouteSlots(ctx context.Context, repos repository.Repositories, principalID, cause string, now time.Time) ([]Event, error) {
	listed, err := repos.Executions.ListOpenForUser(ctx, principalID)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, l := range listed {
		exec, err := repos.Executions.GetForUpdate(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		if !exec.Open() {
			continue
		}

		var moved []int
		replaced := map[string]string{}
		for i, a := range exec.Assignees {
			if a.NominalUserID != principalID {
				continue
			}
			if _, decided := exec.Decisions[a.NominalUserID]; decided {
				continue
			}
			ref, err := e.delegations.resolve(ctx, repos.Delegations, NominalAssignee{
				UserID: a.NominalUserID,
				Role:   a.Role,
				StepID: exec.StepID,
			}, now)
			if err != nil {
				return nil, err
			}
			if ref.UserID == a.ActingUserID {
				continue
			}
			replaced[a.ActingUserID] = ref.UserID
			exec.Assignees[i].ActingUserID = ref.UserID
			exec.Assignees[i].DelegationID = ref.DelegationID
			moved = append(moved, i)
		}
		if len(moved) == 0 {
			continue
		}
		if err := repos.Executions.UpdateAssignees(ctx, exec.ID, exec.Assignees); err != nil {
			return nil, err
		}

		req, err := repos.Requests.GetByID(ctx, exec.RequestID)
		if err != nil {
			return nil, err
		}
		r := e.newRun(ctx, repos, req, now)
		step, err := r.stepFor(exec)
		if err != nil {
			return nil, err
		}

		for old := range replaced {
			if actsOn(exec, old) {
				continue
			}
			tok, err := repos.Tokens.FindOpen(ctx, req.ID, exec.StepSequence, old)
			if err != nil {
				return nil, err
			}
			if tok != nil {
				if err := repos.Tokens.Revoke(ctx, tok.ID, now); err != nil {
					return nil, err
				}
			}
		}
		for _, i := range moved {
			ev, err := r.summon(step, exec, exec.Assignees[i])
			if err != nil {
				return nil, err
			}
			ev.ID += ":" + cause
			r.events = append(r.events, ev)
		}
		if err := r.audit(repository.ActionReassigned, systemActor, exec, map[string]any{
			"nominal_user_id": principalID,
			"replaced":        replaced,
			"cause":           cause,
		}); err != nil {
			return nil, err
		}
		events = append(events, r.events...)

		e.log.Info().
			Str("request_id", req.ID).
			Int("step", exec.StepSequence).
			Str("principal_id", principalID).
			Int("slots", len(moved)).
			Msg("Approver slots rerouted")
	}
	return events, nil
}

// actsOn reports whether userID acts for an undecided slot of exec.
func actsOn(exec *repository.StepExecution, userID string) bool {
	for _, a := range exec.Assignees {
		if _, decided := exec.Decisions[a.NominalUserID]; !decided && a.ActingUserID == userID {
			return true
		}
	}
	return false
}

// activeSteps loads a workflow's active steps and rejects orderings the
// engine cannot follow.
func (e *WorkflowEngine) activeSteps(ctx context.Context, workflowID string) ([]*repository.WorkflowStep, error) {
	steps, err := e.ref.ActiveSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, ErrNoActiveSteps.WithDetail("workflow %s", workflowID)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].Sequence == steps[i-1].Sequence {
			return nil, ErrAmbiguousStepOrdering.WithDetail("workflow %s sequence %d", workflowID, steps[i].Sequence)
		}
	}
	return steps, nil
}

// ── Run: one transition inside one transaction ───────────────────────────────

type run struct {
	e            *WorkflowEngine
	ctx          context.Context
	repos        repository.Repositories
	now          time.Time
	req          *repository.Request
	version      int64
	statusBefore string
	dirty        bool
	steps        []*repository.WorkflowStep
	events       []Event
}

func (e *WorkflowEngine) newRun(ctx context.Context, repos repository.Repositories, req *repository.Request, now time.Time) *run {
	return &run{
		e:            e,
		ctx:          ctx,
		repos:        repos,
		now:          now,
		req:          req,
		version:      req.Version,
		statusBefore: req.Status,
	}
}

func (r *run) activeSteps() ([]*repository.WorkflowStep, error) {
	if r.steps == nil {
		steps, err := r.e.activeSteps(r.ctx, r.req.WorkflowID)
		if err != nil {
			return nil, err
		}
		r.steps = steps
	}
	return r.steps, nil
}

// stepFor returns an execution's step even if it has since been deactivated.
func (r *run) stepFor(exec *repository.StepExecution) (*repository.WorkflowStep, error) {
	if steps, err := r.activeSteps(); err == nil {
		for _, s := range steps {
			if s.ID == exec.StepID {
				return s, nil
			}
		}
	}
	return r.repos.Steps.GetByID(r.ctx, exec.StepID)
}

// enter creates an execution for step and requests its side effects.
func (r *run) enter(step *repository.WorkflowStep, rule repository.AssignmentRule, kind entryKind) error {
	attempt, err := r.nextAttempt(step.Sequence)
	if err != nil {
		return err
	}
	seq := step.Sequence
	r.setState(repository.StatusPending, &seq, kind.transition())

	exec := &repository.StepExecution{
		ID:           uuid.NewString(),
		RequestID:    r.req.ID,
		StepID:       step.ID,
		StepSequence: step.Sequence,
		Attempt:      attempt,
		Policy:       step.Policy,
		Assignment:   rule,
		Decisions:    map[string]repository.Decision{},
		CreatedAt:    r.now,
	}

	// Auto-approval only applies when a step is reached in normal flow.
	if kind == entryNormal {
		match, err := r.e.autoApproval.IsAutoApprovable(r.ctx, r.req, step)
		if err != nil {
			return err
		}
		if match != nil {
			outcome := repository.DecisionApproved
			exec.Outcome = &outcome
			exec.AutoApproved = true
			exec.FinalizedAt = &r.now
			if err := r.repos.Executions.Create(r.ctx, exec); err != nil {
				return err
			}
			if err := r.appendAudit(&repository.AuditEntry{
				Action:  repository.ActionAutoApproved,
				ActorID: systemActor,
				Metadata: map[string]any{
					"rule_id":    match.ID,
					"max_amount": match.MaxAmount,
					"step_name":  step.Name,
				},
			}, exec); err != nil {
				return err
			}
			return r.advance(Advance{Kind: AdvanceApproved}, exec)
		}
	}

	assignees, err := r.e.assignments.assign(r.ctx, r.repos.Delegations, step, r.req, rule, r.now)
	if err != nil {
		return err
	}
	exec.Assignees = assignees
	if err := r.repos.Executions.Create(r.ctx, exec); err != nil {
		return err
	}

	acting := make([]string, 0, len(assignees))
	for _, a := range assignees {
		acting = append(acting, a.ActingUserID)
	}
	if err := r.appendAudit(&repository.AuditEntry{
		Action:  repository.ActionStepEntered,
		ActorID: systemActor,
		Metadata: map[string]any{
			"step_name": step.Name,
			"attempt":   attempt,
			"policy":    step.Policy,
			"assignees": acting,
			"entry":     kind.transition(),
		},
	}, exec); err != nil {
		return err
	}

	for _, a := range assignees {
		ev, err := r.summon(step, exec, a)
		if err != nil {
			return err
		}
		r.events = append(r.events, ev)
	}
	return nil
}

// summon issues the acting user's link when the step uses links and returns
// the notification for them.
func (r *run) summon(step *repository.WorkflowStep, exec *repository.StepExecution, a repository.Assignee) (Event, error) {
	var tokenID string
	if step.RequiresToken {
		actions := step.AllowedActions
		if len(actions) == 0 {
			actions = r.e.cfg.DefaultTokenActions
		}
		tok, err := r.e.tokens.issue(r.ctx, r.repos, IssueTokenInput{
			RequestID:      r.req.ID,
			ExecutionID:    exec.ID,
			StepSequence:   exec.StepSequence,
			UserID:         a.ActingUserID,
			AllowedActions: actions,
		}, r.e.cfg.TokenTTL, r.now)
		if err != nil {
			return Event{}, err
		}
		tokenID = tok.ID
	}
	return notifyApproverEvent(r.req, exec, step.Name, a, tokenID), nil
}

// advance applies a finalised step's transition.
func (r *run) advance(adv Advance, exec *repository.StepExecution) error {
	switch adv.Kind {
	case AdvanceApproved:
		steps, err := r.activeSteps()
		if err != nil {
			return err
		}
		for _, s := range steps {
			if s.Sequence > exec.StepSequence {
				return r.enter(s, s.Assignment, entryNormal)
			}
		}
		r.setState(repository.StatusApproved, nil, transitionCompleted)
		if err := r.audit(repository.ActionCompleted, systemActor, nil, nil); err != nil {
			return err
		}
		r.notifyEmployee(EmployeeApproved, "")
		return nil

	case AdvanceRejected:
		r.setState(repository.StatusRejected, nil, transitionRejected)
		r.notifyEmployee(EmployeeRejected, rejectionNotes(exec))
		return nil

	case AdvanceForwarded:
		if adv.Override == nil {
			return ErrForwardTargetMissing
		}
		step, err := r.stepFor(exec)
		if err != nil {
			return err
		}
		r.notifyEmployee(EmployeeForwarded, "")
		return r.enter(step, *adv.Override, entryForward)
	}
	return errors.New(errors.ErrCodeInternal, "unhandled advance kind "+adv.Kind.String())
}

// slotFor finds the assignee slot actorID may decide for: a slot whose
// nominal user resolves to actorID right now. Undecided slots win.
func (r *run) slotFor(exec *repository.StepExecution, actorID string) (string, bool, error) {
	var decided string
	for _, a := range exec.Assignees {
		ref, err := r.e.delegations.resolve(r.ctx, r.repos.Delegations, NominalAssignee{
			UserID: a.NominalUserID,
			Role:   a.Role,
			StepID: exec.StepID,
		}, r.now)
		if err != nil {
			return "", false, err
		}
		if ref.UserID != actorID {
			continue
		}
		if _, ok := exec.Decisions[a.NominalUserID]; !ok {
			return a.NominalUserID, true, nil
		}
		if decided == "" {
			decided = a.NominalUserID
		}
	}
	return decided, decided != "", nil
}

func (r *run) forwardTarget(exec *repository.StepExecution, requested *repository.AssignmentRule) (*repository.AssignmentRule, error) {
	override := requested
	if override == nil {
		step, err := r.stepFor(exec)
		if err != nil {
			return nil, err
		}
		override = step.ForwardAssignment
	}
	if override == nil {
		return nil, ErrForwardTargetMissing.WithDetail("step %d has no default forward target", exec.StepSequence)
	}
	if err := ValidateAssignment(*override); err != nil {
		return nil, err
	}
	rule := *override
	return &rule, nil
}

func (r *run) nextAttempt(sequence int) (int, error) {
	execs, err := r.repos.Executions.ListByRequest(r.ctx, r.req.ID)
	if err != nil {
		return 0, err
	}
	attempt := 1
	for _, e := range execs {
		if e.StepSequence == sequence {
			attempt++
		}
	}
	return attempt, nil
}

func (r *run) setState(status string, pointer *int, transition string) {
	r.req.Status = status
	r.req.CurrentStep = pointer
	r.req.LastTransition = transition
	r.dirty = true
}

func (r *run) notifyEmployee(kind, message string) {
	r.events = append(r.events, notifyEmployeeEvent(r.req, kind, message, strconv.FormatInt(r.version, 10)))
}

func (r *run) audit(action, actorID string, exec *repository.StepExecution, meta map[string]any) error {
	return r.appendAudit(&repository.AuditEntry{Action: action, ActorID: actorID, Metadata: meta}, exec)
}

func (r *run) appendAudit(entry *repository.AuditEntry, exec *repository.StepExecution) error {
	entry.ID = uuid.NewString()
	entry.RequestID = r.req.ID
	entry.PerformedAt = r.now
	if exec != nil {
		id, seq := exec.ID, exec.StepSequence
		entry.ExecutionID = &id
		entry.StepSequence = &seq
	}
	before, after := r.statusBefore, r.req.Status
	entry.StatusBefore = &before
	entry.StatusAfter = &after
	return r.repos.Audit.Append(r.ctx, entry)
}

// commit writes the request's new state, guarded by the version it was read at.
func (r *run) commit() error {
	if !r.dirty {
		return nil
	}
	r.req.UpdatedAt = r.now
	return r.repos.Requests.UpdateState(r.ctx, r.req, r.version)
}

func (r *run) transition(outcome string) *Transition {
	return &Transition{Request: r.req, Outcome: outcome, Events: r.events}
}

func rejectionNotes(exec *repository.StepExecution) string {
	for _, d := range exec.Decisions {
		if d.Kind == repository.DecisionRejected {
			return d.Notes
		}
	}
	return ""
}

func isDecision(s string) bool {
	switch s {
	case repository.DecisionApproved, repository.DecisionRejected, repository.DecisionForwarded:
		return true
	}
	return false
}
