// Package memory is an in-process repository.Store. Transactions run one at a
// time and are rolled back by restoring a snapshot, so concurrent callers
// observe the same conditional-update semantics as the Postgres store.
// Non-transactional reads may observe uncommitted writes.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

type state struct {
	requests    map[string]*repository.Request
	steps       map[string]*repository.WorkflowStep
	executions  []*repository.StepExecution
	tokens      map[string]*repository.ApprovalToken
	delegations []*repository.Delegation
	audit       []*repository.AuditEntry
	users       map[string]*repository.User
	departments map[string]*repository.Department
	rules       []*repository.AutoApprovalRule
}

func newState() *state {
	return &state{
		requests:    map[string]*repository.Request{},
		steps:       map[string]*repository.WorkflowStep{},
		tokens:      map[string]*repository.ApprovalToken{},
		users:       map[string]*repository.User{},
		departments: map[string]*repository.Department{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.requests {
		c.requests[k] = v.Clone()
	}
	for k, v := range s.steps {
		c.steps[k] = cloneStep(v)
	}
	for _, e := range s.executions {
		c.executions = append(c.executions, e.Clone())
	}
	for k, v := range s.tokens {
		c.tokens[k] = cloneToken(v)
	}
	for _, d := range s.delegations {
		dc := *d
		c.delegations = append(c.delegations, &dc)
	}
	c.audit = slices.Clone(s.audit)
	for k, v := range s.users {
		uc := *v
		c.users[k] = &uc
	}
	for k, v := range s.departments {
		dc := *v
		c.departments[k] = &dc
	}
	c.rules = slices.Clone(s.rules)
	return c
}

// Store is the in-memory repository.Store.
type Store struct {
	txMu  sync.Mutex // held for the duration of a transaction
	mu    sync.Mutex // held for each individual repository call
	state *state
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// Repositories returns repositories usable in or outside a transaction.
func (s *Store) Repositories() repository.Repositories {
	return s.bind()
}

// InTransaction runs fn exclusively against the store and restores the prior
// state when fn fails or panics.
func (s *Store) InTransaction(ctx context.Context, fn func(repository.Repositories) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.state.clone()
	s.mu.Unlock()

	defer func() {
		p := recover()
		if p != nil || err != nil {
			s.mu.Lock()
			s.state = snapshot
			s.mu.Unlock()
		}
		if p != nil {
			panic(p)
		}
	}()

	return fn(s.bind())
}

func (s *Store) bind() repository.Repositories {
	b := &binding{store: s}
	return repository.Repositories{
		Requests:    &requestRepo{b},
		Steps:       &stepRepo{b},
		Executions:  &executionRepo{b},
		Tokens:      &tokenRepo{b},
		Delegations: &delegationRepo{b},
		Audit:       &auditRepo{b},
		Directory:   &directoryRepo{b},
	}
}

type binding struct {
	store *Store
}

func (b *binding) guard() func() {
	b.store.mu.Lock()
	return b.store.mu.Unlock
}

// st must be called with the guard held; a rollback swaps the state pointer.
func (b *binding) st() *state { return b.store.state }

// ── Seeding ─────────────────────────────────────────────────────────────────

// PutUser stores a directory user.
func (s *Store) PutUser(u repository.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Roles = slices.Clone(u.Roles)
	s.state.users[u.ID] = &u
}

// PutDepartment stores a department.
func (s *Store) PutDepartment(d repository.Department) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ManagerIDs = slices.Clone(d.ManagerIDs)
	s.state.departments[d.ID] = &d
}

// PutAutoApprovalRule stores an auto-approval rule.
func (s *Store) PutAutoApprovalRule(r repository.AutoApprovalRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.rules = append(s.state.rules, &r)
}

// PutStep stores a step definition without the active-sequence uniqueness
// check, so misconfigured workflows can be reproduced.
func (s *Store) PutStep(step repository.WorkflowStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.steps[step.ID] = cloneStep(&step)
}

// ── Requests ─────────────────────────────────────────────────────────────────

type requestRepo struct{ b *binding }

func (r *requestRepo) Create(_ context.Context, req *repository.Request) error {
	defer r.b.guard()()
	st := r.b.st()
	if _, ok := st.requests[req.ID]; ok {
		return errors.New(errors.ErrCodeConflict, "request already exists: "+req.ID)
	}
	req.Version = 1
	req.UpdatedAt = req.CreatedAt
	st.requests[req.ID] = req.Clone()
	return nil
}

func (r *requestRepo) GetByID(_ context.Context, id string) (*repository.Request, error) {
	defer r.b.guard()()
	req, ok := r.b.st().requests[id]
	if !ok {
		return nil, errors.NotFound("request", id)
	}
	return req.Clone(), nil
}

func (r *requestRepo) UpdateState(_ context.Context, req *repository.Request, expectedVersion int64) error {
	defer r.b.guard()()
	stored, ok := r.b.st().requests[req.ID]
	if !ok || stored.Version != expectedVersion {
		return repository.ErrStaleRequest.WithDetail("request %s", req.ID)
	}
	stored.CurrentStep = nil
	if req.CurrentStep != nil {
		s := *req.CurrentStep
		stored.CurrentStep = &s
	}
	stored.Status = req.Status
	stored.LastTransition = req.LastTransition
	stored.UpdatedAt = req.UpdatedAt
	stored.Version++
	req.Version = stored.Version
	return nil
}

func (r *requestRepo) ListByRequester(_ context.Context, requesterID string) ([]*repository.Request, error) {
	defer r.b.guard()()
	var out []*repository.Request
	for _, req := range r.b.st().requests {
		if req.RequesterID == requesterID {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ── Steps ────────────────────────────────────────────────────────────────────

type stepRepo struct{ b *binding }

func (r *stepRepo) GetByID(_ context.Context, id string) (*repository.WorkflowStep, error) {
	defer r.b.guard()()
	step, ok := r.b.st().steps[id]
	if !ok {
		return nil, errors.NotFound("workflow_step", id)
	}
	return cloneStep(step), nil
}

func (r *stepRepo) ListActive(_ context.Context, workflowID string) ([]*repository.WorkflowStep, error) {
	defer r.b.guard()()
	var out []*repository.WorkflowStep
	for _, s := range r.b.st().steps {
		if s.WorkflowID == workflowID && s.Active {
			out = append(out, cloneStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *stepRepo) Upsert(_ context.Context, step *repository.WorkflowStep) error {
	defer r.b.guard()()
	st := r.b.st()
	if step.Active {
		for _, s := range st.steps {
			if s.ID != step.ID && s.WorkflowID == step.WorkflowID && s.Active && s.Sequence == step.Sequence {
				return repository.ErrDuplicateSequence.WithDetail("workflow %s sequence %d", step.WorkflowID, step.Sequence)
			}
		}
	}
	if existing, ok := st.steps[step.ID]; ok {
		step.CreatedAt = existing.CreatedAt
	} else {
		step.CreatedAt = step.UpdatedAt
	}
	st.steps[step.ID] = cloneStep(step)
	return nil
}

func (r *stepRepo) Deactivate(_ context.Context, id string, at time.Time) error {
	defer r.b.guard()()
	step, ok := r.b.st().steps[id]
	if !ok {
		return errors.NotFound("workflow_step", id)
	}
	step.Active = false
	step.UpdatedAt = at
	return nil
}

// ── Executions ───────────────────────────────────────────────────────────────

type executionRepo struct{ b *binding }

func (r *executionRepo) find(id string) *repository.StepExecution {
	for _, e := range r.b.st().executions {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (r *executionRepo) Create(_ context.Context, exec *repository.StepExecution) error {
	defer r.b.guard()()
	if exec.Decisions == nil {
		exec.Decisions = map[string]repository.Decision{}
	}
	st := r.b.st()
	st.executions = append(st.executions, exec.Clone())
	return nil
}

func (r *executionRepo) GetForUpdate(_ context.Context, id string) (*repository.StepExecution, error) {
	defer r.b.guard()()
	e := r.find(id)
	if e == nil {
		return nil, errors.NotFound("step_execution", id)
	}
	return e.Clone(), nil
}

func (r *executionRepo) GetLiveForUpdate(_ context.Context, requestID string) (*repository.StepExecution, error) {
	defer r.b.guard()()
	execs := r.b.st().executions
	for i := len(execs) - 1; i >= 0; i-- {
		if e := execs[i]; e.RequestID == requestID && e.Open() {
			return e.Clone(), nil
		}
	}
	return nil, errors.NotFound("step_execution", requestID)
}

func (r *executionRepo) InsertDecision(_ context.Context, executionID string, d repository.Decision) error {
	defer r.b.guard()()
	e := r.find(executionID)
	if e == nil {
		return errors.NotFound("step_execution", executionID)
	}
	if _, taken := e.Decisions[d.NominalUserID]; taken {
		return repository.ErrDuplicateDecision.WithDetail("user %s", d.NominalUserID)
	}
	e.Decisions[d.NominalUserID] = d
	return nil
}

func (r *executionRepo) Finalize(_ context.Context, executionID, outcome string, at time.Time) error {
	defer r.b.guard()()
	e := r.find(executionID)
	if e == nil || !e.Open() {
		return repository.ErrAlreadyFinalized.WithDetail("execution %s", executionID)
	}
	e.Outcome = &outcome
	e.FinalizedAt = &at
	return nil
}

func (r *executionRepo) UpdateAssignees(_ context.Context, executionID string, assignees []repository.Assignee) error {
	defer r.b.guard()()
	e := r.find(executionID)
	if e == nil || !e.Open() {
		return repository.ErrAlreadyFinalized.WithDetail("execution %s", executionID)
	}
	e.Assignees = append([]repository.Assignee(nil), assignees...)
	return nil
}

func (r *executionRepo) SupersedeFrom(_ context.Context, requestID string, sequence int) ([]string, error) {
	defer r.b.guard()()
	var ids []string
	for _, e := range r.b.st().executions {
		if e.RequestID == requestID && e.StepSequence >= sequence && !e.Superseded {
			e.Superseded = true
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (r *executionRepo) ListByRequest(_ context.Context, requestID string) ([]*repository.StepExecution, error) {
	defer r.b.guard()()
	var out []*repository.StepExecution
	for _, e := range r.b.st().executions {
		if e.RequestID == requestID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (r *executionRepo) ListOpenForUser(_ context.Context, userID string) ([]*repository.StepExecution, error) {
	defer r.b.guard()()
	var out []*repository.StepExecution
	for _, e := range r.b.st().executions {
		if !e.Open() {
			continue
		}
		for _, a := range e.Assignees {
			if a.NominalUserID == userID || a.ActingUserID == userID {
				out = append(out, e.Clone())
				break
			}
		}
	}
	return out, nil
}

// ── Tokens ───────────────────────────────────────────────────────────────────

type tokenRepo struct{ b *binding }

func (r *tokenRepo) Create(_ context.Context, tok *repository.ApprovalToken) error {
	defer r.b.guard()()
	st := r.b.st()
	for _, t := range st.tokens {
		if t.RequestID == tok.RequestID && t.StepSequence == tok.StepSequence && t.UserID == tok.UserID &&
			t.ConsumedAt == nil && !t.Revoked {
			return repository.ErrDuplicateOpenToken.WithDetail("request %s step %d user %s", tok.RequestID, tok.StepSequence, tok.UserID)
		}
	}
	st.tokens[tok.ID] = cloneToken(tok)
	return nil
}

func (r *tokenRepo) GetByID(_ context.Context, id string) (*repository.ApprovalToken, error) {
	defer r.b.guard()()
	t, ok := r.b.st().tokens[id]
	if !ok {
		return nil, errors.NotFound("approval_token", "redacted")
	}
	return cloneToken(t), nil
}

func (r *tokenRepo) FindOpen(_ context.Context, requestID string, stepSequence int, userID string) (*repository.ApprovalToken, error) {
	defer r.b.guard()()
	for _, t := range r.b.st().tokens {
		if t.RequestID == requestID && t.StepSequence == stepSequence && t.UserID == userID &&
			t.ConsumedAt == nil && !t.Revoked {
			return cloneToken(t), nil
		}
	}
	return nil, nil
}

func (r *tokenRepo) Consume(_ context.Context, id, action string, at time.Time) (*repository.ApprovalToken, error) {
	defer r.b.guard()()
	t, ok := r.b.st().tokens[id]
	if !ok || !t.ValidAt(at) {
		return nil, nil
	}
	t.ConsumedAt = &at
	t.ConsumedAction = &action
	return cloneToken(t), nil
}

func (r *tokenRepo) Revoke(_ context.Context, id string, at time.Time) error {
	defer r.b.guard()()
	if t, ok := r.b.st().tokens[id]; ok && t.ConsumedAt == nil {
		revoke(t, at)
	}
	return nil
}

func (r *tokenRepo) RevokeForExecutions(_ context.Context, executionIDs []string, at time.Time) (int64, error) {
	defer r.b.guard()()
	var n int64
	for _, t := range r.b.st().tokens {
		if t.ConsumedAt == nil && !t.Revoked && slices.Contains(executionIDs, t.ExecutionID) {
			revoke(t, at)
			n++
		}
	}
	return n, nil
}

func (r *tokenRepo) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	defer r.b.guard()()
	var n int64
	st := r.b.st()
	for id, t := range st.tokens {
		expired := t.ExpiresAt != nil && t.ExpiresAt.Before(before)
		consumed := t.ConsumedAt != nil && t.ConsumedAt.Before(before)
		if expired || consumed {
			delete(st.tokens, id)
			n++
		}
	}
	return n, nil
}

func revoke(t *repository.ApprovalToken, at time.Time) {
	t.Revoked = true
	if t.ExpiresAt == nil || at.Before(*t.ExpiresAt) {
		t.ExpiresAt = &at
	}
}

// ── Delegations ──────────────────────────────────────────────────────────────

type delegationRepo struct{ b *binding }

func (r *delegationRepo) Create(_ context.Context, d *repository.Delegation) error {
	defer r.b.guard()()
	dc := *d
	st := r.b.st()
	st.delegations = append(st.delegations, &dc)
	return nil
}

func (r *delegationRepo) GetByID(_ context.Context, id string) (*repository.Delegation, error) {
	defer r.b.guard()()
	for _, d := range r.b.st().delegations {
		if d.ID == id {
			dc := *d
			return &dc, nil
		}
	}
	return nil, errors.NotFound("delegation", id)
}

func (r *delegationRepo) Revoke(_ context.Context, id string) error {
	defer r.b.guard()()
	for _, d := range r.b.st().delegations {
		if d.ID == id {
			d.Revoked = true
			return nil
		}
	}
	return errors.NotFound("delegation", id)
}

func (r *delegationRepo) ListForPrincipal(_ context.Context, principalID string) ([]*repository.Delegation, error) {
	defer r.b.guard()()
	return r.newestFirst(func(d *repository.Delegation) bool { return d.PrincipalID == principalID }), nil
}

func (r *delegationRepo) ListInvolving(_ context.Context, userID string) ([]*repository.Delegation, error) {
	defer r.b.guard()()
	return r.newestFirst(func(d *repository.Delegation) bool {
		return d.PrincipalID == userID || d.DelegateID == userID
	}), nil
}

// newestFirst walks insertion order backwards so equal CreatedAt values keep
// the later insert first.
func (r *delegationRepo) newestFirst(match func(*repository.Delegation) bool) []*repository.Delegation {
	var out []*repository.Delegation
	all := r.b.st().delegations
	for i := len(all) - 1; i >= 0; i-- {
		if d := all[i]; !d.Revoked && match(d) {
			dc := *d
			out = append(out, &dc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ── Audit ────────────────────────────────────────────────────────────────────

type auditRepo struct{ b *binding }

func (r *auditRepo) Append(_ context.Context, entry *repository.AuditEntry) error {
	defer r.b.guard()()
	ec := *entry
	st := r.b.st()
	st.audit = append(st.audit, &ec)
	return nil
}

func (r *auditRepo) ListByRequest(_ context.Context, requestID string) ([]*repository.AuditEntry, error) {
	defer r.b.guard()()
	var out []*repository.AuditEntry
	for _, e := range r.b.st().audit {
		if e.RequestID == requestID {
			ec := *e
			out = append(out, &ec)
		}
	}
	return out, nil
}

// ── Directory ────────────────────────────────────────────────────────────────

type directoryRepo struct{ b *binding }

func (r *directoryRepo) GetUser(_ context.Context, id string) (*repository.User, error) {
	defer r.b.guard()()
	u, ok := r.b.st().users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	uc := *u
	return &uc, nil
}

func (r *directoryRepo) ListActiveUsersByRole(_ context.Context, role, departmentID string) ([]*repository.User, error) {
	defer r.b.guard()()
	var out []*repository.User
	for _, u := range r.b.st().users {
		if !u.Active || !slices.Contains(u.Roles, role) {
			continue
		}
		if departmentID != "" && u.DepartmentID != departmentID {
			continue
		}
		uc := *u
		out = append(out, &uc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *directoryRepo) GetDepartment(_ context.Context, id string) (*repository.Department, error) {
	defer r.b.guard()()
	d, ok := r.b.st().departments[id]
	if !ok {
		return nil, errors.NotFound("department", id)
	}
	dc := *d
	return &dc, nil
}

func (r *directoryRepo) ListAutoApprovalRules(_ context.Context, departmentID string) ([]*repository.AutoApprovalRule, error) {
	defer r.b.guard()()
	var out []*repository.AutoApprovalRule
	for _, rule := range r.b.st().rules {
		if rule.DepartmentID == departmentID && rule.Active {
			rc := *rule
			out = append(out, &rc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MaxAmount < out[j].MaxAmount })
	return out, nil
}

func cloneStep(s *repository.WorkflowStep) *repository.WorkflowStep {
	c := *s
	c.Assignment.UserIDs = slices.Clone(s.Assignment.UserIDs)
	c.AllowedActions = slices.Clone(s.AllowedActions)
	if s.ForwardAssignment != nil {
		f := *s.ForwardAssignment
		f.UserIDs = slices.Clone(f.UserIDs)
		c.ForwardAssignment = &f
	}
	return &c
}

func cloneToken(t *repository.ApprovalToken) *repository.ApprovalToken {
	c := *t
	c.AllowedActions = slices.Clone(t.AllowedActions)
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		c.ExpiresAt = &e
	}
	if t.ConsumedAt != nil {
		at := *t.ConsumedAt
		c.ConsumedAt = &at
	}
	if t.ConsumedAction != nil {
		a := *t.ConsumedAction
		c.ConsumedAction = &a
	}
	return &c
}
