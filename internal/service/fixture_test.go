package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

var day1 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	clock  *fakeClock
	cfg    Config
	engine *WorkflowEngine
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	clock := &fakeClock{t: day1}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	for _, opt := range opts {
		opt(&cfg)
	}
	store := memory.NewStore()
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		clock:  clock,
		cfg:    cfg,
		engine: NewWorkflowEngine(store, repository.NewReferenceReader(store), cfg, logger.Nop()),
	}
}

func (f *fixture) user(id, dept string, roles ...string) {
	f.store.PutUser(repository.User{ID: id, DepartmentID: dept, Roles: roles, Active: true})
}

// step stores an active ANY_ONE step; mutate tweaks it before storage.
func (f *fixture) step(workflowID string, seq int, rule repository.AssignmentRule, mutate ...func(*repository.WorkflowStep)) *repository.WorkflowStep {
	s := repository.WorkflowStep{
		ID:         fmt.Sprintf("%s-%d", workflowID, seq),
		WorkflowID: workflowID,
		Sequence:   seq,
		Name:       fmt.Sprintf("Step %d", seq),
		Assignment: rule,
		Policy:     repository.PolicyAnyOne,
		Active:     true,
	}
	for _, m := range mutate {
		m(&s)
	}
	f.store.PutStep(s)
	return &s
}

func (f *fixture) submit(workflowID, requester string, amount int64) *Transition {
	f.t.Helper()
	tr, err := f.engine.Submit(f.ctx, SubmitInput{
		WorkflowID:  workflowID,
		RequesterID: requester,
		Title:       "New laptop",
		Amount:      amount,
		Currency:    "USD",
	})
	require.NoError(f.t, err)
	assertPointerMatchesStatus(f.t, tr.Request)
	return tr
}

func (f *fixture) decide(requestID, actor, kind string) (*Transition, error) {
	tr, err := f.engine.SubmitDecision(f.ctx, DecisionInput{RequestID: requestID, ActorID: actor, Decision: kind})
	if err == nil {
		assertPointerMatchesStatus(f.t, tr.Request)
	}
	return tr, err
}

func (f *fixture) mustDecide(requestID, actor, kind string) *Transition {
	f.t.Helper()
	tr, err := f.decide(requestID, actor, kind)
	require.NoError(f.t, err)
	return tr
}

func (f *fixture) request(id string) *repository.Request {
	f.t.Helper()
	req, err := f.store.Repositories().Requests.GetByID(f.ctx, id)
	require.NoError(f.t, err)
	return req
}

func (f *fixture) executions(requestID string) []*repository.StepExecution {
	f.t.Helper()
	execs, err := f.store.Repositories().Executions.ListByRequest(f.ctx, requestID)
	require.NoError(f.t, err)
	return execs
}

func (f *fixture) auditActions(requestID string) []string {
	f.t.Helper()
	entries, err := f.engine.AuditTrail(f.ctx, requestID)
	require.NoError(f.t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func usersRule(ids ...string) repository.AssignmentRule {
	return repository.AssignmentRule{Kind: repository.AssignUsers, UserIDs: ids}
}

func requiresToken(s *repository.WorkflowStep) { s.RequiresToken = true }

func policyAll(s *repository.WorkflowStep) { s.Policy = repository.PolicyAll }

// tokenFor returns the token id carried by the notify event for userID.
func tokenFor(t *testing.T, events []Event, userID string) string {
	t.Helper()
	for _, e := range events {
		if e.Kind == EventNotifyApprover && e.UserID == userID && e.TokenID != "" {
			return e.TokenID
		}
	}
	t.Fatalf("no token issued to %s", userID)
	return ""
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func assertPointerMatchesStatus(t *testing.T, req *repository.Request) {
	t.Helper()
	require.Equal(t, repository.IsTerminal(req.Status), req.CurrentStep == nil,
		"status %s with current step %v", req.Status, req.CurrentStep)
}
