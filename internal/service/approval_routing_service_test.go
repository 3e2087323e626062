package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/pkg/auth"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, events []Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
	return d.err
}

type countingRecorder struct {
	nopRecorder
	submitted, decisions, finished int
	tokenReasons                   []string
}

func (r *countingRecorder) RequestSubmitted(string)               { r.submitted++ }
func (r *countingRecorder) DecisionRecorded(string, bool)         { r.decisions++ }
func (r *countingRecorder) RequestFinished(string, time.Duration) { r.finished++ }
func (r *countingRecorder) TokenRejected(reason string) {
	r.tokenReasons = append(r.tokenReasons, reason)
}

func newRoutingFixture(t *testing.T) (*fixture, *ApprovalRoutingService, *recordingDispatcher, *countingRecorder) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("mgr", "eng")
	f.step("wf", 1, usersRule("mgr"), requiresToken)
	f.step("wf", 2, usersRule("mgr"))
	d := &recordingDispatcher{}
	m := &countingRecorder{}
	return f, NewApprovalRoutingService(f.engine, d, m, logger.Nop()), d, m
}

var (
	employee = &auth.UserContext{UserID: "emp"}
	manager  = &auth.UserContext{UserID: "mgr"}
	admin    = &auth.UserContext{UserID: "root", Roles: []string{"workflow_admin"}}
	outsider = &auth.UserContext{UserID: "mallory"}
)

func TestRoutingService_SubmitAndDecide(t *testing.T) {
	f, svc, d, m := newRoutingFixture(t)

	tr, err := svc.SubmitRequest(f.ctx, employee, SubmitInput{WorkflowID: "wf", RequesterID: "someone-else", Title: "Chair"})
	require.NoError(t, err)
	assert.Equal(t, "emp", tr.Request.RequesterID, "only admins may submit for others")
	assert.Equal(t, 1, m.submitted)
	require.Len(t, d.events, 1)
	assert.Equal(t, EventNotifyApprover, d.events[0].Kind)

	_, err = svc.Decide(f.ctx, manager, DecisionInput{RequestID: tr.Request.ID, Decision: repository.DecisionApproved})
	require.NoError(t, err)
	_, err = svc.Decide(f.ctx, manager, DecisionInput{RequestID: tr.Request.ID, Decision: repository.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, 2, m.decisions)
	assert.Equal(t, 1, m.finished)
}

func TestRoutingService_DispatchFailureIsNotReturned(t *testing.T) {
	f, svc, d, _ := newRoutingFixture(t)
	d.err = errors.New(errors.ErrCodeInternal, "queue down")

	tr, err := svc.SubmitRequest(f.ctx, employee, SubmitInput{WorkflowID: "wf", Title: "Chair"})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, f.request(tr.Request.ID).Status)
}

func TestRoutingService_AdminOnlyOperations(t *testing.T) {
	f, svc, _, _ := newRoutingFixture(t)
	tr, err := svc.SubmitRequest(f.ctx, employee, SubmitInput{WorkflowID: "wf", Title: "Chair"})
	require.NoError(t, err)
	_, err = svc.Decide(f.ctx, manager, DecisionInput{RequestID: tr.Request.ID, Decision: repository.DecisionApproved})
	require.NoError(t, err)

	_, err = svc.Rollback(f.ctx, manager, tr.Request.ID, 1, "redo")
	assert.ErrorIs(t, err, ErrNotPermitted)
	_, err = svc.Rollback(f.ctx, admin, tr.Request.ID, 1, "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	_, err = svc.Rollback(f.ctx, admin, tr.Request.ID, 1, "redo")
	require.NoError(t, err)

	err = svc.UpsertStep(f.ctx, employee, &repository.WorkflowStep{WorkflowID: "wf", Sequence: 3, Name: "x", Assignment: usersRule("mgr")})
	assert.ErrorIs(t, err, ErrNotPermitted)

	_, err = svc.MarkDelivered(f.ctx, employee, tr.Request.ID, "")
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestRoutingService_Visibility(t *testing.T) {
	f, svc, _, _ := newRoutingFixture(t)
	tr, err := svc.SubmitRequest(f.ctx, employee, SubmitInput{WorkflowID: "wf", Title: "Chair"})
	require.NoError(t, err)

	for _, caller := range []*auth.UserContext{employee, manager, admin} {
		_, err := svc.GetRequest(f.ctx, caller, tr.Request.ID)
		assert.NoError(t, err, caller.UserID)
	}
	_, err = svc.GetRequest(f.ctx, outsider, tr.Request.ID)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	history, err := svc.GetApprovalHistory(f.ctx, employee, tr.Request.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestRoutingService_TokenPortal(t *testing.T) {
	f, svc, d, m := newRoutingFixture(t)
	tr, err := svc.SubmitRequest(f.ctx, employee, SubmitInput{WorkflowID: "wf", Title: "Chair"})
	require.NoError(t, err)
	token := tokenFor(t, d.events, "mgr")

	view, err := svc.ViewToken(f.ctx, token)
	require.NoError(t, err)
	assert.Equal(t, tr.Request.ID, view.Request.ID)
	assert.Equal(t, "Step 1", view.StepName)

	_, err = svc.ProcessToken(f.ctx, token, repository.DecisionApproved, "ok", nil)
	require.NoError(t, err)
	_, err = svc.ProcessToken(f.ctx, token, repository.DecisionApproved, "ok", nil)
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
	assert.Equal(t, []string{"token_already_used"}, m.tokenReasons)
}

type brokenStepsStore struct{ *memory.Store }

func (s brokenStepsStore) Repositories() repository.Repositories {
	repos := s.Store.Repositories()
	repos.Steps = brokenSteps{repos.Steps}
	return repos
}

type brokenSteps struct{ repository.StepRepository }

func (brokenSteps) GetByID(context.Context, string) (*repository.WorkflowStep, error) {
	return nil, errors.New(errors.ErrCodeInternal, "steps unavailable")
}

func TestRoutingService_ViewTokenReportsStepLookupFailure(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("mgr", "eng")
	f.step("wf", 1, usersRule("mgr"), requiresToken)

	store := brokenStepsStore{f.store}
	engine := NewWorkflowEngine(store, repository.NewReferenceReader(store), f.cfg, logger.Nop())
	d := &recordingDispatcher{}
	svc := NewApprovalRoutingService(engine, d, nil, logger.Nop())

	_, err := svc.SubmitRequest(f.ctx, employee, SubmitInput{WorkflowID: "wf", Title: "Chair"})
	require.NoError(t, err)

	view, err := svc.ViewToken(f.ctx, tokenFor(t, d.events, "mgr"))
	assert.Nil(t, view)
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(err))
}

func TestRoutingService_DisallowedTokenActionKeepsLinkUsable(t *testing.T) {
	f, svc, d, m := newRoutingFixture(t)
	_, err := svc.SubmitRequest(f.ctx, employee, SubmitInput{WorkflowID: "wf", Title: "Chair"})
	require.NoError(t, err)
	token := tokenFor(t, d.events, "mgr")

	_, err = svc.ProcessToken(f.ctx, token, repository.DecisionForwarded, "", &repository.AssignmentRule{
		Kind: repository.AssignUsers, UserIDs: []string{"emp"},
	})
	assert.ErrorIs(t, err, ErrTokenActionNotAllowed)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	assert.Empty(t, m.tokenReasons, "a usable link is not counted as rejected")

	_, err = svc.ViewToken(f.ctx, token)
	require.NoError(t, err)
	_, err = svc.ProcessToken(f.ctx, token, repository.DecisionApproved, "", nil)
	require.NoError(t, err)
}

func TestRoutingService_Delegations(t *testing.T) {
	f, svc, d, _ := newRoutingFixture(t)
	f.user("deputy", "eng")

	del, err := svc.CreateDelegation(f.ctx, manager, CreateDelegationInput{
		DelegateID: "deputy", EffectiveFrom: day1, EffectiveUntil: day1.AddDate(0, 0, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, "mgr", del.PrincipalID)
	assert.Equal(t, EventInvalidateCache, d.events[len(d.events)-1].Kind)

	list, err := svc.ListDelegations(f.ctx, &auth.UserContext{UserID: "deputy"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	assert.ErrorIs(t, svc.RevokeDelegation(f.ctx, outsider, del.ID), ErrNotPermitted)
	require.NoError(t, svc.RevokeDelegation(f.ctx, manager, del.ID))
}
