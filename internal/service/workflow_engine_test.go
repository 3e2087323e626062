package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

func TestSubmit_EntersFirstStep(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("mgr", "eng", "manager")
	f.step("wf", 1, repository.AssignmentRule{Kind: repository.AssignRole, Role: "manager"}, requiresToken)
	f.step("wf", 2, usersRule("cfo"))

	tr := f.submit("wf", "emp", 12000)

	req := tr.Request
	assert.Equal(t, repository.StatusPending, req.Status)
	require.NotNil(t, req.CurrentStep)
	assert.Equal(t, 1, *req.CurrentStep)
	assert.Equal(t, "eng", req.DepartmentID, "department defaults to the requester's")

	execs := f.executions(req.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, 1, execs[0].Attempt)
	require.Len(t, execs[0].Assignees, 1)
	assert.Equal(t, "mgr", execs[0].Assignees[0].NominalUserID)

	notify := eventsOfKind(tr.Events, EventNotifyApprover)
	require.Len(t, notify, 1)
	assert.Equal(t, "mgr", notify[0].UserID)
	assert.NotEmpty(t, notify[0].TokenID)
	assert.Equal(t, []string{repository.ActionSubmitted, repository.ActionStepEntered}, f.auditActions(req.ID))
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Submit(f.ctx, SubmitInput{RequesterID: "emp", Title: "x"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = f.engine.Submit(f.ctx, SubmitInput{WorkflowID: "wf", RequesterID: "ghost", Title: "x"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestAnyOne_FirstDecisionFinalises(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.user("b", "eng")
	f.user("c", "fin")
	f.step("wf", 1, usersRule("a", "b"))
	f.step("wf", 2, usersRule("c"))

	req := f.submit("wf", "emp", 100).Request
	first := f.executions(req.ID)[0]

	tr := f.mustDecide(req.ID, "a", repository.DecisionApproved)
	assert.Equal(t, repository.DecisionApproved, tr.Outcome)
	require.NotNil(t, tr.Request.CurrentStep)
	assert.Equal(t, 2, *tr.Request.CurrentStep)

	_, err := f.engine.SubmitDecision(f.ctx, DecisionInput{
		RequestID:   req.ID,
		ExecutionID: first.ID,
		ActorID:     "b",
		Decision:    repository.DecisionRejected,
	})
	assert.ErrorIs(t, err, ErrStepFinalized)

	_, err = f.decide(req.ID, "b", repository.DecisionApproved)
	assert.ErrorIs(t, err, ErrActorNotAssigned, "b is not an approver of step 2")

	assert.Len(t, f.executions(req.ID)[0].Decisions, 1)
}

func TestAll_RequiresEveryApproval(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	for _, id := range []string{"a", "b", "c"} {
		f.user(id, "eng")
	}
	f.step("wf", 1, usersRule("a", "b", "c"), policyAll)

	req := f.submit("wf", "emp", 100).Request

	tr := f.mustDecide(req.ID, "a", repository.DecisionApproved)
	assert.Equal(t, OutcomePending, tr.Outcome)
	assert.Equal(t, repository.StatusPending, tr.Request.Status)

	tr = f.mustDecide(req.ID, "b", repository.DecisionApproved)
	assert.Equal(t, OutcomePending, tr.Outcome)

	tr = f.mustDecide(req.ID, "c", repository.DecisionApproved)
	assert.Equal(t, repository.DecisionApproved, tr.Outcome)
	assert.Equal(t, repository.StatusApproved, tr.Request.Status)
	assert.Nil(t, tr.Request.CurrentStep)

	employee := eventsOfKind(tr.Events, EventNotifyEmployee)
	require.Len(t, employee, 1)
	assert.Equal(t, EmployeeApproved, employee[0].EmployeeKind)
	assert.Equal(t, "emp", employee[0].UserID)
}

func TestAll_RejectionShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	for _, id := range []string{"a", "b", "c"} {
		f.user(id, "eng")
	}
	f.step("wf", 1, usersRule("a", "b", "c"), policyAll)
	f.step("wf", 2, usersRule("a"))

	req := f.submit("wf", "emp", 100).Request
	f.mustDecide(req.ID, "a", repository.DecisionApproved)

	tr := f.mustDecide(req.ID, "b", repository.DecisionRejected)
	assert.Equal(t, repository.DecisionRejected, tr.Outcome)
	assert.Equal(t, repository.StatusRejected, tr.Request.Status)
	assert.Nil(t, tr.Request.CurrentStep)

	_, err := f.decide(req.ID, "c", repository.DecisionApproved)
	assert.ErrorIs(t, err, ErrStepFinalized)

	_, err = f.decide(req.ID, "a", repository.DecisionApproved)
	assert.ErrorIs(t, err, ErrDuplicateDecision)

	assert.Equal(t, repository.StatusRejected, f.request(req.ID).Status)
}

func TestDecision_DuplicateIsRejectedWithoutChange(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.user("b", "eng")
	f.step("wf", 1, usersRule("a", "b"), policyAll)

	req := f.submit("wf", "emp", 100).Request
	f.mustDecide(req.ID, "a", repository.DecisionApproved)
	before := f.request(req.ID)
	auditBefore := f.auditActions(req.ID)

	_, err := f.decide(req.ID, "a", repository.DecisionRejected)
	require.ErrorIs(t, err, ErrDuplicateDecision)

	after := f.request(req.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, repository.DecisionApproved, f.executions(req.ID)[0].Decisions["a"].Kind)
	assert.Equal(t, auditBefore, f.auditActions(req.ID))
}

func TestDecision_InvalidKindAndOutsider(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.step("wf", 1, usersRule("a"))

	req := f.submit("wf", "emp", 100).Request

	_, err := f.decide(req.ID, "a", "maybe")
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = f.decide(req.ID, "mallory", repository.DecisionApproved)
	assert.ErrorIs(t, err, ErrActorNotAssigned)

	_, err = f.decide("missing", "a", repository.DecisionApproved)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestConcurrentDecisions_DistinctApprovers(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	approvers := []string{"a", "b", "c", "d"}
	for _, id := range approvers {
		f.user(id, "eng")
	}
	f.step("wf", 1, usersRule(approvers...), policyAll)
	req := f.submit("wf", "emp", 100).Request

	var wg sync.WaitGroup
	errs := make([]error, len(approvers))
	for i, id := range approvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.engine.SubmitDecision(f.ctx, DecisionInput{
				RequestID: req.ID, ActorID: id, Decision: repository.DecisionApproved,
			})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	final := f.request(req.ID)
	assert.Equal(t, repository.StatusApproved, final.Status)
	assert.Len(t, f.executions(req.ID)[0].Decisions, len(approvers))
}

func TestToken_ConcurrentConsumeHasOneWinner(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.step("wf", 1, usersRule("a"), requiresToken)

	tr := f.submit("wf", "emp", 100)
	token := tokenFor(t, tr.Events, "a")

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SubmitDecisionViaToken(f.ctx, token, repository.DecisionApproved, "", nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	require.Len(t, errs, callers-1)
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
	}
	exec := f.executions(tr.Request.ID)[0]
	require.Len(t, exec.Decisions, 1)
	assert.True(t, exec.Decisions["a"].ViaToken)
}

func TestToken_DisallowedActionLeavesTokenUsable(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.step("wf", 1, usersRule("a"), requiresToken, func(s *repository.WorkflowStep) {
		s.ForwardAssignment = &repository.AssignmentRule{Kind: repository.AssignUsers, UserIDs: []string{"emp"}}
	})

	tr := f.submit("wf", "emp", 100)
	token := tokenFor(t, tr.Events, "a")

	_, err := f.engine.SubmitDecisionViaToken(f.ctx, token, repository.DecisionForwarded, "", nil)
	require.ErrorIs(t, err, ErrTokenActionNotAllowed)

	done, err := f.engine.SubmitDecisionViaToken(f.ctx, token, repository.DecisionRejected, "over budget", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, done.Request.Status)

	employee := eventsOfKind(done.Events, EventNotifyEmployee)
	require.Len(t, employee, 1)
	assert.Equal(t, "over budget", employee[0].Message)
}

func TestToken_ExpiresWhenStepFinalisesElsewhere(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.user("b", "eng")
	f.step("wf", 1, usersRule("a", "b"), requiresToken)

	tr := f.submit("wf", "emp", 100)
	tokenB := tokenFor(t, tr.Events, "b")

	f.mustDecide(tr.Request.ID, "a", repository.DecisionApproved)

	_, err := f.engine.SubmitDecisionViaToken(f.ctx, tokenB, repository.DecisionApproved, "", nil)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestToken_ExpiredByClock(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.TokenTTL = time.Hour })
	f.user("emp", "eng")
	f.user("a", "eng")
	f.step("wf", 1, usersRule("a"), requiresToken)

	tr := f.submit("wf", "emp", 100)
	token := tokenFor(t, tr.Events, "a")

	f.clock.Advance(time.Hour)
	_, err := f.engine.SubmitDecisionViaToken(f.ctx, token, repository.DecisionApproved, "", nil)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// The session path still works.
	f.mustDecide(tr.Request.ID, "a", repository.DecisionApproved)
}

func TestDelegation_AppliesOnlyInsideWindow(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("mgr", "eng", "manager")
	f.user("deputy", "eng", "manager")
	f.step("wf", 1, usersRule("mgr"))

	// Days 1 to 10 inclusive.
	_, _, err := f.engine.Delegations().CreateDelegation(f.ctx, CreateDelegationInput{
		PrincipalID:    "mgr",
		DelegateID:     "deputy",
		EffectiveFrom:  day1,
		EffectiveUntil: day1.AddDate(0, 0, 10),
	}, "mgr", false)
	require.NoError(t, err)

	f.clock.Set(day1.AddDate(0, 0, 4))
	onDay5 := f.submit("wf", "emp", 100)
	notify := eventsOfKind(onDay5.Events, EventNotifyApprover)
	require.Len(t, notify, 1)
	assert.Equal(t, "deputy", notify[0].UserID)
	slot := f.executions(onDay5.Request.ID)[0].Assignees[0]
	assert.Equal(t, "mgr", slot.NominalUserID)
	assert.Equal(t, "deputy", slot.ActingUserID)

	_, err = f.decide(onDay5.Request.ID, "mgr", repository.DecisionApproved)
	assert.ErrorIs(t, err, ErrActorNotAssigned, "the principal is replaced while the delegation is active")

	f.clock.Set(day1.AddDate(0, 0, 10))
	onDay11 := f.submit("wf", "emp", 100)
	notify = eventsOfKind(onDay11.Events, EventNotifyApprover)
	require.Len(t, notify, 1)
	assert.Equal(t, "mgr", notify[0].UserID)

	// Authority is re-resolved at decision time: the day-5 request now
	// belongs to the principal again.
	_, err = f.decide(onDay5.Request.ID, "deputy", repository.DecisionApproved)
	assert.ErrorIs(t, err, ErrActorNotAssigned)
	f.mustDecide(onDay5.Request.ID, "mgr", repository.DecisionApproved)
}

func TestDelegation_WindowOpeningAfterEntryIsListedForDelegate(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("mgr", "eng")
	f.user("deputy", "eng")
	f.step("wf", 1, usersRule("mgr"))
	_, _, err := f.engine.Delegations().CreateDelegation(f.ctx, CreateDelegationInput{
		PrincipalID: "mgr", DelegateID: "deputy",
		EffectiveFrom: day1.AddDate(0, 0, 2), EffectiveUntil: day1.AddDate(0, 0, 5),
	}, "mgr", false)
	require.NoError(t, err)

	req := f.submit("wf", "emp", 100).Request
	assert.Equal(t, "mgr", f.executions(req.ID)[0].Assignees[0].ActingUserID)

	f.clock.Set(day1.AddDate(0, 0, 3))
	pending, err := f.engine.PendingFor(f.ctx, "deputy")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].Request.ID)
	assert.Equal(t, "mgr", pending[0].NominalUserID)

	pending, err = f.engine.PendingFor(f.ctx, "mgr")
	require.NoError(t, err)
	assert.Empty(t, pending)

	f.mustDecide(req.ID, "deputy", repository.DecisionApproved)
}

func TestDelegation_CreatedAfterEntryReroutesOpenSlot(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("mgr", "eng")
	f.user("deputy", "eng")
	f.step("wf", 1, usersRule("mgr"), requiresToken)

	tr := f.submit("wf", "emp", 100)
	mgrToken := tokenFor(t, tr.Events, "mgr")

	del, events, err := f.engine.Delegations().CreateDelegation(f.ctx, CreateDelegationInput{
		PrincipalID: "mgr", DelegateID: "deputy",
		EffectiveFrom: day1.Add(-time.Hour), EffectiveUntil: day1.AddDate(0, 0, 2),
	}, "mgr", false)
	require.NoError(t, err)

	notify := eventsOfKind(events, EventNotifyApprover)
	require.Len(t, notify, 1)
	assert.Equal(t, "deputy", notify[0].UserID)
	assert.NotEmpty(t, notify[0].TokenID)
	assert.Equal(t, EventInvalidateCache, events[len(events)-1].Kind)

	slot := f.executions(tr.Request.ID)[0].Assignees[0]
	assert.Equal(t, "deputy", slot.ActingUserID)
	assert.Equal(t, del.ID, slot.DelegationID)

	_, err = f.engine.Tokens().Validate(f.ctx, mgrToken)
	assert.ErrorIs(t, err, ErrTokenExpired, "the principal's link no longer works")

	pending, err := f.engine.PendingFor(f.ctx, "deputy")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Contains(t, f.auditActions(tr.Request.ID), repository.ActionReassigned)

	done, err := f.engine.SubmitDecisionViaToken(f.ctx, notify[0].TokenID, repository.DecisionApproved, "", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, done.Request.Status)
}

func TestDelegation_RevokeHandsSlotBackToPrincipal(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("mgr", "eng")
	f.user("deputy", "eng")
	f.step("wf", 1, usersRule("mgr"), requiresToken)
	del, _, err := f.engine.Delegations().CreateDelegation(f.ctx, CreateDelegationInput{
		PrincipalID: "mgr", DelegateID: "deputy",
		EffectiveFrom: day1.Add(-time.Hour), EffectiveUntil: day1.AddDate(0, 0, 2),
	}, "mgr", false)
	require.NoError(t, err)

	tr := f.submit("wf", "emp", 100)
	deputyToken := tokenFor(t, tr.Events, "deputy")

	events, err := f.engine.Delegations().RevokeDelegation(f.ctx, del.ID, "mgr", false)
	require.NoError(t, err)
	notify := eventsOfKind(events, EventNotifyApprover)
	require.Len(t, notify, 1)
	assert.Equal(t, "mgr", notify[0].UserID)
	assert.NotEqual(t, eventsOfKind(tr.Events, EventNotifyApprover)[0].ID, notify[0].ID)

	_, err = f.engine.Tokens().Validate(f.ctx, deputyToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
	_, err = f.engine.SubmitDecisionViaToken(f.ctx, deputyToken, repository.DecisionApproved, "", nil)
	assert.ErrorIs(t, err, ErrTokenExpired)

	pending, err := f.engine.PendingFor(f.ctx, "mgr")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	done, err := f.engine.SubmitDecisionViaToken(f.ctx, notify[0].TokenID, repository.DecisionRejected, "no", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, done.Request.Status)
}

func TestDelegation_DecidedSlotIsNotRerouted(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("mgr", "eng")
	f.user("cfo", "eng")
	f.user("deputy", "eng")
	f.step("wf", 1, usersRule("mgr", "cfo"), policyAll)

	req := f.submit("wf", "emp", 100).Request
	f.mustDecide(req.ID, "mgr", repository.DecisionApproved)

	_, events, err := f.engine.Delegations().CreateDelegation(f.ctx, CreateDelegationInput{
		PrincipalID: "mgr", DelegateID: "deputy",
		EffectiveFrom: day1.Add(-time.Hour), EffectiveUntil: day1.AddDate(0, 0, 2),
	}, "mgr", false)
	require.NoError(t, err)
	assert.Empty(t, eventsOfKind(events, EventNotifyApprover))
	assert.Equal(t, "mgr", f.executions(req.ID)[0].Assignees[1].ActingUserID)
}

func TestDelegation_DecisionRecordsBothIdentities(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("mgr", "eng")
	f.user("deputy", "eng")
	f.step("wf", 1, usersRule("mgr"))
	_, _, err := f.engine.Delegations().CreateDelegation(f.ctx, CreateDelegationInput{
		PrincipalID: "mgr", DelegateID: "deputy",
		EffectiveFrom: day1.Add(-time.Hour), EffectiveUntil: day1.Add(24 * time.Hour),
	}, "mgr", false)
	require.NoError(t, err)

	req := f.submit("wf", "emp", 100).Request

	pending, err := f.engine.PendingFor(f.ctx, "deputy")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "mgr", pending[0].NominalUserID)

	f.mustDecide(req.ID, "deputy", repository.DecisionApproved)

	d := f.executions(req.ID)[0].Decisions["mgr"]
	assert.Equal(t, "deputy", d.ActorID)

	entries, err := f.engine.AuditTrail(f.ctx, req.ID)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Action == repository.ActionApproved {
			found = true
			assert.Equal(t, "deputy", e.ActorID)
			require.NotNil(t, e.OnBehalfOf)
			assert.Equal(t, "mgr", *e.OnBehalfOf)
		}
	}
	assert.True(t, found)
}

func TestAutoApproval_SkipsStepsWithoutDecisions(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.user("b", "eng")
	f.step("wf", 1, usersRule("a"))
	f.step("wf", 2, usersRule("b"))
	f.store.PutAutoApprovalRule(repository.AutoApprovalRule{
		ID: "small", DepartmentID: "eng", MaxAmount: 10000, Active: true,
	})

	tr := f.submit("wf", "emp", 9999)
	assert.Equal(t, repository.StatusApproved, tr.Request.Status)
	assert.Empty(t, eventsOfKind(tr.Events, EventNotifyApprover))

	execs := f.executions(tr.Request.ID)
	require.Len(t, execs, 2)
	for _, e := range execs {
		assert.True(t, e.AutoApproved)
		assert.Empty(t, e.Decisions)
		require.NotNil(t, e.Outcome)
		assert.Equal(t, repository.DecisionApproved, *e.Outcome)
	}
	assert.Equal(t, []string{
		repository.ActionSubmitted,
		repository.ActionAutoApproved,
		repository.ActionAutoApproved,
		repository.ActionCompleted,
	}, f.auditActions(tr.Request.ID))

	atThreshold := f.submit("wf", "emp", 10000)
	assert.Equal(t, repository.StatusPending, atThreshold.Request.Status)
}

func TestAutoApproval_ExecutionsKeepStepOrder(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.user("b", "eng")
	f.step("wf", 1, usersRule("a"))
	f.step("wf", 2, usersRule("b"))
	f.store.PutAutoApprovalRule(repository.AutoApprovalRule{
		ID: "first-only", DepartmentID: "eng", StepIDs: []string{"wf-1"}, MaxAmount: 10000, Active: true,
	})

	// both executions are created in the submit transaction at the same instant
	tr := f.submit("wf", "emp", 100)
	require.Equal(t, 2, *tr.Request.CurrentStep)

	details, err := f.engine.GetRequest(f.ctx, tr.Request.ID)
	require.NoError(t, err)
	require.Len(t, details.Executions, 2)
	assert.Equal(t, details.Executions[0].CreatedAt, details.Executions[1].CreatedAt)
	assert.Equal(t, 1, details.Executions[0].StepSequence)
	assert.True(t, details.Executions[0].AutoApproved)
	assert.Equal(t, 2, details.Executions[1].StepSequence)
	assert.True(t, details.Executions[1].Open())

	f.mustDecide(tr.Request.ID, "b", repository.DecisionApproved)
	_, err = f.decide(tr.Request.ID, "b", repository.DecisionApproved)
	assert.ErrorIs(t, err, ErrDuplicateDecision, "the late decision is judged against the last step")
}

func TestAutoApproval_Disabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AutoApprovalEnabled = false })
	f.user("emp", "eng")
	f.user("a", "eng")
	f.step("wf", 1, usersRule("a"))
	f.store.PutAutoApprovalRule(repository.AutoApprovalRule{ID: "r", DepartmentID: "eng", MaxAmount: 10000, Active: true})

	tr := f.submit("wf", "emp", 1)
	assert.Equal(t, repository.StatusPending, tr.Request.Status)
}

func TestRollback_ReentersEarlierStepWithNewAttempt(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		f.user(id, "eng")
	}
	f.step("wf", 1, usersRule("u1"))
	f.step("wf", 2, usersRule("u2"))
	f.step("wf", 3, usersRule("u3"))
	f.step("wf", 4, usersRule("u4"), requiresToken)

	req := f.submit("wf", "emp", 100).Request
	f.mustDecide(req.ID, "u1", repository.DecisionApproved)
	f.mustDecide(req.ID, "u2", repository.DecisionApproved)
	atFour := f.mustDecide(req.ID, "u3", repository.DecisionApproved)
	require.Equal(t, 4, *atFour.Request.CurrentStep)
	step4Token := tokenFor(t, atFour.Events, "u4")

	before := f.executions(req.ID)
	step1, step2 := before[0], before[1]

	tr, err := f.engine.Rollback(f.ctx, RollbackInput{RequestID: req.ID, ToSequence: 2, ActorID: "admin", Reason: "missing quote"})
	require.NoError(t, err)
	require.NotNil(t, tr.Request.CurrentStep)
	assert.Equal(t, 2, *tr.Request.CurrentStep)
	assert.Equal(t, repository.StatusPending, tr.Request.Status)
	assert.Equal(t, transitionRolledBack, tr.Request.LastTransition)

	after := f.executions(req.ID)
	require.Len(t, after, 5)
	assert.Equal(t, step1, after[0], "earlier steps are untouched")
	assert.True(t, after[1].Superseded)
	assert.Equal(t, step2.Decisions, after[1].Decisions)
	assert.True(t, after[2].Superseded)
	assert.True(t, after[3].Superseded)

	resumed := after[4]
	assert.Equal(t, 2, resumed.StepSequence)
	assert.Equal(t, 2, resumed.Attempt)
	assert.NotEqual(t, step2.ID, resumed.ID)
	assert.True(t, resumed.Open())

	_, err = f.engine.SubmitDecisionViaToken(f.ctx, step4Token, repository.DecisionApproved, "", nil)
	assert.ErrorIs(t, err, ErrTokenExpired)

	employee := eventsOfKind(tr.Events, EventNotifyEmployee)
	require.Len(t, employee, 1)
	assert.Equal(t, EmployeeRolledBack, employee[0].EmployeeKind)

	f.mustDecide(req.ID, "u2", repository.DecisionApproved)
	assert.Equal(t, 3, *f.request(req.ID).CurrentStep)
}

func TestRollback_InvalidTargets(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("u1", "eng")
	f.user("u2", "eng")
	f.step("wf", 1, usersRule("u1"))
	f.step("wf", 2, usersRule("u2"))

	req := f.submit("wf", "emp", 100).Request
	f.mustDecide(req.ID, "u1", repository.DecisionApproved)

	for _, target := range []int{2, 3, 0} {
		_, err := f.engine.Rollback(f.ctx, RollbackInput{RequestID: req.ID, ToSequence: target, ActorID: "admin"})
		assert.ErrorIs(t, err, ErrInvalidRollbackTarget, "target %d", target)
	}

	f.mustDecide(req.ID, "u2", repository.DecisionApproved)
	_, err := f.engine.Rollback(f.ctx, RollbackInput{RequestID: req.ID, ToSequence: 1, ActorID: "admin"})
	assert.ErrorIs(t, err, ErrRequestNotPending)
}

func TestForward_ReentersStepWithOverride(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.user("expert", "legal")
	f.step("wf", 1, usersRule("a"))

	req := f.submit("wf", "emp", 100).Request

	tr, err := f.engine.SubmitDecision(f.ctx, DecisionInput{
		RequestID: req.ID,
		ActorID:   "a",
		Decision:  repository.DecisionForwarded,
		ForwardTo: &repository.AssignmentRule{Kind: repository.AssignUsers, UserIDs: []string{"expert"}},
	})
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionForwarded, tr.Outcome)
	assert.Equal(t, 1, *tr.Request.CurrentStep)
	assert.Equal(t, transitionForwarded, tr.Request.LastTransition)

	execs := f.executions(req.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, repository.DecisionForwarded, *execs[0].Outcome)
	assert.Equal(t, 2, execs[1].Attempt)
	assert.Equal(t, "expert", execs[1].Assignees[0].NominalUserID)

	notify := eventsOfKind(tr.Events, EventNotifyApprover)
	require.Len(t, notify, 1)
	assert.Equal(t, "expert", notify[0].UserID)

	done := f.mustDecide(req.ID, "expert", repository.DecisionApproved)
	assert.Equal(t, repository.StatusApproved, done.Request.Status)
}

func TestForward_WithoutTargetChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.step("wf", 1, usersRule("a"))

	req := f.submit("wf", "emp", 100).Request
	_, err := f.decide(req.ID, "a", repository.DecisionForwarded)
	require.ErrorIs(t, err, ErrForwardTargetMissing)

	execs := f.executions(req.ID)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Open())
	assert.Empty(t, execs[0].Decisions)
}

func TestForward_UsesStepDefault(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.user("b", "eng")
	f.step("wf", 1, usersRule("a"), func(s *repository.WorkflowStep) {
		s.ForwardAssignment = &repository.AssignmentRule{Kind: repository.AssignUsers, UserIDs: []string{"b"}}
	})

	req := f.submit("wf", "emp", 100).Request
	f.mustDecide(req.ID, "a", repository.DecisionForwarded)
	execs := f.executions(req.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, "b", execs[1].Assignees[0].NominalUserID)
}

func TestSubmit_ConfigurationErrors(t *testing.T) {
	t.Run("no assignable users", func(t *testing.T) {
		f := newFixture(t)
		f.user("emp", "eng")
		f.step("wf", 1, repository.AssignmentRule{Kind: repository.AssignRole, Role: "cfo"})

		_, err := f.engine.Submit(f.ctx, SubmitInput{WorkflowID: "wf", RequesterID: "emp", Title: "x"})
		require.ErrorIs(t, err, ErrNoAssignableUsers)

		reqs, err := f.store.Repositories().Requests.ListByRequester(f.ctx, "emp")
		require.NoError(t, err)
		assert.Empty(t, reqs, "nothing is persisted")
	})

	t.Run("ambiguous ordering", func(t *testing.T) {
		f := newFixture(t)
		f.user("emp", "eng")
		f.user("a", "eng")
		f.step("wf", 1, usersRule("a"))
		f.store.PutStep(repository.WorkflowStep{
			ID: "dup", WorkflowID: "wf", Sequence: 1, Name: "Dup",
			Assignment: usersRule("a"), Policy: repository.PolicyAnyOne, Active: true,
		})

		_, err := f.engine.Submit(f.ctx, SubmitInput{WorkflowID: "wf", RequesterID: "emp", Title: "x"})
		assert.ErrorIs(t, err, ErrAmbiguousStepOrdering)
		assert.Equal(t, errors.ErrCodeConfiguration, errors.CodeOf(err))
	})

	t.Run("no active steps", func(t *testing.T) {
		f := newFixture(t)
		f.user("emp", "eng")
		f.step("wf", 1, usersRule("emp"), func(s *repository.WorkflowStep) { s.Active = false })

		_, err := f.engine.Submit(f.ctx, SubmitInput{WorkflowID: "wf", RequesterID: "emp", Title: "x"})
		assert.ErrorIs(t, err, ErrNoActiveSteps)
	})
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.step("wf", 1, usersRule("a"), requiresToken)

	tr := f.submit("wf", "emp", 100)
	token := tokenFor(t, tr.Events, "a")

	_, err := f.engine.Cancel(f.ctx, tr.Request.ID, "a", false, "")
	assert.ErrorIs(t, err, ErrNotPermitted)

	cancelled, err := f.engine.Cancel(f.ctx, tr.Request.ID, "emp", false, "not needed")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, cancelled.Request.Status)
	assert.Nil(t, cancelled.Request.CurrentStep)
	assert.Empty(t, eventsOfKind(cancelled.Events, EventNotifyEmployee), "requesters are not told about their own cancellation")

	_, err = f.engine.SubmitDecisionViaToken(f.ctx, token, repository.DecisionApproved, "", nil)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = f.engine.Cancel(f.ctx, tr.Request.ID, "emp", false, "")
	assert.ErrorIs(t, err, ErrRequestNotPending)
}

func TestMarkDeliveredAndDelay(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.step("wf", 1, usersRule("a"))

	req := f.submit("wf", "emp", 100).Request

	_, err := f.engine.MarkDelivered(f.ctx, req.ID, "admin", "")
	assert.ErrorIs(t, err, ErrRequestNotApproved)

	_, err = f.engine.Delay(f.ctx, req.ID, "mallory", false, "waiting")
	assert.ErrorIs(t, err, ErrActorNotAssigned)

	first, err := f.engine.Delay(f.ctx, req.ID, "a", false, "supplier is out of stock")
	require.NoError(t, err)
	second, err := f.engine.Delay(f.ctx, req.ID, "a", false, "still out of stock")
	require.NoError(t, err)
	require.Len(t, first.Events, 1)
	require.Len(t, second.Events, 1)
	assert.NotEqual(t, first.Events[0].ID, second.Events[0].ID)
	assert.Equal(t, EmployeeDelayed, first.Events[0].EmployeeKind)
	assert.Equal(t, repository.StatusPending, f.request(req.ID).Status)

	f.mustDecide(req.ID, "a", repository.DecisionApproved)
	delivered, err := f.engine.MarkDelivered(f.ctx, req.ID, "admin", "handed over")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDelivered, delivered.Request.Status)
	assertPointerMatchesStatus(t, delivered.Request)
}

func TestUpsertStep(t *testing.T) {
	f := newFixture(t)

	events, err := f.engine.UpsertStep(f.ctx, &repository.WorkflowStep{
		WorkflowID: "wf", Sequence: 1, Name: "Manager", Assignment: usersRule("a"), Active: true,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventInvalidateCache, events[0].Kind)
	assert.Equal(t, CacheClassSteps, events[0].CacheClass)

	_, err = f.engine.UpsertStep(f.ctx, &repository.WorkflowStep{
		WorkflowID: "wf", Sequence: 1, Name: "Other", Assignment: usersRule("b"), Active: true,
	})
	assert.ErrorIs(t, err, ErrAmbiguousStepOrdering)

	_, err = f.engine.UpsertStep(f.ctx, &repository.WorkflowStep{
		WorkflowID: "wf", Sequence: 2, Name: "Bad", Assignment: repository.AssignmentRule{Kind: repository.AssignRole},
	})
	assert.ErrorIs(t, err, ErrInvalidAssignment)

	steps, err := f.store.Repositories().Steps.ListActive(f.ctx, "wf")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	_, err = f.engine.DeactivateStep(f.ctx, steps[0].ID)
	require.NoError(t, err)

	_, err = f.engine.Submit(f.ctx, SubmitInput{WorkflowID: "wf", RequesterID: "a", DepartmentID: "eng", Title: "x"})
	assert.ErrorIs(t, err, ErrNoActiveSteps)
}

func TestAuditTrail_RecordsStatusChanges(t *testing.T) {
	f := newFixture(t)
	f.user("emp", "eng")
	f.user("a", "eng")
	f.step("wf", 1, usersRule("a"))

	req := f.submit("wf", "emp", 100).Request
	f.mustDecide(req.ID, "a", repository.DecisionApproved)

	entries, err := f.engine.AuditTrail(f.ctx, req.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, repository.ActionCompleted, last.Action)
	assert.Equal(t, repository.StatusPending, *last.StatusBefore)
	assert.Equal(t, repository.StatusApproved, *last.StatusAfter)
}
