package service

import (
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// OutcomePending is returned while a step still awaits decisions.
const OutcomePending = "pending"

// Aggregator folds individual decisions into a step outcome. It only mutates
// the execution it is given; persisting the result is the engine's job.
type Aggregator struct{}

// RecordDecision adds d to exec and returns the step outcome, or
// OutcomePending.
//
// ANY_ONE: the first decision of any kind is the outcome.
// ALL: a rejection or a forward finalises immediately; approval needs every
// slot to have approved.
func (Aggregator) RecordDecision(exec *repository.StepExecution, d repository.Decision) (string, error) {
	switch d.Kind {
	case repository.DecisionApproved, repository.DecisionRejected, repository.DecisionForwarded:
	default:
		return "", ErrInvalidDecision.WithDetail("got %q", d.Kind)
	}
	if _, ok := exec.Assignee(d.NominalUserID); !ok {
		return "", ErrActorNotAssigned.WithDetail("user %s", d.ActorID)
	}
	if _, decided := exec.Decisions[d.NominalUserID]; decided {
		return "", ErrDuplicateDecision.WithDetail("user %s", d.NominalUserID)
	}
	if !exec.Open() {
		return "", ErrStepFinalized.WithDetail("step %d", exec.StepSequence)
	}

	if exec.Decisions == nil {
		exec.Decisions = map[string]repository.Decision{}
	}
	exec.Decisions[d.NominalUserID] = d

	outcome := evaluate(exec, d)
	if outcome != OutcomePending {
		o := outcome
		at := d.DecidedAt
		exec.Outcome = &o
		exec.FinalizedAt = &at
	}
	return outcome, nil
}

func evaluate(exec *repository.StepExecution, last repository.Decision) string {
	if exec.Policy != repository.PolicyAll {
		return last.Kind
	}
	if last.Kind != repository.DecisionApproved {
		return last.Kind
	}
	for _, a := range exec.Assignees {
		d, ok := exec.Decisions[a.NominalUserID]
		if !ok || d.Kind != repository.DecisionApproved {
			return OutcomePending
		}
	}
	return repository.DecisionApproved
}
