package service

import (
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

// Configuration errors are surfaced to an administrator and never worked around.
var (
	ErrNoAssignableUsers     = errors.Kind(errors.ErrCodeConfiguration, "no_assignable_users", "no assignable users for step")
	ErrNoActiveSteps         = errors.Kind(errors.ErrCodeConfiguration, "no_active_steps", "workflow has no active steps")
	ErrAmbiguousStepOrdering = repository.ErrDuplicateSequence
	ErrInvalidCriteria       = errors.Kind(errors.ErrCodeConfiguration, "invalid_criteria", "auto-approval criteria cannot be evaluated")
)

// Authorization errors leave request state untouched.
var (
	ErrActorNotAssigned = errors.Kind(errors.ErrCodeForbidden, "actor_not_assigned", "actor is not assigned to this step")
	ErrNotPermitted     = errors.Kind(errors.ErrCodeForbidden, "not_permitted", "operation not permitted for this user")
)

// Token errors render a single generic message to the token holder.
var (
	ErrTokenNotFound    = errors.Kind(errors.ErrCodeTokenInvalid, "token_not_found", "approval link is invalid or expired")
	ErrTokenExpired     = errors.Kind(errors.ErrCodeTokenInvalid, "token_expired", "approval link is invalid or expired")
	ErrTokenAlreadyUsed = errors.Kind(errors.ErrCodeTokenInvalid, "token_already_used", "approval link is invalid or expired")
)

// ErrTokenActionNotAllowed leaves the link usable, so it is an input error.
var ErrTokenActionNotAllowed = errors.Kind(errors.ErrCodeInvalidInput, "token_action_not_allowed", "action is not allowed for this approval link")

// Conflicts: the earlier write stands.
var (
	ErrDuplicateDecision  = repository.ErrDuplicateDecision
	ErrStepFinalized      = repository.ErrAlreadyFinalized
	ErrConcurrentUpdate   = repository.ErrStaleRequest
	ErrRequestNotPending  = errors.Kind(errors.ErrCodeConflict, "request_not_pending", "request is not pending")
	ErrRequestNotApproved = errors.Kind(errors.ErrCodeConflict, "request_not_approved", "request is not approved")
)

// Input errors.
var (
	ErrInvalidDecision       = errors.Kind(errors.ErrCodeInvalidInput, "invalid_decision", "decision must be approved, rejected or forwarded")
	ErrInvalidRollbackTarget = errors.Kind(errors.ErrCodeInvalidInput, "invalid_rollback_target", "rollback target must be an earlier active step")
	ErrForwardTargetMissing  = errors.Kind(errors.ErrCodeInvalidInput, "forward_target_missing", "forwarding requires a target assignment")
	ErrInvalidAssignment     = errors.Kind(errors.ErrCodeInvalidInput, "invalid_assignment", "assignment rule is invalid")
	ErrInvalidDelegation     = errors.Kind(errors.ErrCodeInvalidInput, "invalid_delegation", "delegation is invalid")
)
