package service

import (
	"fmt"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// EventKind names an outbound side effect requested by a transition.
type EventKind string

const (
	EventNotifyApprover  EventKind = "notify_approver"
	EventNotifyEmployee  EventKind = "notify_employee"
	EventInvalidateCache EventKind = "invalidate_cache"
)

// Reference-data classes carried by cache invalidation events.
const (
	CacheClassSteps       = "steps"
	CacheClassRoles       = "roles"
	CacheClassDepartments = "departments"
	CacheClassThresholds  = "thresholds"
	CacheClassDelegations = "delegations"
)

// Employee-facing event kinds.
const (
	EmployeeApproved   = "approved"
	EmployeeRejected   = "rejected"
	EmployeeForwarded  = "forwarded"
	EmployeeRolledBack = "rolled_back"
	EmployeeCancelled  = "cancelled"
	EmployeeDelivered  = "delivered"
	EmployeeDelayed    = "delayed"
)

// Event is one outbound message. ID is stable for a given transition so the
// dispatcher can deduplicate retries.
type Event struct {
	ID           string    `json:"id"`
	Kind         EventKind `json:"kind"`
	RequestID    string    `json:"request_id,omitempty"`
	ExecutionID  string    `json:"execution_id,omitempty"`
	StepSequence int       `json:"step_sequence,omitempty"`
	StepName     string    `json:"step_name,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	TokenID      string    `json:"token_id,omitempty"`
	EmployeeKind string    `json:"employee_kind,omitempty"`
	Message      string    `json:"message,omitempty"`
	CacheClass   string    `json:"cache_class,omitempty"`
	CacheKey     string    `json:"cache_key,omitempty"`
}

func notifyApproverEvent(req *repository.Request, exec *repository.StepExecution, stepName string, a repository.Assignee, tokenID string) Event {
	return Event{
		ID:           fmt.Sprintf("%s:%s:%s", EventNotifyApprover, exec.ID, a.ActingUserID),
		Kind:         EventNotifyApprover,
		RequestID:    req.ID,
		ExecutionID:  exec.ID,
		StepSequence: exec.StepSequence,
		StepName:     stepName,
		UserID:       a.ActingUserID,
		TokenID:      tokenID,
	}
}

// notifyEmployeeEvent is keyed by discriminator, normally the request version
// the transition started from, so repeated dispatch of it collapses.
func notifyEmployeeEvent(req *repository.Request, kind, message, discriminator string) Event {
	return Event{
		ID:           fmt.Sprintf("%s:%s:%s:%s", EventNotifyEmployee, req.ID, kind, discriminator),
		Kind:         EventNotifyEmployee,
		RequestID:    req.ID,
		UserID:       req.RequesterID,
		EmployeeKind: kind,
		Message:      message,
	}
}

func invalidateCacheEvent(class, key string, stamp int64) Event {
	return Event{
		ID:         fmt.Sprintf("%s:%s:%s:%d", EventInvalidateCache, class, key, stamp),
		Kind:       EventInvalidateCache,
		CacheClass: class,
		CacheKey:   key,
	}
}

// Transition is the result of an engine call: the request after the change,
// the step outcome if a decision was involved, and the side effects to
// dispatch once the transaction has committed.
type Transition struct {
	Request   *repository.Request
	Execution *repository.StepExecution
	Outcome   string
	Events    []Event
}
