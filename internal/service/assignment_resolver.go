package service

import (
	"context"
	"slices"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

// maxDepartmentDepth bounds the parent walk for requester_manager rules.
const maxDepartmentDepth = 16

// AssignmentResolver expands a step's assignment rule into concrete approver
// slots. For fixed reference data the result is identical on every call.
type AssignmentResolver struct {
	ref         repository.ReferenceReader
	delegations *DelegationResolver
	log         *logger.Logger
}

// NewAssignmentResolver creates an AssignmentResolver.
func NewAssignmentResolver(ref repository.ReferenceReader, delegations *DelegationResolver, log *logger.Logger) *AssignmentResolver {
	return &AssignmentResolver{ref: ref, delegations: delegations, log: log}
}

// AssignedUsers returns the slots for rule (normally step.Assignment, or a
// forwarding override), sorted by nominal user and each passed through
// delegation at `at`. An empty expansion is ErrNoAssignableUsers.
func (r *AssignmentResolver) AssignedUsers(
	ctx context.Context,
	step *repository.WorkflowStep,
	req *repository.Request,
	rule repository.AssignmentRule,
	at time.Time,
) ([]repository.Assignee, error) {
	return r.assign(ctx, r.delegations.store.Repositories().Delegations, step, req, rule, at)
}

func (r *AssignmentResolver) assign(
	ctx context.Context,
	delegations repository.DelegationRepository,
	step *repository.WorkflowStep,
	req *repository.Request,
	rule repository.AssignmentRule,
	at time.Time,
) ([]repository.Assignee, error) {
	if err := ValidateAssignment(rule); err != nil {
		return nil, err
	}

	nominal, err := r.expand(ctx, req, rule)
	if err != nil {
		return nil, err
	}
	if len(nominal) == 0 {
		return nil, ErrNoAssignableUsers.WithDetail("step %d (%s) rule %s", step.Sequence, step.Name, rule.Kind)
	}

	assignees := make([]repository.Assignee, 0, len(nominal))
	for _, userID := range nominal {
		ref, err := r.delegations.resolve(ctx, delegations, NominalAssignee{
			UserID: userID,
			Role:   rule.Role,
			StepID: step.ID,
		}, at)
		if err != nil {
			return nil, err
		}
		assignees = append(assignees, repository.Assignee{
			NominalUserID: userID,
			ActingUserID:  ref.UserID,
			Role:          rule.Role,
			DelegationID:  ref.DelegationID,
		})
	}
	return assignees, nil
}

// expand returns sorted, de-duplicated nominal user ids.
func (r *AssignmentResolver) expand(ctx context.Context, req *repository.Request, rule repository.AssignmentRule) ([]string, error) {
	var ids []string
	switch rule.Kind {
	case repository.AssignRole:
		dept := rule.DepartmentID
		if rule.ScopeToRequestDepartment {
			dept = req.DepartmentID
		}
		users, err := r.ref.ListActiveUsersByRole(ctx, rule.Role, dept)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			ids = append(ids, u.ID)
		}

	case repository.AssignDepartment:
		dept := rule.DepartmentID
		if dept == "" {
			dept = req.DepartmentID
		}
		d, err := r.ref.GetDepartment(ctx, dept)
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		if ids, err = r.activeOnly(ctx, d.ManagerIDs); err != nil {
			return nil, err
		}

	case repository.AssignUsers:
		var err error
		if ids, err = r.activeOnly(ctx, rule.UserIDs); err != nil {
			return nil, err
		}

	case repository.AssignRequesterManager:
		var err error
		if ids, err = r.requesterManagers(ctx, req); err != nil {
			return nil, err
		}
	}
	return dedupeSorted(ids), nil
}

// requesterManagers walks from the request's department upwards until it
// finds an active manager other than the requester.
func (r *AssignmentResolver) requesterManagers(ctx context.Context, req *repository.Request) ([]string, error) {
	deptID := req.DepartmentID
	seen := map[string]bool{}
	for depth := 0; deptID != "" && depth < maxDepartmentDepth && !seen[deptID]; depth++ {
		seen[deptID] = true
		d, err := r.ref.GetDepartment(ctx, deptID)
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		active, err := r.activeOnly(ctx, d.ManagerIDs)
		if err != nil {
			return nil, err
		}
		var managers []string
		for _, id := range active {
			if id != req.RequesterID {
				managers = append(managers, id)
			}
		}
		if len(managers) > 0 {
			return managers, nil
		}
		if d.ParentID == nil {
			break
		}
		deptID = *d.ParentID
	}
	return nil, nil
}

// activeOnly drops unknown and inactive users.
func (r *AssignmentResolver) activeOnly(ctx context.Context, ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		u, err := r.ref.GetUser(ctx, id)
		if err != nil {
			if isNotFound(err) {
				r.log.Debug().Str("user_id", id).Msg("Assignee not in directory; skipping")
				continue
			}
			return nil, err
		}
		if u.Active {
			out = append(out, u.ID)
		}
	}
	return out, nil
}

// ValidateAssignment checks that a rule carries what its kind needs.
func ValidateAssignment(rule repository.AssignmentRule) error {
	switch rule.Kind {
	case repository.AssignRole:
		if rule.Role == "" {
			return ErrInvalidAssignment.WithDetail("role rule needs a role")
		}
	case repository.AssignUsers:
		if len(rule.UserIDs) == 0 {
			return ErrInvalidAssignment.WithDetail("users rule needs at least one user")
		}
	case repository.AssignDepartment, repository.AssignRequesterManager:
	default:
		return ErrInvalidAssignment.WithDetail("unknown kind %q", rule.Kind)
	}
	return nil
}

func dedupeSorted(ids []string) []string {
	ids = slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == "" })
	slices.Sort(ids)
	return slices.Compact(ids)
}
