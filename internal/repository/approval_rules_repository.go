package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/pkg/database"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

// PostgresDirectoryRepository reads the reference data that drives routing:
// users and their roles, departments and their managers, and per-department
// auto-approval rules. Writes belong to the directory service.
type PostgresDirectoryRepository struct {
	db database.Querier
}

// NewDirectoryRepository creates a directory repository over a pool or tx.
func NewDirectoryRepository(db database.Querier) *PostgresDirectoryRepository {
	return &PostgresDirectoryRepository{db: db}
}

// GetUser retrieves a user by id.
func (r *PostgresDirectoryRepository) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, department_id, roles, active
		FROM users
		WHERE id = $1
	`

	u := &User{}
	err := r.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.DepartmentID, &u.Roles, &u.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// ListActiveUsersByRole returns active holders of role ordered by id. An empty
// departmentID searches every department.
func (r *PostgresDirectoryRepository) ListActiveUsersByRole(ctx context.Context, role, departmentID string) ([]*User, error) {
	query := `
		SELECT id, department_id, roles, active
		FROM users
		WHERE active = TRUE
		  AND $1 = ANY(roles)
		  AND ($2 = '' OR department_id = $2)
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, role, departmentID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users by role")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.DepartmentID, &u.Roles, &u.Active); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetDepartment retrieves a department with its manager ids.
func (r *PostgresDirectoryRepository) GetDepartment(ctx context.Context, id string) (*Department, error) {
	query := `
		SELECT id, name, parent_id, manager_ids
		FROM departments
		WHERE id = $1
	`

	d := &Department{}
	err := r.db.QueryRow(ctx, query, id).Scan(&d.ID, &d.Name, &d.ParentID, &d.ManagerIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("department", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get department")
	}
	return d, nil
}

// ListAutoApprovalRules returns a department's active auto-approval rules.
func (r *PostgresDirectoryRepository) ListAutoApprovalRules(ctx context.Context, departmentID string) ([]*AutoApprovalRule, error) {
	query := `
		SELECT id, department_id, workflow_id, step_ids,
		       max_amount, criteria, active
		FROM auto_approval_rules
		WHERE department_id = $1 AND active = TRUE
		ORDER BY max_amount ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, departmentID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list auto-approval rules")
	}
	defer rows.Close()

	var rules []*AutoApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresDirectoryRepository) scanRule(row ruleScanner) (*AutoApprovalRule, error) {
	rule := &AutoApprovalRule{}
	err := row.Scan(
		&rule.ID,
		&rule.DepartmentID,
		&rule.WorkflowID,
		&rule.StepIDs,
		&rule.MaxAmount,
		&rule.Criteria,
		&rule.Active,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan auto-approval rule")
	}
	return rule, nil
}
