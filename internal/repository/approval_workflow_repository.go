package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-approval-workflows/pkg/database"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

// PostgresStepRepository manages workflow step definitions. Steps are never
// deleted; deactivation keeps history referencing them intact.
type PostgresStepRepository struct {
	db database.Querier
}

// NewStepRepository creates a step repository over a pool or tx.
func NewStepRepository(db database.Querier) *PostgresStepRepository {
	return &PostgresStepRepository{db: db}
}

const stepColumns = `
	id, workflow_id, sequence, name, description,
	assignment, policy, requires_token, allowed_actions,
	forward_assignment, active, created_at, updated_at`

// GetByID retrieves a step by primary key.
func (r *PostgresStepRepository) GetByID(ctx context.Context, id string) (*WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE id = $1`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow_step", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow step")
	}
	return step, nil
}

// ListActive returns the active steps of a workflow in sequence order.
func (r *PostgresStepRepository) ListActive(ctx context.Context, workflowID string) ([]*WorkflowStep, error) {
	query := `SELECT ` + stepColumns + `
		FROM workflow_steps
		WHERE workflow_id = $1 AND active = TRUE
		ORDER BY sequence ASC, created_at ASC`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow steps")
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// Upsert inserts or replaces a step definition. A second active step on the
// same sequence violates uq_workflow_steps_active_sequence.
func (r *PostgresStepRepository) Upsert(ctx context.Context, step *WorkflowStep) error {
	assignmentJSON, err := json.Marshal(step.Assignment)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal assignment rule")
	}
	var forwardJSON []byte
	if step.ForwardAssignment != nil {
		if forwardJSON, err = json.Marshal(step.ForwardAssignment); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal forward rule")
		}
	}

	query := `
		INSERT INTO workflow_steps
		    (id, workflow_id, sequence, name, description,
		     assignment, policy, requires_token, allowed_actions,
		     forward_assignment, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $12)
		ON CONFLICT (id) DO UPDATE
		SET sequence           = EXCLUDED.sequence,
		    name               = EXCLUDED.name,
		    description        = EXCLUDED.description,
		    assignment         = EXCLUDED.assignment,
		    policy             = EXCLUDED.policy,
		    requires_token     = EXCLUDED.requires_token,
		    allowed_actions    = EXCLUDED.allowed_actions,
		    forward_assignment = EXCLUDED.forward_assignment,
		    active             = EXCLUDED.active,
		    updated_at         = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		step.ID,
		step.WorkflowID,
		step.Sequence,
		step.Name,
		step.Description,
		assignmentJSON,
		step.Policy,
		step.RequiresToken,
		step.AllowedActions,
		forwardJSON,
		step.Active,
		step.UpdatedAt,
	).Scan(&step.CreatedAt, &step.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateSequence.WithDetail("workflow %s sequence %d", step.WorkflowID, step.Sequence)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert workflow step")
	}
	return nil
}

// Deactivate takes a step out of routing.
func (r *PostgresStepRepository) Deactivate(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE workflow_steps
		SET active = FALSE, updated_at = $2
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, at).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("workflow_step", id)
	}
	return err
}

// ── scan helper ───────────────────────────────────────────────────────────────

type stepScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresStepRepository) scanStep(row stepScanner) (*WorkflowStep, error) {
	s := &WorkflowStep{}
	var assignmentJSON, forwardJSON []byte
	err := row.Scan(
		&s.ID,
		&s.WorkflowID,
		&s.Sequence,
		&s.Name,
		&s.Description,
		&assignmentJSON,
		&s.Policy,
		&s.RequiresToken,
		&s.AllowedActions,
		&forwardJSON,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(assignmentJSON, &s.Assignment); err != nil {
		return nil, err
	}
	if len(forwardJSON) > 0 {
		s.ForwardAssignment = &AssignmentRule{}
		if err := json.Unmarshal(forwardJSON, s.ForwardAssignment); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
