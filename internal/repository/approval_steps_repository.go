package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/pkg/database"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

// PostgresExecutionRepository handles step_executions and their decisions in
// step_decisions. Decision slots are unique per (execution, nominal user).
type PostgresExecutionRepository struct {
	db database.Querier
}

// NewExecutionRepository creates an execution repository over a pool or tx.
func NewExecutionRepository(db database.Querier) *PostgresExecutionRepository {
	return &PostgresExecutionRepository{db: db}
}

const executionColumns = `
	id, request_id, step_id, step_sequence, attempt, policy,
	assignment, assignees, outcome, auto_approved, superseded,
	finalized_at, created_at`

// Create inserts a new execution. Decisions are written separately.
func (r *PostgresExecutionRepository) Create(ctx context.Context, exec *StepExecution) error {
	assignmentJSON, err := json.Marshal(exec.Assignment)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal assignment rule")
	}
	assigneesJSON, err := json.Marshal(exec.Assignees)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal assignees")
	}

	query := `
		INSERT INTO step_executions
		    (id, request_id, step_id, step_sequence, attempt, policy,
		     assignment, assignees, outcome, auto_approved, superseded,
		     finalized_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, FALSE,
		        $11, $12)
	`

	_, err = r.db.Exec(ctx, query,
		exec.ID,
		exec.RequestID,
		exec.StepID,
		exec.StepSequence,
		exec.Attempt,
		exec.Policy,
		assignmentJSON,
		assigneesJSON,
		exec.Outcome,
		exec.AutoApproved,
		exec.FinalizedAt,
		exec.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create step execution")
	}
	if exec.Decisions == nil {
		exec.Decisions = map[string]Decision{}
	}
	return nil
}

// GetForUpdate locks one execution row and loads its decisions.
func (r *PostgresExecutionRepository) GetForUpdate(ctx context.Context, id string) (*StepExecution, error) {
	query := `SELECT ` + executionColumns + `
		FROM step_executions
		WHERE id = $1
		FOR UPDATE`

	return r.getOne(ctx, query, id)
}

// GetLiveForUpdate locks the open execution of a request. Concurrent deciders
// on the same step queue behind this lock.
func (r *PostgresExecutionRepository) GetLiveForUpdate(ctx context.Context, requestID string) (*StepExecution, error) {
	query := `SELECT ` + executionColumns + `
		FROM step_executions
		WHERE request_id = $1
		  AND outcome IS NULL
		  AND superseded = FALSE
		ORDER BY seq DESC
		LIMIT 1
		FOR UPDATE`

	return r.getOne(ctx, query, requestID)
}

func (r *PostgresExecutionRepository) getOne(ctx context.Context, query, key string) (*StepExecution, error) {
	exec, err := r.scanExecution(r.db.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("step_execution", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get step execution")
	}
	if err := r.loadDecisions(ctx, []*StepExecution{exec}); err != nil {
		return nil, err
	}
	return exec, nil
}

// InsertDecision claims a decision slot. The primary key on
// (execution_id, nominal_user_id) makes a second claim a no-op.
func (r *PostgresExecutionRepository) InsertDecision(ctx context.Context, executionID string, d Decision) error {
	var forwardJSON []byte
	if d.ForwardTo != nil {
		var err error
		if forwardJSON, err = json.Marshal(d.ForwardTo); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal forward rule")
		}
	}

	query := `
		INSERT INTO step_decisions
		    (execution_id, nominal_user_id, actor_id, decision,
		     notes, via_token, forward_to, decided_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8)
		ON CONFLICT (execution_id, nominal_user_id) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query,
		executionID,
		d.NominalUserID,
		d.ActorID,
		d.Kind,
		d.Notes,
		d.ViaToken,
		forwardJSON,
		d.DecidedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record decision")
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateDecision.WithDetail("user %s", d.NominalUserID)
	}
	return nil
}

// Finalize stamps the outcome exactly once.
func (r *PostgresExecutionRepository) Finalize(ctx context.Context, executionID, outcome string, at time.Time) error {
	query := `
		UPDATE step_executions
		SET outcome      = $2,
		    finalized_at = $3
		WHERE id = $1
		  AND outcome IS NULL
		  AND superseded = FALSE
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, executionID, outcome, at).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyFinalized.WithDetail("execution %s", executionID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to finalize step execution")
	}
	return nil
}

// UpdateAssignees rewrites who acts for each slot of an open execution.
func (r *PostgresExecutionRepository) UpdateAssignees(ctx context.Context, executionID string, assignees []Assignee) error {
	assigneesJSON, err := json.Marshal(assignees)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal assignees")
	}

	query := `
		UPDATE step_executions
		SET assignees = $2
		WHERE id = $1
		  AND outcome IS NULL
		  AND superseded = FALSE
		RETURNING id
	`

	var returnedID string
	err = r.db.QueryRow(ctx, query, executionID, assigneesJSON).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyFinalized.WithDetail("execution %s", executionID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update step assignees")
	}
	return nil
}

// SupersedeFrom retires executions at or after sequence. Rows stay for history.
func (r *PostgresExecutionRepository) SupersedeFrom(ctx context.Context, requestID string, sequence int) ([]string, error) {
	query := `
		UPDATE step_executions
		SET superseded = TRUE
		WHERE request_id = $1
		  AND step_sequence >= $2
		  AND superseded = FALSE
		RETURNING id
	`

	rows, err := r.db.Query(ctx, query, requestID, sequence)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to supersede step executions")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to supersede step executions")
	}
	return ids, nil
}

// ListByRequest returns every execution of a request in insertion order. One
// transaction can create several executions with the same created_at, so seq
// breaks the tie.
func (r *PostgresExecutionRepository) ListByRequest(ctx context.Context, requestID string) ([]*StepExecution, error) {
	query := `SELECT ` + executionColumns + `
		FROM step_executions
		WHERE request_id = $1
		ORDER BY seq ASC`

	return r.list(ctx, query, requestID)
}

// ListOpenForUser returns open executions naming userID as nominal or acting
// assignee.
func (r *PostgresExecutionRepository) ListOpenForUser(ctx context.Context, userID string) ([]*StepExecution, error) {
	query := `SELECT ` + executionColumns + `
		FROM step_executions
		WHERE outcome IS NULL
		  AND superseded = FALSE
		  AND (assignees @> jsonb_build_array(jsonb_build_object('nominal_user_id', $1::text))
		       OR assignees @> jsonb_build_array(jsonb_build_object('acting_user_id', $1::text)))
		ORDER BY seq ASC`

	return r.list(ctx, query, userID)
}

func (r *PostgresExecutionRepository) list(ctx context.Context, query string, arg string) ([]*StepExecution, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list step executions")
	}
	defer rows.Close()

	var execs []*StepExecution
	for rows.Next() {
		exec, err := r.scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step execution")
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list step executions")
	}
	if err := r.loadDecisions(ctx, execs); err != nil {
		return nil, err
	}
	return execs, nil
}

func (r *PostgresExecutionRepository) loadDecisions(ctx context.Context, execs []*StepExecution) error {
	if len(execs) == 0 {
		return nil
	}
	byID := make(map[string]*StepExecution, len(execs))
	ids := make([]string, 0, len(execs))
	for _, e := range execs {
		e.Decisions = map[string]Decision{}
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}

	query := `
		SELECT execution_id, nominal_user_id, actor_id, decision,
		       notes, via_token, forward_to, decided_at
		FROM step_decisions
		WHERE execution_id = ANY($1)
	`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load decisions")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			executionID string
			forwardJSON []byte
			d           Decision
		)
		if err := rows.Scan(
			&executionID,
			&d.NominalUserID,
			&d.ActorID,
			&d.Kind,
			&d.Notes,
			&d.ViaToken,
			&forwardJSON,
			&d.DecidedAt,
		); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan decision")
		}
		if len(forwardJSON) > 0 {
			d.ForwardTo = &AssignmentRule{}
			if err := json.Unmarshal(forwardJSON, d.ForwardTo); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal forward rule")
			}
		}
		byID[executionID].Decisions[d.NominalUserID] = d
	}
	return rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type executionScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresExecutionRepository) scanExecution(row executionScanner) (*StepExecution, error) {
	e := &StepExecution{}
	var assignmentJSON, assigneesJSON []byte
	err := row.Scan(
		&e.ID,
		&e.RequestID,
		&e.StepID,
		&e.StepSequence,
		&e.Attempt,
		&e.Policy,
		&assignmentJSON,
		&assigneesJSON,
		&e.Outcome,
		&e.AutoApproved,
		&e.Superseded,
		&e.FinalizedAt,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(assignmentJSON, &e.Assignment); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(assigneesJSON, &e.Assignees); err != nil {
		return nil, err
	}
	return e, nil
}
