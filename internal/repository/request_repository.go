package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/pkg/database"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

// PostgresRequestRepository handles approval_requests rows.
type PostgresRequestRepository struct {
	db database.Querier
}

// NewRequestRepository creates a request repository over a pool or tx.
func NewRequestRepository(db database.Querier) *PostgresRequestRepository {
	return &PostgresRequestRepository{db: db}
}

const requestColumns = `
	id, workflow_id, requester_id, department_id, title,
	amount, currency, payload, current_step, status,
	last_transition, version, created_at, updated_at`

// Create inserts a new request at version 1.
func (r *PostgresRequestRepository) Create(ctx context.Context, req *Request) error {
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request payload")
	}

	query := `
		INSERT INTO approval_requests
		    (id, workflow_id, requester_id, department_id, title,
		     amount, currency, payload, current_step, status,
		     last_transition, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10,
		        $11, 1, $12, $12)
	`

	_, err = r.db.Exec(ctx, query,
		req.ID,
		req.WorkflowID,
		req.RequesterID,
		req.DepartmentID,
		req.Title,
		req.Amount,
		req.Currency,
		payloadJSON,
		req.CurrentStep,
		req.Status,
		req.LastTransition,
		req.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create request")
	}
	req.Version = 1
	req.UpdatedAt = req.CreatedAt
	return nil
}

// GetByID retrieves a request by primary key.
func (r *PostgresRequestRepository) GetByID(ctx context.Context, id string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request")
	}
	return req, nil
}

// UpdateState writes the transition fields guarded by the version column.
func (r *PostgresRequestRepository) UpdateState(ctx context.Context, req *Request, expectedVersion int64) error {
	query := `
		UPDATE approval_requests
		SET current_step    = $3,
		    status          = $4,
		    last_transition = $5,
		    version         = version + 1,
		    updated_at      = $6
		WHERE id = $1
		  AND version = $2
		RETURNING version
	`

	err := r.db.QueryRow(ctx, query,
		req.ID,
		expectedVersion,
		req.CurrentStep,
		req.Status,
		req.LastTransition,
		req.UpdatedAt,
	).Scan(&req.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleRequest.WithDetail("request %s", req.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update request state")
	}
	return nil
}

// ListByRequester returns a requester's requests, newest first.
func (r *PostgresRequestRepository) ListByRequester(ctx context.Context, requesterID string) ([]*Request, error) {
	query := `SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE requester_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, requesterID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list requests")
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan request")
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRequestRepository) scanRequest(row requestScanner) (*Request, error) {
	req := &Request{}
	var payloadJSON []byte
	err := row.Scan(
		&req.ID,
		&req.WorkflowID,
		&req.RequesterID,
		&req.DepartmentID,
		&req.Title,
		&req.Amount,
		&req.Currency,
		&payloadJSON,
		&req.CurrentStep,
		&req.Status,
		&req.LastTransition,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &req.Payload); err != nil {
			return nil, err
		}
	}
	return req, nil
}
