package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/pkg/database"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

// PostgresTokenRepository handles approval_tokens. A partial unique index on
// (request_id, step_sequence, user_id) WHERE consumed_at IS NULL AND NOT
// revoked keeps at most one open token per triple.
type PostgresTokenRepository struct {
	db database.Querier
}

// NewTokenRepository creates a token repository over a pool or tx.
func NewTokenRepository(db database.Querier) *PostgresTokenRepository {
	return &PostgresTokenRepository{db: db}
}

const tokenColumns = `
	id, request_id, execution_id, step_sequence, user_id,
	allowed_actions, expires_at, revoked, consumed_at,
	consumed_action, created_at`

// Create inserts a token.
func (r *PostgresTokenRepository) Create(ctx context.Context, tok *ApprovalToken) error {
	query := `
		INSERT INTO approval_tokens
		    (id, request_id, execution_id, step_sequence, user_id,
		     allowed_actions, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, FALSE, $8)
	`

	_, err := r.db.Exec(ctx, query,
		tok.ID,
		tok.RequestID,
		tok.ExecutionID,
		tok.StepSequence,
		tok.UserID,
		tok.AllowedActions,
		tok.ExpiresAt,
		tok.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateOpenToken.WithDetail("request %s step %d user %s", tok.RequestID, tok.StepSequence, tok.UserID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval token")
	}
	return nil
}

// GetByID retrieves a token.
func (r *PostgresTokenRepository) GetByID(ctx context.Context, id string) (*ApprovalToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM approval_tokens WHERE id = $1`

	tok, err := r.scanToken(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_token", "redacted")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval token")
	}
	return tok, nil
}

// FindOpen returns the open token for the triple, or nil when none exists.
func (r *PostgresTokenRepository) FindOpen(ctx context.Context, requestID string, stepSequence int, userID string) (*ApprovalToken, error) {
	query := `SELECT ` + tokenColumns + `
		FROM approval_tokens
		WHERE request_id = $1
		  AND step_sequence = $2
		  AND user_id = $3
		  AND consumed_at IS NULL
		  AND revoked = FALSE`

	tok, err := r.scanToken(r.db.QueryRow(ctx, query, requestID, stepSequence, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find approval token")
	}
	return tok, nil
}

// Consume is the single-use guard: only one caller can flip consumed_at.
func (r *PostgresTokenRepository) Consume(ctx context.Context, id, action string, at time.Time) (*ApprovalToken, error) {
	query := `
		UPDATE approval_tokens
		SET consumed_at     = $3,
		    consumed_action = $2
		WHERE id = $1
		  AND consumed_at IS NULL
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > $3)
		RETURNING ` + tokenColumns

	tok, err := r.scanToken(r.db.QueryRow(ctx, query, id, action, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to consume approval token")
	}
	return tok, nil
}

// Revoke closes one open token.
func (r *PostgresTokenRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE approval_tokens
		SET revoked = TRUE,
		    expires_at = LEAST(COALESCE(expires_at, $2), $2)
		WHERE id = $1 AND consumed_at IS NULL
	`

	if _, err := r.db.Exec(ctx, query, id, at); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to revoke approval token")
	}
	return nil
}

// RevokeForExecutions closes every open token issued for the executions.
func (r *PostgresTokenRepository) RevokeForExecutions(ctx context.Context, executionIDs []string, at time.Time) (int64, error) {
	if len(executionIDs) == 0 {
		return 0, nil
	}
	query := `
		UPDATE approval_tokens
		SET revoked = TRUE,
		    expires_at = LEAST(COALESCE(expires_at, $2), $2)
		WHERE execution_id = ANY($1)
		  AND consumed_at IS NULL
		  AND revoked = FALSE
	`

	tag, err := r.db.Exec(ctx, query, executionIDs, at)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to revoke approval tokens")
	}
	return tag.RowsAffected(), nil
}

// PurgeExpired deletes tokens that expired or were consumed before the cutoff.
func (r *PostgresTokenRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM approval_tokens
		WHERE (expires_at IS NOT NULL AND expires_at < $1)
		   OR (consumed_at IS NOT NULL AND consumed_at < $1)
	`

	tag, err := r.db.Exec(ctx, query, before)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to purge approval tokens")
	}
	return tag.RowsAffected(), nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type tokenScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresTokenRepository) scanToken(row tokenScanner) (*ApprovalToken, error) {
	t := &ApprovalToken{}
	err := row.Scan(
		&t.ID,
		&t.RequestID,
		&t.ExecutionID,
		&t.StepSequence,
		&t.UserID,
		&t.AllowedActions,
		&t.ExpiresAt,
		&t.Revoked,
		&t.ConsumedAt,
		&t.ConsumedAction,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
