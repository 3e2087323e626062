package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/pkg/database"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

// PostgresDelegationRepository handles delegations. Activity windows are
// evaluated by the caller so resolution uses a single clock.
type PostgresDelegationRepository struct {
	db database.Querier
}

// NewDelegationRepository creates a delegation repository over a pool or tx.
func NewDelegationRepository(db database.Querier) *PostgresDelegationRepository {
	return &PostgresDelegationRepository{db: db}
}

const delegationColumns = `
	id, principal_id, delegate_id, scope_roles, scope_step_ids,
	effective_from, effective_until, revoked, created_at`

// Create inserts a delegation.
func (r *PostgresDelegationRepository) Create(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO delegations
		    (id, principal_id, delegate_id, scope_roles, scope_step_ids,
		     effective_from, effective_until, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, FALSE, $8)
	`

	_, err := r.db.Exec(ctx, query,
		d.ID,
		d.PrincipalID,
		d.DelegateID,
		nonNil(d.Scope.Roles),
		nonNil(d.Scope.StepIDs),
		d.EffectiveFrom,
		d.EffectiveUntil,
		d.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation")
	}
	return nil
}

// GetByID retrieves a delegation.
func (r *PostgresDelegationRepository) GetByID(ctx context.Context, id string) (*Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE id = $1`

	d, err := r.scanDelegation(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("delegation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegation")
	}
	return d, nil
}

// Revoke flags a delegation as revoked.
func (r *PostgresDelegationRepository) Revoke(ctx context.Context, id string) error {
	query := `
		UPDATE delegations
		SET revoked = TRUE
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("delegation", id)
	}
	return err
}

// ListForPrincipal returns non-revoked delegations granted by principalID,
// most recently created first.
func (r *PostgresDelegationRepository) ListForPrincipal(ctx context.Context, principalID string) ([]*Delegation, error) {
	query := `SELECT ` + delegationColumns + `
		FROM delegations
		WHERE principal_id = $1 AND revoked = FALSE
		ORDER BY created_at DESC, id DESC`

	return r.list(ctx, query, principalID)
}

// ListInvolving returns non-revoked delegations where userID is principal or
// delegate, most recently created first.
func (r *PostgresDelegationRepository) ListInvolving(ctx context.Context, userID string) ([]*Delegation, error) {
	query := `SELECT ` + delegationColumns + `
		FROM delegations
		WHERE (principal_id = $1 OR delegate_id = $1) AND revoked = FALSE
		ORDER BY created_at DESC, id DESC`

	return r.list(ctx, query, userID)
}

func (r *PostgresDelegationRepository) list(ctx context.Context, query, userID string) ([]*Delegation, error) {
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		d, err := r.scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type delegationScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresDelegationRepository) scanDelegation(row delegationScanner) (*Delegation, error) {
	d := &Delegation{}
	err := row.Scan(
		&d.ID,
		&d.PrincipalID,
		&d.DelegateID,
		&d.Scope.Roles,
		&d.Scope.StepIDs,
		&d.EffectiveFrom,
		&d.EffectiveUntil,
		&d.Revoked,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
