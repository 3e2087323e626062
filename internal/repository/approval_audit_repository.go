package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/pkg/database"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
)

// PostgresAuditRepository appends and reads immutable audit entries.
type PostgresAuditRepository struct {
	db database.Querier
}

// NewAuditRepository creates an audit repository over a pool or tx.
func NewAuditRepository(db database.Querier) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

// Append inserts one audit entry. The table has a delete-prevention trigger so
// this is the only mutation operation exposed.
func (r *PostgresAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (id, request_id, execution_id, step_sequence,
		     action, actor_id, on_behalf_of, via_token,
		     status_before, status_after,
		     metadata, performed_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10,
		        $11, $12)
	`

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.ExecutionID,
		entry.StepSequence,
		entry.Action,
		entry.ActorID,
		entry.OnBehalfOf,
		entry.ViaToken,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
		entry.PerformedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByRequest returns the full audit trail for a request, oldest first.
func (r *PostgresAuditRepository) ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, execution_id, step_sequence,
		       action, actor_id, on_behalf_of, via_token,
		       status_before, status_after,
		       metadata, performed_at
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *PostgresAuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresAuditRepository) scanEntry(sc auditScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.RequestID,
		&entry.ExecutionID,
		&entry.StepSequence,
		&entry.Action,
		&entry.ActorID,
		&entry.OnBehalfOf,
		&entry.ViaToken,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
		&entry.PerformedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
