package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/pkg/database"
)

// PostgresStore binds the Postgres repositories to the pool or to a tx.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a store over an open pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Repositories returns repositories that run each statement on the pool.
func (s *PostgresStore) Repositories() Repositories {
	return bind(s.db)
}

// InTransaction runs fn with repositories bound to a single transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(Repositories) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(bind(tx))
	})
}

func bind(q database.Querier) Repositories {
	return Repositories{
		Requests:    NewRequestRepository(q),
		Steps:       NewStepRepository(q),
		Executions:  NewExecutionRepository(q),
		Tokens:      NewTokenRepository(q),
		Delegations: NewDelegationRepository(q),
		Audit:       NewAuditRepository(q),
		Directory:   NewDirectoryRepository(q),
	}
}
