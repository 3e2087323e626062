package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"slices"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

const tokenBytes = 32

// IssueTokenInput binds a token to one approver slot of a step execution.
type IssueTokenInput struct {
	RequestID      string
	ExecutionID    string
	StepSequence   int
	UserID         string
	AllowedActions []string
}

// TokenClaims is what a valid token grants.
type TokenClaims struct {
	TokenID        string
	RequestID      string
	ExecutionID    string
	StepSequence   int
	UserID         string
	AllowedActions []string
	ExpiresAt      *time.Time
}

// TokenStore issues, validates and single-use-consumes approval tokens.
type TokenStore struct {
	store repository.Store
	cfg   Config
	log   *logger.Logger
}

// NewTokenStore creates a TokenStore.
func NewTokenStore(store repository.Store, cfg Config, log *logger.Logger) *TokenStore {
	return &TokenStore{store: store, cfg: cfg, log: log}
}

// Issue returns the open token for (request, step, user) if it is still
// valid, otherwise creates a new one. ttl <= 0 never expires.
func (s *TokenStore) Issue(ctx context.Context, in IssueTokenInput, ttl time.Duration) (*repository.ApprovalToken, error) {
	var tok *repository.ApprovalToken
	err := s.store.InTransaction(ctx, func(repos repository.Repositories) error {
		var err error
		tok, err = s.issue(ctx, repos, in, ttl, s.cfg.now())
		return err
	})
	return tok, err
}

func (s *TokenStore) issue(ctx context.Context, repos repository.Repositories, in IssueTokenInput, ttl time.Duration, now time.Time) (*repository.ApprovalToken, error) {
	if in.RequestID == "" || in.ExecutionID == "" || in.UserID == "" {
		return nil, errors.InvalidInput("token", "request, execution and user are required")
	}
	if len(in.AllowedActions) == 0 {
		return nil, errors.InvalidInput("allowed_actions", "at least one action is required")
	}

	existing, err := repos.Tokens.FindOpen(ctx, in.RequestID, in.StepSequence, in.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ValidAt(now) {
			return existing, nil
		}
		// Expired but never consumed: close it so the triple can be reissued.
		if err := repos.Tokens.Revoke(ctx, existing.ID, now); err != nil {
			return nil, err
		}
	}

	id, err := newTokenID()
	if err != nil {
		return nil, err
	}
	tok := &repository.ApprovalToken{
		ID:             id,
		RequestID:      in.RequestID,
		ExecutionID:    in.ExecutionID,
		StepSequence:   in.StepSequence,
		UserID:         in.UserID,
		AllowedActions: slices.Clone(in.AllowedActions),
		CreatedAt:      now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		tok.ExpiresAt = &exp
	}
	if err := repos.Tokens.Create(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Validate reports what a token grants without consuming it.
func (s *TokenStore) Validate(ctx context.Context, tokenID string) (*TokenClaims, error) {
	tok, err := s.store.Repositories().Tokens.GetByID(ctx, tokenID)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeNotFound {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if err := classify(tok, s.cfg.now()); err != nil {
		return nil, err
	}
	return &TokenClaims{
		TokenID:        tok.ID,
		RequestID:      tok.RequestID,
		ExecutionID:    tok.ExecutionID,
		StepSequence:   tok.StepSequence,
		UserID:         tok.UserID,
		AllowedActions: tok.AllowedActions,
		ExpiresAt:      tok.ExpiresAt,
	}, nil
}

// RecordFunc runs inside the consuming transaction. Returning an error rolls
// back the consumption as well.
type RecordFunc func(ctx context.Context, repos repository.Repositories, tok *repository.ApprovalToken) error

// Consume marks the token used and runs record in the same transaction. Of
// any number of concurrent callers exactly one succeeds; the rest get
// ErrTokenAlreadyUsed.
func (s *TokenStore) Consume(ctx context.Context, tokenID, action string, record RecordFunc) (*repository.ApprovalToken, error) {
	var tok *repository.ApprovalToken
	err := s.store.InTransaction(ctx, func(repos repository.Repositories) error {
		var err error
		tok, err = s.consume(ctx, repos, tokenID, action, s.cfg.now())
		if err != nil {
			return err
		}
		if record == nil {
			return nil
		}
		return record(ctx, repos, tok)
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *TokenStore) consume(ctx context.Context, repos repository.Repositories, tokenID, action string, now time.Time) (*repository.ApprovalToken, error) {
	tok, err := repos.Tokens.Consume(ctx, tokenID, action, now)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		current, err := repos.Tokens.GetByID(ctx, tokenID)
		if err != nil {
			if errors.CodeOf(err) == errors.ErrCodeNotFound {
				return nil, ErrTokenNotFound
			}
			return nil, err
		}
		if err := classify(current, now); err != nil {
			return nil, err
		}
		// Valid now but the conditional update missed: another consumer won.
		return nil, ErrTokenAlreadyUsed
	}
	if !slices.Contains(tok.AllowedActions, action) {
		return nil, ErrTokenActionNotAllowed.WithDetail("action %q", action)
	}
	return tok, nil
}

// ExpireForExecutions closes the open tokens of finished or superseded
// executions so their triples can be issued again on re-entry.
func (s *TokenStore) ExpireForExecutions(ctx context.Context, repos repository.Repositories, executionIDs []string, now time.Time) error {
	n, err := repos.Tokens.RevokeForExecutions(ctx, executionIDs, now)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Debug().Int64("tokens", n).Strs("executions", executionIDs).Msg("approval tokens expired")
	}
	return nil
}

// PurgeExpired deletes tokens that stopped being usable more than olderThan ago.
func (s *TokenStore) PurgeExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.Repositories().Tokens.PurgeExpired(ctx, s.cfg.now().Add(-olderThan))
}

func classify(tok *repository.ApprovalToken, now time.Time) error {
	switch {
	case tok.ConsumedAt != nil:
		return ErrTokenAlreadyUsed
	case tok.Revoked:
		return ErrTokenExpired
	case tok.ExpiresAt != nil && !now.Before(*tok.ExpiresAt):
		return ErrTokenExpired
	}
	return nil
}

func newTokenID() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to generate token")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
