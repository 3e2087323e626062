package service

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/pkg/errors"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

// NominalAssignee is who a step names before delegation.
type NominalAssignee struct {
	UserID string
	Role   string
	StepID string
}

// ActorRef is who should actually act for a nominal assignee.
type ActorRef struct {
	UserID        string
	NominalUserID string
	DelegationID  string
}

// Delegated reports whether someone other than the nominal user acts.
func (a ActorRef) Delegated() bool { return a.UserID != a.NominalUserID }

// CreateDelegationInput describes a new delegation.
type CreateDelegationInput struct {
	PrincipalID    string
	DelegateID     string
	Roles          []string
	StepIDs        []string
	EffectiveFrom  time.Time
	EffectiveUntil time.Time
}

// DelegationResolver substitutes delegates for principals. Resolution follows
// exactly one hop: a delegate who has delegated in turn is not chased.
type DelegationResolver struct {
	store repository.Store
	cfg   Config
	log   *logger.Logger

	// onChange runs inside the transaction that creates or revokes one of
	// principalID's delegations.
	onChange func(ctx context.Context, repos repository.Repositories, principalID, cause string, now time.Time) ([]Event, error)
}

// NewDelegationResolver creates a DelegationResolver.
func NewDelegationResolver(store repository.Store, cfg Config, log *logger.Logger) *DelegationResolver {
	return &DelegationResolver{store: store, cfg: cfg, log: log}
}

// ResolveActor returns the delegate of the most recently created delegation
// active at `at` whose scope covers the assignee, or the nominal user.
func (r *DelegationResolver) ResolveActor(ctx context.Context, nominal NominalAssignee, at time.Time) (ActorRef, error) {
	return r.resolve(ctx, r.store.Repositories().Delegations, nominal, at)
}

func (r *DelegationResolver) resolve(ctx context.Context, delegations repository.DelegationRepository, nominal NominalAssignee, at time.Time) (ActorRef, error) {
	ref := ActorRef{UserID: nominal.UserID, NominalUserID: nominal.UserID}
	list, err := delegations.ListForPrincipal(ctx, nominal.UserID)
	if err != nil {
		return ref, err
	}
	// list is newest first, which is the overlap tie-break.
	for _, d := range list {
		if d.ActiveAt(at) && d.Scope.Matches(nominal.Role, nominal.StepID) {
			ref.UserID = d.DelegateID
			ref.DelegationID = d.ID
			return ref, nil
		}
	}
	return ref, nil
}

// ListActiveDelegationsFor returns delegations active at `at` in which userID
// is principal or delegate.
func (r *DelegationResolver) ListActiveDelegationsFor(ctx context.Context, userID string, at time.Time) ([]*repository.Delegation, error) {
	list, err := r.store.Repositories().Delegations.ListInvolving(ctx, userID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(list, func(d *repository.Delegation) bool { return !d.ActiveAt(at) }), nil
}

// CreateDelegation stores a delegation. Only the principal or an admin may
// create one.
func (r *DelegationResolver) CreateDelegation(ctx context.Context, in CreateDelegationInput, actorID string, isAdmin bool) (*repository.Delegation, []Event, error) {
	if in.PrincipalID == "" || in.DelegateID == "" {
		return nil, nil, ErrInvalidDelegation.WithDetail("principal and delegate are required")
	}
	if in.PrincipalID == in.DelegateID {
		return nil, nil, ErrInvalidDelegation.WithDetail("principal cannot delegate to themselves")
	}
	if !in.EffectiveFrom.Before(in.EffectiveUntil) {
		return nil, nil, ErrInvalidDelegation.WithDetail("effective_from must be before effective_until")
	}
	if actorID != in.PrincipalID && !isAdmin {
		return nil, nil, ErrNotPermitted.WithDetail("only the principal or an admin may delegate")
	}

	now := r.cfg.now()
	d := &repository.Delegation{
		ID:          uuid.NewString(),
		PrincipalID: in.PrincipalID,
		DelegateID:  in.DelegateID,
		Scope: repository.DelegationScope{
			Roles:   slices.Clone(in.Roles),
			StepIDs: slices.Clone(in.StepIDs),
		},
		EffectiveFrom:  in.EffectiveFrom.UTC(),
		EffectiveUntil: in.EffectiveUntil.UTC(),
		CreatedAt:      now,
	}

	var events []Event
	err := r.store.InTransaction(ctx, func(repos repository.Repositories) error {
		delegate, err := repos.Directory.GetUser(ctx, in.DelegateID)
		if err != nil {
			return err
		}
		if !delegate.Active {
			return ErrInvalidDelegation.WithDetail("delegate %s is inactive", in.DelegateID)
		}
		if err := repos.Delegations.Create(ctx, d); err != nil {
			return err
		}
		events, err = r.changed(ctx, repos, d.PrincipalID, "delegation:"+d.ID+":created", now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	r.log.Info().
		Str("delegation_id", d.ID).
		Str("principal_id", d.PrincipalID).
		Str("delegate_id", d.DelegateID).
		Time("from", d.EffectiveFrom).
		Time("until", d.EffectiveUntil).
		Msg("Delegation created")

	return d, append(events, invalidateCacheEvent(CacheClassDelegations, d.PrincipalID, now.UnixNano())), nil
}

// RevokeDelegation revokes a delegation. Only its principal or an admin may.
func (r *DelegationResolver) RevokeDelegation(ctx context.Context, id, actorID string, isAdmin bool) ([]Event, error) {
	var (
		principal string
		events    []Event
	)
	now := r.cfg.now()
	err := r.store.InTransaction(ctx, func(repos repository.Repositories) error {
		d, err := repos.Delegations.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if d.PrincipalID != actorID && !isAdmin {
			return ErrNotPermitted.WithDetail("only the principal or an admin may revoke")
		}
		principal = d.PrincipalID
		if err := repos.Delegations.Revoke(ctx, id); err != nil {
			return err
		}
		events, err = r.changed(ctx, repos, principal, "delegation:"+id+":revoked", now)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("delegation_id", id).Str("revoked_by", actorID).Msg("Delegation revoked")
	return append(events, invalidateCacheEvent(CacheClassDelegations, principal, now.UnixNano())), nil
}

func (r *DelegationResolver) changed(ctx context.Context, repos repository.Repositories, principalID, cause string, now time.Time) ([]Event, error) {
	if r.onChange == nil {
		return nil, nil
	}
	return r.onChange(ctx, repos, principalID, cause, now)
}

func isNotFound(err error) bool {
	return errors.CodeOf(err) == errors.ErrCodeNotFound
}
