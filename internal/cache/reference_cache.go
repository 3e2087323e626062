// Package cache keeps read-mostly reference data (step definitions, users and
// roles, departments, auto-approval rules) in Redis in front of the store.
//
// Each class carries a generation counter. Invalidating a class bumps its
// generation so every key written under the old one is never read again and
// ages out on its TTL.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-workflows/internal/metrics"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

const keyPrefix = "approvals"

// Cached classes. Delegations are always read live.
const (
	ClassSteps       = "steps"
	ClassRoles       = "roles"
	ClassDepartments = "departments"
	ClassThresholds  = "thresholds"
	ClassDelegations = "delegations"
)

// TTLs bounds staleness per class. A zero TTL disables caching for the class.
type TTLs struct {
	Steps       time.Duration
	Roles       time.Duration
	Departments time.Duration
	Thresholds  time.Duration
}

func (t TTLs) forClass(class string) time.Duration {
	switch class {
	case ClassSteps:
		return t.Steps
	case ClassRoles:
		return t.Roles
	case ClassDepartments:
		return t.Departments
	case ClassThresholds:
		return t.Thresholds
	}
	return 0
}

// ReferenceCache implements repository.ReferenceReader over another reader.
// Redis failures fall through to the inner reader.
type ReferenceCache struct {
	inner repository.ReferenceReader
	rdb   redis.UniversalClient
	ttls  TTLs
	log   zerolog.Logger
}

// NewReferenceCache wraps inner with a Redis-backed cache.
func NewReferenceCache(inner repository.ReferenceReader, rdb redis.UniversalClient, ttls TTLs, log zerolog.Logger) *ReferenceCache {
	return &ReferenceCache{inner: inner, rdb: rdb, ttls: ttls, log: log}
}

var _ repository.ReferenceReader = (*ReferenceCache)(nil)

func (c *ReferenceCache) ActiveSteps(ctx context.Context, workflowID string) ([]*repository.WorkflowStep, error) {
	return lookup(ctx, c, ClassSteps, workflowID, func() ([]*repository.WorkflowStep, error) {
		return c.inner.ActiveSteps(ctx, workflowID)
	})
}

func (c *ReferenceCache) GetUser(ctx context.Context, id string) (*repository.User, error) {
	return lookup(ctx, c, ClassRoles, "user:"+id, func() (*repository.User, error) {
		return c.inner.GetUser(ctx, id)
	})
}

func (c *ReferenceCache) ListActiveUsersByRole(ctx context.Context, role, departmentID string) ([]*repository.User, error) {
	return lookup(ctx, c, ClassRoles, "role:"+role+":"+departmentID, func() ([]*repository.User, error) {
		return c.inner.ListActiveUsersByRole(ctx, role, departmentID)
	})
}

func (c *ReferenceCache) GetDepartment(ctx context.Context, id string) (*repository.Department, error) {
	return lookup(ctx, c, ClassDepartments, id, func() (*repository.Department, error) {
		return c.inner.GetDepartment(ctx, id)
	})
}

func (c *ReferenceCache) ListAutoApprovalRules(ctx context.Context, departmentID string) ([]*repository.AutoApprovalRule, error) {
	return lookup(ctx, c, ClassThresholds, departmentID, func() ([]*repository.AutoApprovalRule, error) {
		return c.inner.ListAutoApprovalRules(ctx, departmentID)
	})
}

// Invalidate drops every cached entry of class. key is accepted for logging
// only; invalidation is whole-class.
func (c *ReferenceCache) Invalidate(ctx context.Context, class, key string) error {
	if c.ttls.forClass(class) == 0 {
		return nil
	}
	if err := c.rdb.Incr(ctx, genKey(class)).Err(); err != nil {
		return fmt.Errorf("invalidate %s: %w", class, err)
	}
	c.log.Debug().Str("class", class).Str("key", key).Msg("Reference cache invalidated")
	return nil
}

func genKey(class string) string {
	return fmt.Sprintf("%s:gen:%s", keyPrefix, class)
}

func valueKey(class string, gen int64, key string) string {
	return fmt.Sprintf("%s:ref:%s:%d:%s", keyPrefix, class, gen, key)
}

func (c *ReferenceCache) generation(ctx context.Context, class string) (int64, error) {
	gen, err := c.rdb.Get(ctx, genKey(class)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

// lookup serves class/key from Redis or loads and stores it. Load errors,
// not-found included, are returned uncached.
func lookup[T any](ctx context.Context, c *ReferenceCache, class, key string, load func() (T, error)) (T, error) {
	ttl := c.ttls.forClass(class)
	if ttl == 0 {
		return load()
	}

	gen, err := c.generation(ctx, class)
	if err != nil {
		c.log.Warn().Err(err).Str("class", class).Msg("Reference cache unavailable, reading store")
		metrics.CacheLookupsTotal.WithLabelValues(class, "error").Inc()
		return load()
	}
	k := valueKey(class, gen, key)

	raw, err := c.rdb.Get(ctx, k).Bytes()
	if err == nil {
		var v T
		if uerr := json.Unmarshal(raw, &v); uerr == nil {
			metrics.CacheLookupsTotal.WithLabelValues(class, "hit").Inc()
			return v, nil
		}
		c.log.Warn().Str("key", k).Msg("Discarding undecodable cache entry")
	} else if err != redis.Nil {
		c.log.Warn().Err(err).Str("class", class).Msg("Reference cache unavailable, reading store")
		metrics.CacheLookupsTotal.WithLabelValues(class, "error").Inc()
		return load()
	}

	metrics.CacheLookupsTotal.WithLabelValues(class, "miss").Inc()
	v, err := load()
	if err != nil {
		return v, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	if err := c.rdb.Set(ctx, k, data, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", k).Msg("Failed to fill reference cache")
	}
	return v, nil
}
