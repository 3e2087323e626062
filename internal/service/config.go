package service

import (
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// Config is handed to the engine and resolvers at construction. Nothing in
// this package reads process-wide settings.
type Config struct {
	// TokenTTL <= 0 issues tokens that never expire.
	TokenTTL time.Duration
	// DefaultTokenActions applies to steps that do not list their own.
	DefaultTokenActions []string
	AutoApprovalEnabled bool
	AdminRole           string
	// Now is the engine clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TokenTTL:            72 * time.Hour,
		DefaultTokenActions: []string{repository.DecisionApproved, repository.DecisionRejected},
		AutoApprovalEnabled: true,
		AdminRole:           "workflow_admin",
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}
