// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/flowgate/internal/domain"
)

// ErrNotFound is returned when an updated record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for persisting accounts and pool configuration.
type Repository interface {
	// ListActiveAccounts returns every account flagged active.
	ListActiveAccounts(ctx context.Context) ([]*domain.Account, error)

	// ListAccounts returns all accounts ordered by ID.
	ListAccounts(ctx context.Context) ([]*domain.Account, error)

	// GetAccount retrieves an account by ID. It returns nil, nil when absent.
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)

	// UpsertAccount creates or updates an account keyed by email and
	// stores the resulting ID back into acct.
	UpsertAccount(ctx context.Context, acct *domain.Account) error

	// GetChallengeConfig returns the persisted challenge pool configuration.
	GetChallengeConfig(ctx context.Context) (domain.ChallengeConfig, error)

	// UpdateChallengeConfig persists cfg and bumps its version.
	UpdateChallengeConfig(ctx context.Context, cfg domain.ChallengeConfig) (domain.ChallengeConfig, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
