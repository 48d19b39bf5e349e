// Package store persists investigation runs, per-attempt results and the
// shared search cache.
package store

import (
	"context"
	"time"

	"github.com/sells-group/smartbroker/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for investigations.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run model.RunSummary) error
	UpdateRun(ctx context.Context, run model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.RunSummary, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error)

	// Attempts
	SaveAttempt(ctx context.Context, attempt model.AttemptResult) error
	ListAttempts(ctx context.Context, runID string) ([]model.AttemptResult, error)

	// Search cache
	GetCachedSearch(ctx context.Context, key string) ([]byte, time.Time, error)
	SetCachedSearch(ctx context.Context, key string, data []byte, ttl time.Duration) error
	DeleteExpiredSearches(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100
