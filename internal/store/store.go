// Package store keeps recent pipeline results for the diagnostics API.
package store

import (
	"context"
	"time"

	"github.com/halbridge/halbridge/pkg/models"
)

// Store is the storage interface for pipeline results. Handler code depends
// on this interface only.
type Store interface {
	ResultStore

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error

	// DeleteResults removes results by ID and reports how many existed.
	DeleteResults(ctx context.Context, ids ...string) (int, error)

	// Close releases all resources held by the store.
	Close() error
}

// ── Result Store ────────────────────────────────────────────

// ResultStore keeps the most recent Responses, newest first on list.
type ResultStore interface {
	SaveResult(ctx context.Context, resp *models.Response) error
	GetResult(ctx context.Context, id string) (*models.Response, error)
	ListResults(ctx context.Context, filter ListFilter) ([]models.Response, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides pagination and filter options. Zero values mean no
// filter.
type ListFilter struct {
	Limit     int
	Offset    int
	Kind      models.ResponseKind
	SessionID string
	Before    time.Time // CompletedAt strictly before
}
