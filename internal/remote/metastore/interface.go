// Package metastore provides the server-side run metadata storage abstraction.
package metastore

import (
	"context"
	"errors"

	"github.com/kilupskalvis/wfr/internal/models"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound  = errors.New("not found")
	ErrAmbiguous = errors.New("ambiguous run id")
)

// MetaStore defines the contract for server-side run persistence.
type MetaStore interface {
	// PutRun stores a run, replacing any earlier upload with the same ID.
	PutRun(ctx context.Context, run *models.Run) error
	// GetRun looks a run up by full ID or unique ID prefix.
	GetRun(ctx context.Context, id string) (*models.Run, error)
	// ListRuns returns runs newest first. A zero limit means no limit.
	ListRuns(ctx context.Context, limit int, workflow string) ([]*models.Run, error)
	DeleteRun(ctx context.Context, id string) error
	RunCount(ctx context.Context) (int, error)

	// AllLogHashes returns every step log hash referenced by a stored run.
	AllLogHashes(ctx context.Context) (map[string]bool, error)

	Close() error
}
