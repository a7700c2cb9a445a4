package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/newshound/internal/model"
)

var (
	// ErrCorrupt marks persisted state that exists but cannot be decoded.
	ErrCorrupt = eris.New("store: persisted state is corrupt")
	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = eris.New("store: not found")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// StateStore persists the dedup history and the source registry. Saves
// replace the full mapping; entries absent from the map are removed.
type StateStore interface {
	LoadHistory(ctx context.Context) (map[string]model.DedupRecord, error)
	SaveHistory(ctx context.Context, records map[string]model.DedupRecord) error
	LookupRecord(ctx context.Context, fingerprint string) (*model.DedupRecord, error)

	LoadSources(ctx context.Context) (map[string]model.Source, error)
	SaveSources(ctx context.Context, sources map[string]model.Source) error
}

// RunStore is the run log.
type RunStore interface {
	CreateRun(ctx context.Context) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error)
	CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error
}

// Store is the full persistence interface.
type Store interface {
	StateStore
	RunStore

	Migrate(ctx context.Context) error
	Close() error
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
