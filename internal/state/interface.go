package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// RunStore handles run and result persistence.
type RunStore interface {
	SaveRun(ctx context.Context, run *Run, results []models.Result) error
	GetRun(ctx context.Context, jobID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	GetResults(ctx context.Context, jobID string) ([]models.Result, error)
}

// BattleStore handles battle session persistence.
type BattleStore interface {
	SaveBattleSession(ctx context.Context, s *models.BattleSession) error
	GetBattleSession(ctx context.Context, jobID string) (*models.BattleSession, error)
	ListBattleSessions(ctx context.Context, activeOnly bool) ([]*models.BattleSession, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore composes the focused store interfaces so callers can work
// with any backend without depending on SQLite.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	BattleStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore  = (*DB)(nil)
	_ Migrator    = (*DB)(nil)
	_ RunStore    = (*DB)(nil)
	_ BattleStore = (*DB)(nil)
)
