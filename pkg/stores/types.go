package stores

import (
	"context"
	"time"

	"github.com/leadflow/leadflow/pkg/engine"
)

// Store is the full persistence surface used by the application: leads,
// workflow executions and the event audit log.
type Store interface {
	engine.LeadRepository
	engine.ExecutionStore
	engine.EventLog

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Utility
	HealthCheck(ctx context.Context) error
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Clock overrides time.Now for timestamps written by the store.
	Clock func() time.Time
}

// Compile-time interface checks.
var (
	_ Store           = (*MemoryStore)(nil)
	_ Store           = (*SQLiteStore)(nil)
	_ engine.Calendar = (*SQLiteStore)(nil)
)
