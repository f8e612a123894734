package budget

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const createBudgetsTable = `
CREATE TABLE IF NOT EXISTS budgets (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	scope_type TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	amount REAL NOT NULL,
	currency TEXT NOT NULL,
	period TEXT NOT NULL,
	start_date DATETIME NOT NULL,
	end_date DATETIME,
	parent_budget_id TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budgets_scope ON budgets(scope_type, scope_id);
CREATE INDEX IF NOT EXISTS idx_budgets_parent ON budgets(parent_budget_id);
`

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	budget_id TEXT NOT NULL,
	amount REAL NOT NULL,
	currency TEXT NOT NULL,
	source TEXT NOT NULL,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_budget_time ON usage_records(budget_id, timestamp);
`

// Store owns the SQLite database backing budgets and usage records.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the budget database and runs auto-migration.
// WAL mode keeps concurrent readers off the writers' lock.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open budget db: %w", err)
	}

	if _, err := db.Exec(createBudgetsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate budgets table: %w", err)
	}
	if _, err := db.Exec(createUsageTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage_records table: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping verifies database connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
