// Package catalog keeps the artifact catalog, the template registry and the
// saved prompt sets. Metadata lives in SQLite; artifact contents go through a
// storage.Storage backend.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	name         TEXT    NOT NULL,
	stage        TEXT    NOT NULL,
	kind         TEXT    NOT NULL,
	format       TEXT    NOT NULL,
	version      INTEGER NOT NULL,
	location     TEXT    NOT NULL,
	row_count    INTEGER NOT NULL DEFAULT 0,
	column_names TEXT    NOT NULL DEFAULT '[]',
	parents      TEXT    NOT NULL DEFAULT '[]',
	metadata     TEXT    NOT NULL DEFAULT '{}',
	current      INTEGER NOT NULL DEFAULT 1,
	created_at   INTEGER NOT NULL,
	UNIQUE (stage, name, version)
);
CREATE UNIQUE INDEX IF NOT EXISTS artifacts_current ON artifacts (stage, name) WHERE current = 1;

CREATE TABLE IF NOT EXISTS templates (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL UNIQUE,
	fields     TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS prompt_sets (
	name       TEXT    PRIMARY KEY,
	body       TEXT    NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Catalog is safe for concurrent use.
type Catalog struct {
	db     *sql.DB
	store  storage.Storage
	logger logger.Logger

	// serializes writes that read-then-insert
	mu  sync.Mutex
	now func() time.Time
}

// Open opens (or creates) the catalog database at path and seeds the default
// templates.
func Open(ctx context.Context, path string, store storage.Storage, log logger.Logger) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog dir: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate catalog db: %w", err)
	}

	c := &Catalog{
		db:     db,
		store:  store,
		logger: log.Named("catalog"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := c.seedTemplates(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
