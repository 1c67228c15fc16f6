// Package sqlite implements the store contracts on SQLite using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/plaenen/eventengine/pkg/store/sqlite/migrate"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryDSN = ":memory:"

// DB is a SQLite database shared by the event, snapshot, checkpoint and
// saga stores. Writes from this process are serialized on one mutex so
// concurrent appends queue instead of failing with SQLITE_BUSY.
type DB struct {
	*sql.DB
	writeMu sync.Mutex
}

type config struct {
	dsn          string
	maxOpenConns int
	walMode      bool
	busyTimeout  int
	autoMigrate  bool
}

func defaultConfig() config {
	return config{
		dsn:          "eventengine.db",
		maxOpenConns: 10,
		walMode:      true,
		busyTimeout:  5000,
		autoMigrate:  true,
	}
}

// Option configures Open.
type Option func(*config)

// WithDSN sets the database file path or DSN.
func WithDSN(dsn string) Option {
	return func(c *config) { c.dsn = dsn }
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() Option {
	return func(c *config) { c.dsn = memoryDSN }
}

// WithMaxOpenConns bounds the connection pool. Ignored for in-memory
// databases, which always use one connection.
func WithMaxOpenConns(n int) Option {
	return func(c *config) { c.maxOpenConns = n }
}

// WithWALMode toggles write-ahead logging for file databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) { c.walMode = enabled }
}

// WithBusyTimeout sets how long a connection waits on a locked database, in
// milliseconds.
func WithBusyTimeout(ms int) Option {
	return func(c *config) { c.busyTimeout = ms }
}

// WithAutoMigrate toggles applying pending migrations on Open.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) { c.autoMigrate = enabled }
}

// Open opens the database and, unless disabled, migrates it.
func Open(opts ...Option) (*DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	memory := cfg.dsn == memoryDSN
	dsn := cfg.dsn
	if !memory {
		dsn = withPragmas(dsn, cfg)
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Each connection to :memory: gets its own database.
	if memory {
		sqlDB.SetMaxOpenConns(1)
		if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	} else {
		sqlDB.SetMaxOpenConns(cfg.maxOpenConns)
	}

	db := &DB{DB: sqlDB}
	if cfg.autoMigrate {
		if err := db.Migrate(context.Background()); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return db, nil
}

// Migrate applies pending schema migrations.
func (db *DB) Migrate(ctx context.Context) error {
	m := migrate.New(db.DB, "schema_migrations")
	if err := m.Load(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// withPragmas appends connection pragmas so that every pooled connection
// gets them, not just the first.
func withPragmas(dsn string, cfg config) string {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.busyTimeout),
		"_pragma=foreign_keys(1)",
	}
	if cfg.walMode {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

func isUniqueViolation(err error, columns string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+columns)
}
