package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrations embed.FS

// backend ties a configured driver name to its sql driver, goose dialect,
// migration directory and bind style.
type backend struct {
	name        string
	sqlDriver   string
	dialect     goose.Dialect
	placeholder sq.PlaceholderFormat
	maxConns    int
}

var backends = map[string]backend{
	"postgres":   {name: "postgres", sqlDriver: "pgx", dialect: goose.DialectPostgres, placeholder: sq.Dollar, maxConns: 20},
	"postgresql": {name: "postgres", sqlDriver: "pgx", dialect: goose.DialectPostgres, placeholder: sq.Dollar, maxConns: 20},
	"pgx":        {name: "postgres", sqlDriver: "pgx", dialect: goose.DialectPostgres, placeholder: sq.Dollar, maxConns: 20},
	"sqlite":     {name: "sqlite", sqlDriver: "sqlite", dialect: goose.DialectSQLite3, placeholder: sq.Question, maxConns: 1},
	"sqlite3":    {name: "sqlite", sqlDriver: "sqlite", dialect: goose.DialectSQLite3, placeholder: sq.Question, maxConns: 1},
}

// Store persists the relay transcript.
type Store struct {
	db  *sql.DB
	sql sq.StatementBuilderType
}

func Open(ctx context.Context, driver, dsn string, autoMigrate bool) (*Store, error) {
	be, ok := backends[strings.ToLower(strings.TrimSpace(driver))]
	if !ok {
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(be.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", be.name, err)
	}
	db.SetMaxOpenConns(be.maxConns)
	db.SetMaxIdleConns(min(be.maxConns, 5))
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", be.name, err)
	}
	if autoMigrate {
		if err := be.migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db, sql: sq.StatementBuilder.PlaceholderFormat(be.placeholder)}, nil
}

func (be backend) migrate(ctx context.Context, db *sql.DB) error {
	dir, err := fs.Sub(migrations, "migrations/"+be.name)
	if err != nil {
		return fmt.Errorf("migrations for %s: %w", be.name, err)
	}
	p, err := goose.NewProvider(be.dialect, db, dir)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping backs the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
