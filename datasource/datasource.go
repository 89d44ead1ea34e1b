package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Options sizes the target connection pool.
type Options struct {
	Driver      string
	DSN         string
	PoolSize    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// Open opens a pooled connection to the target database and verifies it with
// a ping. SQLite targets get a write-tuned DSN; a single connection avoids
// writer lock contention, and _txlock=immediate takes the write lock at
// BEGIN instead of on first write.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	dsn := opts.DSN
	poolSize := opts.PoolSize

	switch opts.Driver {
	case "sqlite3":
		dsn = sqliteDSN(dsn)
		poolSize = 1
	case "mysql":
	default:
		return nil, fmt.Errorf("unsupported target driver: %s", opts.Driver)
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open target: %w", err)
	}

	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxIdleTime(opts.MaxIdleTime)
	db.SetConnMaxLifetime(opts.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping target: %w", err)
	}

	if opts.Driver == "sqlite3" {
		if err := tuneSQLite(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	log.Info().
		Str("driver", opts.Driver).
		Int("pool_size", poolSize).
		Msg("Target database connected")
	return db, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_journal_mode") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_journal_mode=WAL&_txlock=immediate"
	}
	return dsn + "?_journal_mode=WAL&_txlock=immediate"
}

func tuneSQLite(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL", // Safe with WAL, skips most fsyncs
		"PRAGMA cache_size = -64000",  // 64MB page cache
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}
