// Package datasource builds pooled database/sql handles from connection info
// and memoizes them per JNDI name.
package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/dbwire/internal/conninfo"
)

// defaultIdleConns matches database/sql's own default.
const defaultIdleConns = 2

// Open creates a pooled handle for info.
//
// The pool is configured from the info's pool settings and verified with a
// ping bounded by the acquire timeout. File-backed SQLite databases are put in
// WAL mode. When set, the test query runs once and Prefill opens MinPoolSize
// connections up front.
func Open(ctx context.Context, info *conninfo.Info) (*sql.DB, error) {
	if info == nil {
		return nil, fmt.Errorf("open data source: nil connection info")
	}
	if info.Driver == "" {
		return nil, fmt.Errorf("open data source %s: no driver for unit %q", info.JNDIName, info.PersistenceUnitName)
	}

	db, err := sql.Open(info.Driver, info.DSN)
	if err != nil {
		return nil, fmt.Errorf("open data source %s: %w", info.JNDIName, err)
	}
	configurePool(db, info)

	if err := verify(ctx, db, info); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open data source %s: %w", info.JNDIName, err)
	}
	return db, nil
}

func configurePool(db *sql.DB, info *conninfo.Info) {
	if info.MaxPoolSize > 0 {
		db.SetMaxOpenConns(info.MaxPoolSize)
	}
	idle := max(info.MinPoolSize, defaultIdleConns)
	if info.MaxPoolSize > 0 {
		idle = min(idle, info.MaxPoolSize)
	}
	db.SetMaxIdleConns(idle)
	if info.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(info.MaxIdleTime)
	}
	if info.MaxLifetime > 0 {
		db.SetConnMaxLifetime(info.MaxLifetime)
	}
}

func verify(ctx context.Context, db *sql.DB, info *conninfo.Info) error {
	if info.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, info.AcquireTimeout)
		defer cancel()
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	if IsSQLite(info.Driver) && !inMemory(info.DSN) {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			return fmt.Errorf("set journal mode: %w", err)
		}
	}

	if q := strings.TrimSpace(info.TestQuery); q != "" {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("test query: %w", err)
		}
	}

	if info.Prefill && info.MinPoolSize > 0 {
		if err := prefill(ctx, db, info.MinPoolSize); err != nil {
			return fmt.Errorf("prefill: %w", err)
		}
	}
	return nil
}

// prefill checks out n connections at once, then returns them to the idle pool.
func prefill(ctx context.Context, db *sql.DB, n int) error {
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for range n {
		c, err := db.Conn(ctx)
		if err != nil {
			return err
		}
		conns = append(conns, c)
	}
	return nil
}

// IsSQLite reports whether driver is one of the registered SQLite drivers.
func IsSQLite(driver string) bool {
	return driver == "sqlite" || driver == "sqlite3"
}

func inMemory(dsn string) bool {
	return dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}
