// Package pg is the PostgreSQL backend for entities, the ledger and user
// accounts. It uses the pgx database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"memberfund.org/internal/approval"
	"memberfund.org/internal/auth"
	"memberfund.org/internal/ledger"
)

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var (
	_ approval.Store = (*Store)(nil)
	_ ledger.Store   = (*Store)(nil)
	_ auth.UserStore = (*Store)(nil)
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPool is sized for a single API instance.
var DefaultPool = PoolConfig{
	MaxOpenConns:    50,
	MaxIdleConns:    25,
	ConnMaxLifetime: 15 * time.Minute,
	ConnMaxIdleTime: 5 * time.Minute,
}

// Open connects with the pgx driver. It does not ping.
func Open(dsn string, pool PoolConfig) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("pg: dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
