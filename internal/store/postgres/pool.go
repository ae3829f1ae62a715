// Package postgres is the synced store backend. All devices of one account
// share a partition of the objects table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheus3301/posync/internal/store"
)

// PgxPool is the subset of *pgxpool.Pool used by DB, so pgxmock can stand in.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// DB is a store.Store over one partition of the shared objects table.
type DB struct {
	Pool      PgxPool
	Partition string

	listeners store.Listeners
}

var _ store.Store = (*DB)(nil)

// New creates a connection pool for dsn scoped to partition.
func New(ctx context.Context, dsn, partition string) (*DB, error) {
	if partition == "" {
		return nil, errors.New("postgres: empty partition")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect synced store: %w", err)
	}
	return &DB{Pool: pool, Partition: partition}, nil
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

// Close closes the pool.
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

func (db *DB) AddListener(fn store.Listener) store.ListenerID { return db.listeners.Add(fn) }

func (db *DB) RemoveListener(id store.ListenerID) { db.listeners.Remove(id) }

func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}
