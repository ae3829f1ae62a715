// Package sqlite is the local store backend: one SQLite file per session,
// holding JSON documents keyed by kind and primary key.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matheus3301/posync/internal/store"
)

// DB wraps the session's local.db. It implements store.Store.
type DB struct {
	*sql.DB
	listeners store.Listeners
}

var _ store.Store = (*DB)(nil)

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions take the write lock up front so concurrent writers wait on
// the busy timeout instead of failing on lock upgrade.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

type txKey struct{ db *DB }

type txState struct {
	tx      *sql.Tx
	changes []store.Change
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) tx(ctx context.Context) *txState {
	s, _ := ctx.Value(txKey{db}).(*txState)
	return s
}

func (db *DB) conn(ctx context.Context) querier {
	if s := db.tx(ctx); s != nil {
		return s.tx
	}
	return db.DB
}

// record queues a change until commit, or delivers it at once outside a transaction.
func (db *DB) record(ctx context.Context, c store.Change) {
	if s := db.tx(ctx); s != nil {
		s.changes = append(s.changes, c)
		return
	}
	db.listeners.Notify([]store.Change{c})
}

func (db *DB) Write(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if db.tx(ctx) != nil {
		return fn(ctx)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	state := &txState{tx: tx}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("commit: %w", err)
			return
		}
		db.listeners.Notify(state.changes)
	}()
	return fn(context.WithValue(ctx, txKey{db}, state))
}

func (db *DB) InTransaction(ctx context.Context) bool {
	return db.tx(ctx) != nil
}

func (db *DB) AddListener(fn store.Listener) store.ListenerID {
	return db.listeners.Add(fn)
}

func (db *DB) RemoveListener(id store.ListenerID) {
	db.listeners.Remove(id)
}
