package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/matheus3301/posync/internal/store"
)

type txKey struct{ db *DB }

type txState struct {
	tx      pgx.Tx
	changes []store.Change
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (db *DB) tx(ctx context.Context) *txState {
	s, _ := ctx.Value(txKey{db}).(*txState)
	return s
}

func (db *DB) conn(ctx context.Context) querier {
	if s := db.tx(ctx); s != nil {
		return s.tx
	}
	return db.Pool
}

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
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	state := &txState{tx: tx}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("commit: %w", e)
			return
		}
		db.listeners.Notify(state.changes)
	}()
	return fn(context.WithValue(ctx, txKey{db}, state))
}

func (db *DB) InTransaction(ctx context.Context) bool {
	return db.tx(ctx) != nil
}
