package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gosqlite "github.com/mattn/go-sqlite3"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/store"
)

const (
	insertObject = `INSERT INTO objects (kind, pk, data, updated_at) VALUES (?, ?, ?, ?)`
	upsertObject = insertObject + `
		ON CONFLICT(kind, pk) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`
	upsertModifiedObject = upsertObject + `
		WHERE objects.data != excluded.data`
)

func (db *DB) Create(ctx context.Context, obj model.Object, mode store.Mode) error {
	data, err := store.Encode(obj)
	if err != nil {
		return err
	}

	query := insertObject
	switch mode {
	case store.ModeModified:
		query = upsertModifiedObject
	case store.ModeAll:
		query = upsertObject
	}

	kind, key := obj.Schema(), obj.PrimaryKey()
	res, err := db.conn(ctx).ExecContext(ctx, query, string(kind), key, string(data), time.Now().UnixMilli())
	if err != nil {
		var se gosqlite.Error
		if mode == store.ModeNever && errors.As(err, &se) && se.Code == gosqlite.ErrConstraint {
			return fmt.Errorf("%s %q: %w", kind, key, errs.ErrAlreadyExists)
		}
		return fmt.Errorf("write %s %q: %w", kind, key, err)
	}
	// An upsert whose WHERE clause rejects the update affects no rows.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	db.record(ctx, store.Change{Schema: kind, Key: key})
	return nil
}

func (db *DB) Objects(ctx context.Context, kind model.Schema) ([]model.Object, error) {
	rows, err := db.conn(ctx).QueryContext(ctx,
		`SELECT data FROM objects WHERE kind = ? ORDER BY id ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return scanObjects(kind, rows)
}

// MessagesInChannel lists a channel's messages in insertion order using the
// channel expression index.
func (db *DB) MessagesInChannel(ctx context.Context, channel string) ([]*model.Message, error) {
	rows, err := db.conn(ctx).QueryContext(ctx, `
		SELECT data FROM objects
		WHERE kind = 'Message' AND json_extract(data, '$.channel') = ?
		ORDER BY id ASC`, channel)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", channel, err)
	}
	objs, err := scanObjects(model.SchemaMessage, rows)
	if err != nil {
		return nil, err
	}
	msgs := make([]*model.Message, 0, len(objs))
	for _, obj := range objs {
		msgs = append(msgs, obj.(*model.Message))
	}
	return msgs, nil
}

func scanObjects(kind model.Schema, rows *sql.Rows) ([]model.Object, error) {
	defer func() { _ = rows.Close() }()

	var out []model.Object
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		obj, err := store.Decode(kind, []byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (db *DB) ObjectForPrimaryKey(ctx context.Context, kind model.Schema, key string) (model.Object, error) {
	var data string
	err := db.conn(ctx).QueryRowContext(ctx,
		`SELECT data FROM objects WHERE kind = ? AND pk = ?`, string(kind), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %q: %w", kind, key, err)
	}
	return store.Decode(kind, []byte(data))
}

func (db *DB) Delete(ctx context.Context, kind model.Schema, key string) error {
	res, err := db.conn(ctx).ExecContext(ctx,
		`DELETE FROM objects WHERE kind = ? AND pk = ?`, string(kind), key)
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", kind, key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.record(ctx, store.Change{Schema: kind, Key: key, Deleted: true})
	}
	return nil
}
