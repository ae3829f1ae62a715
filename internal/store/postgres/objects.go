package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/store"
)

const (
	insertObject         = `INSERT INTO objects (partition, kind, pk, data) VALUES ($1, $2, $3, $4)`
	upsertObject         = insertObject + ` ON CONFLICT (partition, kind, pk) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
	upsertModifiedObject = upsertObject + ` WHERE objects.data IS DISTINCT FROM EXCLUDED.data`

	selectObjects  = `SELECT data FROM objects WHERE partition = $1 AND kind = $2 ORDER BY seq`
	selectObject   = `SELECT data FROM objects WHERE partition = $1 AND kind = $2 AND pk = $3`
	selectMessages = `SELECT data FROM objects WHERE partition = $1 AND kind = 'Message' AND data->>'channel' = $2 ORDER BY seq`
	deleteObject   = `DELETE FROM objects WHERE partition = $1 AND kind = $2 AND pk = $3`
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
	tag, err := db.conn(ctx).Exec(ctx, query, db.Partition, string(kind), key, data)
	if err != nil {
		if mode == store.ModeNever && isUniqueViolation(err) {
			return fmt.Errorf("%s %q: %w", kind, key, errs.ErrAlreadyExists)
		}
		return fmt.Errorf("write %s %q: %w", kind, key, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	db.record(ctx, store.Change{Schema: kind, Key: key})
	return nil
}

func (db *DB) Objects(ctx context.Context, kind model.Schema) ([]model.Object, error) {
	rows, err := db.conn(ctx).Query(ctx, selectObjects, db.Partition, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return scanObjects(kind, rows)
}

// MessagesInChannel lists a channel's messages in insertion order.
func (db *DB) MessagesInChannel(ctx context.Context, channel string) ([]*model.Message, error) {
	rows, err := db.conn(ctx).Query(ctx, selectMessages, db.Partition, channel)
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

func scanObjects(kind model.Schema, rows pgx.Rows) ([]model.Object, error) {
	defer rows.Close()

	var out []model.Object
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		obj, err := store.Decode(kind, data)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (db *DB) ObjectForPrimaryKey(ctx context.Context, kind model.Schema, key string) (model.Object, error) {
	var data []byte
	err := db.conn(ctx).QueryRow(ctx, selectObject, db.Partition, string(kind), key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %q: %w", kind, key, err)
	}
	return store.Decode(kind, data)
}

func (db *DB) Delete(ctx context.Context, kind model.Schema, key string) error {
	tag, err := db.conn(ctx).Exec(ctx, deleteObject, db.Partition, string(kind), key)
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", kind, key, err)
	}
	if tag.RowsAffected() > 0 {
		db.record(ctx, store.Change{Schema: kind, Key: key, Deleted: true})
	}
	return nil
}
