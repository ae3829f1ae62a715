// Package store defines the persistence handle shared by the local and synced
// backends, and the Dual composite that presents both as one store.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/posync/internal/model"
)

// Mode selects how Create treats an existing object with the same primary key.
type Mode int

const (
	// ModeNever inserts and fails with errs.ErrAlreadyExists on conflict.
	ModeNever Mode = iota
	// ModeModified upserts, skipping the write (and the change notification)
	// when the stored document is identical.
	ModeModified
	// ModeAll upserts unconditionally.
	ModeAll
)

func (m Mode) String() string {
	switch m {
	case ModeNever:
		return "never"
	case ModeModified:
		return "modified"
	case ModeAll:
		return "all"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Store is the persistence handle consumed by the domain packages.
//
// Objects returned by reads are decoded copies; mutating them has no effect
// until they are passed back to Create.
type Store interface {
	// Write runs fn inside a transaction. The transaction travels in the
	// context passed to fn; a Write nested inside it runs fn immediately.
	Write(ctx context.Context, fn func(ctx context.Context) error) error
	// InTransaction reports whether ctx carries an open transaction of this store.
	InTransaction(ctx context.Context) bool

	Create(ctx context.Context, obj model.Object, mode Mode) error
	// Objects returns every object of the schema in insertion order.
	Objects(ctx context.Context, schema model.Schema) ([]model.Object, error)
	// ObjectForPrimaryKey returns nil, nil when the object does not exist.
	ObjectForPrimaryKey(ctx context.Context, schema model.Schema, key string) (model.Object, error)
	Delete(ctx context.Context, schema model.Schema, key string) error

	AddListener(fn Listener) ListenerID
	RemoveListener(id ListenerID)

	Close() error
}

// Encode serializes an object for storage.
func Encode(obj model.Object) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode %s %q: %w", obj.Schema(), obj.PrimaryKey(), err)
	}
	return data, nil
}

// Decode restores a stored document into its schema's type.
func Decode(schema model.Schema, data []byte) (model.Object, error) {
	obj := model.New(schema)
	if obj == nil {
		return nil, fmt.Errorf("decode: unknown schema %q", schema)
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("decode %s: %w", schema, err)
	}
	return obj, nil
}

// Localize projects obj onto the local schema.
func Localize(obj model.Object) model.Object {
	if l, ok := obj.(model.Localizer); ok {
		return l.Localize()
	}
	return obj
}
