package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/model"
)

// Dual presents the local and synced stores as one Store. Writes go to both,
// reads prefer the synced store and fall back to the local one. Either store
// may be absent; the synced store is attached once the remote session is up.
//
// A change written to both stores is reported once per store, so listeners
// must tolerate duplicates.
type Dual struct {
	logger *zap.Logger

	mu     sync.RWMutex
	local  Store
	synced Store

	lmu       sync.Mutex
	nextID    ListenerID
	listeners map[ListenerID]*dualListener
}

type dualListener struct {
	fn       Listener
	local    ListenerID
	synced   ListenerID
	onSynced bool
}

// NewDual wraps local and synced. Either may be nil.
func NewDual(local, synced Store, logger *zap.Logger) *Dual {
	return &Dual{
		logger:    logger.Named("store"),
		local:     local,
		synced:    synced,
		listeners: make(map[ListenerID]*dualListener),
	}
}

func (d *Dual) stores() (local, synced Store) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.local, d.synced
}

// Local returns the local store, or nil.
func (d *Dual) Local() Store {
	l, _ := d.stores()
	return l
}

// Synced returns the synced store, or nil.
func (d *Dual) Synced() Store {
	_, s := d.stores()
	return s
}

// AttachSynced installs s as the synced store and subscribes every registered
// listener to it. A previously attached store is detached and returned.
func (d *Dual) AttachSynced(s Store) Store {
	prev := d.DetachSynced()

	d.mu.Lock()
	d.synced = s
	d.mu.Unlock()

	d.lmu.Lock()
	for _, l := range d.listeners {
		l.synced = s.AddListener(l.fn)
		l.onSynced = true
	}
	d.lmu.Unlock()
	return prev
}

// DetachSynced removes the synced store without closing it and returns it.
func (d *Dual) DetachSynced() Store {
	d.mu.Lock()
	prev := d.synced
	d.synced = nil
	d.mu.Unlock()
	if prev == nil {
		return nil
	}

	d.lmu.Lock()
	for _, l := range d.listeners {
		if l.onSynced {
			prev.RemoveListener(l.synced)
			l.onSynced = false
		}
	}
	d.lmu.Unlock()
	return prev
}

// Write opens a transaction on both stores. The synced transaction is nested
// inside the local one, so fn runs once and either failure rolls back both.
func (d *Dual) Write(ctx context.Context, fn func(ctx context.Context) error) error {
	local, synced := d.stores()
	switch {
	case local == nil && synced == nil:
		return errs.ErrNoStore
	case synced == nil:
		return local.Write(ctx, fn)
	case local == nil:
		return synced.Write(ctx, fn)
	}
	return local.Write(ctx, func(ctx context.Context) error {
		return synced.Write(ctx, fn)
	})
}

func (d *Dual) InTransaction(ctx context.Context) bool {
	local, synced := d.stores()
	return (local != nil && local.InTransaction(ctx)) || (synced != nil && synced.InTransaction(ctx))
}

// Create writes obj to the synced store as is and to the local store in its
// local projection.
func (d *Dual) Create(ctx context.Context, obj model.Object, mode Mode) error {
	local, synced := d.stores()
	if local == nil && synced == nil {
		return errs.ErrNoStore
	}
	var errList []error
	if local != nil {
		if err := local.Create(ctx, Localize(obj), mode); err != nil {
			errList = append(errList, fmt.Errorf("local: %w", err))
		}
	}
	if synced != nil {
		if err := synced.Create(ctx, obj, mode); err != nil {
			errList = append(errList, fmt.Errorf("synced: %w", err))
		}
	}
	return errors.Join(errList...)
}

// Objects returns the synced objects when the synced store has any, and the
// local objects otherwise. A synced read error falls back to the local store.
func (d *Dual) Objects(ctx context.Context, schema model.Schema) ([]model.Object, error) {
	local, synced := d.stores()
	if local == nil && synced == nil {
		return nil, errs.ErrNoStore
	}
	if synced != nil {
		objs, err := synced.Objects(ctx, schema)
		switch {
		case err != nil && local == nil:
			return nil, err
		case err != nil:
			d.logger.Warn("synced read failed, using local", zap.String("schema", string(schema)), zap.Error(err))
		case len(objs) > 0 || local == nil:
			return objs, nil
		}
	}
	return local.Objects(ctx, schema)
}

// MessagesInChannel applies the read preference of Objects to one channel.
func (d *Dual) MessagesInChannel(ctx context.Context, channel string) ([]*model.Message, error) {
	local, synced := d.stores()
	if local == nil && synced == nil {
		return nil, errs.ErrNoStore
	}
	if synced != nil {
		msgs, err := ChannelMessages(ctx, synced, channel)
		switch {
		case err != nil && local == nil:
			return nil, err
		case err != nil:
			d.logger.Warn("synced read failed, using local", zap.String("channel", channel), zap.Error(err))
		case len(msgs) > 0 || local == nil:
			return msgs, nil
		}
	}
	return ChannelMessages(ctx, local, channel)
}

// ObjectForPrimaryKey looks the key up in the synced store first and falls
// back to the local store when it is missing or the read fails.
func (d *Dual) ObjectForPrimaryKey(ctx context.Context, schema model.Schema, key string) (model.Object, error) {
	local, synced := d.stores()
	if local == nil && synced == nil {
		return nil, errs.ErrNoStore
	}
	if synced != nil {
		obj, err := synced.ObjectForPrimaryKey(ctx, schema, key)
		switch {
		case err != nil && local == nil:
			return nil, err
		case err != nil:
			d.logger.Warn("synced lookup failed, using local",
				zap.String("schema", string(schema)), zap.String("key", key), zap.Error(err))
		case obj != nil || local == nil:
			return obj, nil
		}
	}
	return local.ObjectForPrimaryKey(ctx, schema, key)
}

func (d *Dual) Delete(ctx context.Context, schema model.Schema, key string) error {
	local, synced := d.stores()
	if local == nil && synced == nil {
		return errs.ErrNoStore
	}
	var errList []error
	if local != nil {
		if err := local.Delete(ctx, schema, key); err != nil {
			errList = append(errList, fmt.Errorf("local: %w", err))
		}
	}
	if synced != nil {
		if err := synced.Delete(ctx, schema, key); err != nil {
			errList = append(errList, fmt.Errorf("synced: %w", err))
		}
	}
	return errors.Join(errList...)
}

// AddListener registers fn on both stores, and on any synced store attached later.
func (d *Dual) AddListener(fn Listener) ListenerID {
	local, synced := d.stores()
	l := &dualListener{fn: fn}
	if local != nil {
		l.local = local.AddListener(fn)
	}
	if synced != nil {
		l.synced = synced.AddListener(fn)
		l.onSynced = true
	}

	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.nextID++
	d.listeners[d.nextID] = l
	return d.nextID
}

func (d *Dual) RemoveListener(id ListenerID) {
	d.lmu.Lock()
	l, ok := d.listeners[id]
	delete(d.listeners, id)
	d.lmu.Unlock()
	if !ok {
		return
	}
	local, synced := d.stores()
	if local != nil && l.local != 0 {
		local.RemoveListener(l.local)
	}
	if synced != nil && l.onSynced {
		synced.RemoveListener(l.synced)
	}
}

// Close closes both stores.
func (d *Dual) Close() error {
	local, synced := d.stores()
	var errList []error
	if synced != nil {
		errList = append(errList, synced.Close())
	}
	if local != nil {
		errList = append(errList, local.Close())
	}
	return errors.Join(errList...)
}

// SyncStats counts the objects copied by SyncLocalData.
type SyncStats struct {
	Pushed int
	Pulled int
}

// SyncLocalData reconciles the two stores. Every local object is upserted into
// the synced store with synced-only fields restored from the existing synced
// copy, then every synced object is upserted into the local store in its
// local projection. Both passes use ModeModified, so running it twice is a
// no-op. Without both stores it does nothing.
func (d *Dual) SyncLocalData(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	local, synced := d.stores()
	if local == nil || synced == nil {
		return stats, nil
	}

	for _, schema := range model.Schemas {
		objs, err := local.Objects(ctx, schema)
		if err != nil {
			return stats, fmt.Errorf("read local %s: %w", schema, err)
		}
		if len(objs) > 0 {
			err = synced.Write(ctx, func(ctx context.Context) error {
				for _, obj := range objs {
					out, err := restore(ctx, synced, obj)
					if err != nil {
						return err
					}
					if err := synced.Create(ctx, out, ModeModified); err != nil {
						return fmt.Errorf("push %s %q: %w", schema, obj.PrimaryKey(), err)
					}
				}
				return nil
			})
			if err != nil {
				return stats, err
			}
			stats.Pushed += len(objs)
		}

		objs, err = synced.Objects(ctx, schema)
		if err != nil {
			return stats, fmt.Errorf("read synced %s: %w", schema, err)
		}
		if len(objs) == 0 {
			continue
		}
		err = local.Write(ctx, func(ctx context.Context) error {
			for _, obj := range objs {
				if err := local.Create(ctx, Localize(obj), ModeModified); err != nil {
					return fmt.Errorf("pull %s %q: %w", schema, obj.PrimaryKey(), err)
				}
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
		stats.Pulled += len(objs)
	}

	d.logger.Info("local data synced", zap.Int("pushed", stats.Pushed), zap.Int("pulled", stats.Pulled))
	return stats, nil
}

func restore(ctx context.Context, synced Store, obj model.Object) (model.Object, error) {
	l, localized := obj.(model.Localizer)
	msg, isMessage := obj.(*model.Message)
	if !localized && !isMessage {
		return obj, nil
	}
	existing, err := synced.ObjectForPrimaryKey(ctx, obj.Schema(), obj.PrimaryKey())
	if err != nil {
		return nil, fmt.Errorf("read synced %s %q: %w", obj.Schema(), obj.PrimaryKey(), err)
	}
	if existing == nil {
		return obj, nil
	}
	if isMessage {
		return keepReceipts(msg, existing), nil
	}
	return l.Restore(existing), nil
}

// keepReceipts merges a pushed message into its synced copy so that receipts
// recorded on another device are not cleared by a local copy that lacks them.
func keepReceipts(local *model.Message, synced model.Object) model.Object {
	prev, ok := synced.(*model.Message)
	if !ok {
		return local
	}
	merged := *prev
	merged.Refresh(local)
	return &merged
}
