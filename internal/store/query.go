package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/posync/internal/model"
)

// Get loads one object by primary key. The zero value (nil) is returned when
// it does not exist. T must be a pointer entity type such as *model.Message;
// its Schema method is called on the nil value to pick the schema.
func Get[T model.Object](ctx context.Context, s Store, key string) (T, error) {
	var zero T
	obj, err := s.ObjectForPrimaryKey(ctx, zero.Schema(), key)
	if err != nil || obj == nil {
		return zero, err
	}
	t, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("store: %s %q decoded as %T", zero.Schema(), key, obj)
	}
	return t, nil
}

// All loads every object of T's schema in insertion order.
func All[T model.Object](ctx context.Context, s Store) ([]T, error) {
	var zero T
	objs, err := s.Objects(ctx, zero.Schema())
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(objs))
	for _, obj := range objs {
		t, ok := obj.(T)
		if !ok {
			return nil, fmt.Errorf("store: %s %q decoded as %T", zero.Schema(), obj.PrimaryKey(), obj)
		}
		out = append(out, t)
	}
	return out, nil
}

// Filter returns the items for which keep returns true.
func Filter[T any](items []T, keep func(T) bool) []T {
	var out []T
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// MessageIndex is implemented by backends that can list one channel's
// messages without decoding every message.
type MessageIndex interface {
	MessagesInChannel(ctx context.Context, channel string) ([]*model.Message, error)
}

// ChannelMessages lists the messages of channel in insertion order.
func ChannelMessages(ctx context.Context, s Store, channel string) ([]*model.Message, error) {
	if idx, ok := s.(MessageIndex); ok {
		return idx.MessagesInChannel(ctx, channel)
	}
	msgs, err := All[*model.Message](ctx, s)
	if err != nil {
		return nil, err
	}
	return Filter(msgs, func(m *model.Message) bool { return m.Channel == channel }), nil
}
