package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/pubsub"
	"github.com/matheus3301/posync/internal/store"
)

// upsertMessage stores in unless a message with the same id exists, in which
// case only its timetoken fields are refreshed. It reports whether anything
// was written and returns the stored message.
func upsertMessage(ctx context.Context, s store.Store, in *model.Message) (*model.Message, bool, error) {
	existing, err := store.Get[*model.Message](ctx, s, in.ID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		if err := s.Create(ctx, in, store.ModeModified); err != nil {
			return nil, false, fmt.Errorf("store message %s: %w", in.ID, err)
		}
		return in, true, nil
	}
	if !existing.Refresh(in) {
		return existing, false, nil
	}
	if err := s.Create(ctx, existing, store.ModeModified); err != nil {
		return nil, false, fmt.Errorf("refresh message %s: %w", in.ID, err)
	}
	return existing, true, nil
}

// messageFromHistory maps a history entry and its receipts onto a Message.
func messageFromHistory(hm pubsub.HistoryMessage) *model.Message {
	m := &model.Message{
		ID:        hm.Payload.ID,
		Channel:   hm.Channel,
		Author:    hm.Payload.Author,
		Content:   hm.Payload.Content,
		CreatedAt: hm.Payload.CreatedAt,
		Timetoken: hm.Timetoken,
	}
	if m.ID == "" {
		m.ID = hm.Timetoken
	}
	if m.Author == "" {
		m.Author = hm.Publisher
	}
	if a, ok := hm.HasAction(pubsub.ActionReceipt, pubsub.ValueDelivered); ok {
		m.DeliveredTimetoken = a.ActionTimetoken
	}
	if a, ok := hm.HasAction(pubsub.ActionReceipt, pubsub.ValueRead); ok {
		m.ReadTimetoken = a.ActionTimetoken
	}
	return m
}

func messageFromEvent(e pubsub.MessageEvent) *model.Message {
	return messageFromHistory(pubsub.HistoryMessage{
		Channel:   e.Channel,
		Timetoken: e.Timetoken,
		Publisher: e.Publisher,
		Payload:   e.Payload,
	})
}

// compareTimetokens orders two decimal timetokens without parsing them.
// The empty string sorts first.
func compareTimetokens(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// touchLastMessage points conv's lastMessage at msg unless it already
// references a message at least as new.
func touchLastMessage(ctx context.Context, s store.Store, channel string, msg *model.Message) (*model.Conversation, bool, error) {
	conv, err := store.Get[*model.Conversation](ctx, s, channel)
	if err != nil || conv == nil {
		return nil, false, err
	}
	if conv.LastMessage == msg.ID {
		return conv, false, nil
	}
	if conv.LastMessage != "" {
		cur, err := store.Get[*model.Message](ctx, s, conv.LastMessage)
		if err != nil {
			return nil, false, err
		}
		if cur != nil && compareTimetokens(cur.Timetoken, msg.Timetoken) >= 0 {
			return conv, false, nil
		}
	}
	conv.LastMessage = msg.ID
	if err := s.Create(ctx, conv, store.ModeModified); err != nil {
		return nil, false, fmt.Errorf("touch conversation %s: %w", channel, err)
	}
	return conv, true, nil
}

// LastMessage returns the message conv.LastMessage refers to, or nil.
func LastMessage(ctx context.Context, s store.Store, conv *model.Conversation) (*model.Message, error) {
	if conv.LastMessage == "" {
		return nil, nil
	}
	return store.Get[*model.Message](ctx, s, conv.LastMessage)
}
