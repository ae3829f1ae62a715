// Package outbox queues messages written by this identity and publishes them
// to the provider.
package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/bus"
	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/pubsub"
	"github.com/matheus3301/posync/internal/store"
)

// SendResult is the payload of message.send_ack events.
type SendResult struct {
	MessageID string `json:"message_id"`
	Channel   string `json:"channel"`
	Timetoken string `json:"timetoken"`
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	MessageID string `json:"message_id"`
	Channel   string `json:"channel"`
	Error     string `json:"error"`
}

// Sender drains pending own messages and publishes them.
type Sender struct {
	store  store.Store
	ps     pubsub.Client
	bus    *bus.Bus
	logger *zap.Logger

	// Interval between scans of the store for pending messages.
	Interval time.Duration
	// RetryAfter delays another attempt at a message whose publish failed.
	RetryAfter time.Duration

	mu     sync.Mutex
	failed map[string]time.Time
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(s store.Store, ps pubsub.Client, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		store:      s,
		ps:         ps,
		bus:        b,
		logger:     logger.Named("outbox"),
		Interval:   500 * time.Millisecond,
		RetryAfter: 30 * time.Second,
		failed:     make(map[string]time.Time),
		kick:       make(chan struct{}, 1),
	}
}

// Queue stores a pending message from this identity on channel and makes it
// the conversation's last message. The sender publishes it on its next pass.
func (s *Sender) Queue(ctx context.Context, channel, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("empty message")
	}
	msg := &model.Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Author:    s.ps.UUID(),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	err := s.store.Write(ctx, func(ctx context.Context) error {
		conv, err := store.Get[*model.Conversation](ctx, s.store, channel)
		if err != nil {
			return err
		}
		if conv == nil {
			return fmt.Errorf("conversation %s: %w", channel, errs.ErrNotFound)
		}
		if err := s.store.Create(ctx, msg, store.ModeNever); err != nil {
			return err
		}
		conv.LastMessage = msg.ID
		return s.store.Create(ctx, conv, store.ModeModified)
	})
	if err != nil {
		return nil, err
	}
	s.bus.Emit(bus.KindMessageUpserted, msg)

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return msg, nil
}

// Start begins polling the store for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.kick:
		case <-ctx.Done():
			return
		}
		if _, err := s.Flush(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("failed to read outbox", zap.Error(err))
		}
	}
}

// Pending lists own messages that have no timetoken yet, oldest first.
func (s *Sender) Pending(ctx context.Context) ([]*model.Message, error) {
	msgs, err := store.All[*model.Message](ctx, s.store)
	if err != nil {
		return nil, err
	}
	self := s.ps.UUID()
	return store.Filter(msgs, func(m *model.Message) bool {
		return m.Author == self && m.Timetoken == ""
	}), nil
}

// Flush publishes every pending message not inside its retry delay and
// returns how many were sent.
func (s *Sender) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.Pending(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	now := time.Now()
	for _, msg := range pending {
		if at, ok := s.failed[msg.ID]; ok && now.Sub(at) < s.RetryAfter {
			continue
		}
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent, nil
}

func (s *Sender) send(ctx context.Context, msg *model.Message) bool {
	payload := pubsub.Payload{ID: msg.ID, Author: msg.Author, Content: msg.Content, CreatedAt: msg.CreatedAt}
	tt, err := s.ps.Publish(ctx, msg.Channel, payload)
	if err != nil {
		s.failed[msg.ID] = time.Now()
		s.logger.Error("failed to send message", zap.Error(err), zap.String("message", msg.ID))
		s.bus.Emit(bus.KindSendFailed, SendFailure{MessageID: msg.ID, Channel: msg.Channel, Error: err.Error()})
		return false
	}
	delete(s.failed, msg.ID)

	var stored *model.Message
	err = s.store.Write(ctx, func(ctx context.Context) error {
		m, err := store.Get[*model.Message](ctx, s.store, msg.ID)
		if err != nil || m == nil {
			return err
		}
		if !m.Refresh(&model.Message{Timetoken: tt}) {
			return nil
		}
		stored = m
		return s.store.Create(ctx, m, store.ModeModified)
	})
	if err != nil {
		// Published but not stamped: the restorer will pick up the timetoken.
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("message", msg.ID))
	}

	s.logger.Info("message sent", zap.String("message", msg.ID), zap.String("timetoken", tt))
	if stored != nil {
		s.bus.Emit(bus.KindMessageUpserted, stored)
	}
	s.bus.Emit(bus.KindSendAck, SendResult{MessageID: msg.ID, Channel: msg.Channel, Timetoken: tt})
	return true
}
