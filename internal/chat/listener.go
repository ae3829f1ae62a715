package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/bus"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/pubsub"
	"github.com/matheus3301/posync/internal/store"
)

// ErrorHandler is called when a delivery receipt could not be sent.
type ErrorHandler func(err error, msg *model.Message)

// Typing is the payload of chat.typing events.
type Typing struct {
	Channel string `json:"channel"`
	Mobile  string `json:"mobile"`
	Typing  bool   `json:"typing"`
}

// ReceiptFailure is the payload of chat.receipt_failed events.
type ReceiptFailure struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// ListenerConfig tunes receipt retries.
type ListenerConfig struct {
	ReceiptRetries uint64
	ReceiptBackoff time.Duration
}

// Listener applies live provider events to the store.
type Listener struct {
	store    store.Store
	resolver *Resolver
	ps       pubsub.Client
	bus      *bus.Bus
	logger   *zap.Logger
	cfg      ListenerConfig

	// OnReceiptError replaces the default handler, which logs and emits
	// chat.receipt_failed.
	OnReceiptError ErrorHandler

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	listener *pubsub.Listener
}

// NewListener creates a listener. Call Attach to start receiving events.
func NewListener(s store.Store, resolver *Resolver, ps pubsub.Client, b *bus.Bus, cfg ListenerConfig, logger *zap.Logger) *Listener {
	if cfg.ReceiptBackoff <= 0 {
		cfg.ReceiptBackoff = 200 * time.Millisecond
	}
	l := &Listener{
		store:    s,
		resolver: resolver,
		ps:       ps,
		bus:      b,
		cfg:      cfg,
		logger:   logger.Named("listener"),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.listener = &pubsub.Listener{
		Message: func(e pubsub.MessageEvent) { l.logErr("message", l.HandleMessage(l.ctx, e)) },
		Action:  func(e pubsub.ActionEvent) { l.logErr("action", l.HandleAction(l.ctx, e)) },
		Signal:  l.HandleSignal,
	}
	return l
}

// Attach registers the listener on the provider.
func (l *Listener) Attach() { l.ps.AddListener(l.listener) }

// Detach unregisters the listener, cancels pending receipts and waits for them.
func (l *Listener) Detach() {
	l.ps.RemoveListener(l.listener)
	l.cancel()
	l.wg.Wait()
}

// Wait blocks until every receipt started so far has finished.
func (l *Listener) Wait() { l.wg.Wait() }

func (l *Listener) logErr(what string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn("event failed", zap.String("event", what), zap.Error(err))
	}
}

// HandleMessage stores an incoming message, sends a delivery receipt in the
// background and creates the conversation if it was never seen. The message
// is kept even when the conversation cannot be resolved. Messages published
// by this identity are ignored.
func (l *Listener) HandleMessage(ctx context.Context, e pubsub.MessageEvent) error {
	if e.Publisher == l.ps.UUID() {
		return nil
	}

	var msg *model.Message
	var touched *model.Conversation
	err := l.store.Write(ctx, func(ctx context.Context) error {
		var err error
		if msg, _, err = upsertMessage(ctx, l.store, messageFromEvent(e)); err != nil {
			return err
		}
		var ok bool
		touched, ok, err = touchLastMessage(ctx, l.store, e.Channel, msg)
		if !ok {
			touched = nil
		}
		return err
	})
	if err != nil {
		return err
	}
	l.emit(bus.KindMessageUpserted, msg)

	if msg.DeliveredTimetoken == "" {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.sendReceipt(l.ctx, msg)
		}()
	}

	if touched != nil {
		l.emit(bus.KindConversationUpserted, touched)
		return nil
	}
	conv, err := store.Get[*model.Conversation](ctx, l.store, e.Channel)
	if err != nil || conv != nil {
		return err
	}
	if _, err := l.resolver.ResolveChannel(ctx, e.Channel); err != nil {
		return fmt.Errorf("resolve %s: %w", e.Channel, err)
	}
	err = l.store.Write(ctx, func(ctx context.Context) error {
		var ok bool
		var err error
		touched, ok, err = touchLastMessage(ctx, l.store, e.Channel, msg)
		if !ok {
			touched = nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if touched != nil {
		l.emit(bus.KindConversationUpserted, touched)
	}
	return nil
}

func (l *Listener) sendReceipt(ctx context.Context, msg *model.Message) {
	err := l.addReceipt(ctx, msg, pubsub.ValueDelivered)
	if err == nil {
		return
	}
	if l.OnReceiptError != nil {
		l.OnReceiptError(err, msg)
		return
	}
	l.logger.Warn("delivery receipt failed", zap.String("message", msg.ID), zap.Error(err))
	l.emit(bus.KindReceiptFailed, ReceiptFailure{Channel: msg.Channel, MessageID: msg.ID, Error: err.Error()})
}

// addReceipt adds a receipt action to msg with retries and stamps the
// resulting action timetoken on the stored message.
func (l *Listener) addReceipt(ctx context.Context, msg *model.Message, value string) error {
	backoff := retry.WithMaxRetries(l.cfg.ReceiptRetries, retry.NewExponential(l.cfg.ReceiptBackoff))
	var added pubsub.Action
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		a, err := l.ps.AddMessageAction(ctx, msg.Channel, msg.Timetoken, pubsub.Action{Type: pubsub.ActionReceipt, Value: value})
		if err != nil {
			return retry.RetryableError(err)
		}
		added = a
		return nil
	})
	if err != nil {
		return err
	}

	stamp := &model.Message{}
	if value == pubsub.ValueRead {
		stamp.ReadTimetoken = added.ActionTimetoken
	} else {
		stamp.DeliveredTimetoken = added.ActionTimetoken
	}
	return l.stamp(ctx, msg.ID, stamp)
}

func (l *Listener) stamp(ctx context.Context, id string, in *model.Message) error {
	var updated *model.Message
	err := l.store.Write(ctx, func(ctx context.Context) error {
		m, err := store.Get[*model.Message](ctx, l.store, id)
		if err != nil || m == nil || !m.Refresh(in) {
			return err
		}
		updated = m
		return l.store.Create(ctx, m, store.ModeModified)
	})
	if err == nil && updated != nil {
		l.emit(bus.KindMessageUpserted, updated)
	}
	return err
}

// HandleAction applies receipts added by other participants to the message
// with the matching timetoken.
func (l *Listener) HandleAction(ctx context.Context, e pubsub.ActionEvent) error {
	if e.Event != "" && e.Event != "added" {
		return nil
	}
	if e.Action.Type != pubsub.ActionReceipt || e.Publisher == l.ps.UUID() {
		return nil
	}
	in := &model.Message{}
	switch e.Action.Value {
	case pubsub.ValueRead:
		in.ReadTimetoken = e.Action.ActionTimetoken
	case pubsub.ValueDelivered:
		in.DeliveredTimetoken = e.Action.ActionTimetoken
	default:
		return nil
	}

	msgs, err := store.ChannelMessages(ctx, l.store, e.Channel)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Timetoken == e.MessageTimetoken {
			return l.stamp(ctx, m.ID, in)
		}
	}
	l.logger.Debug("receipt for unknown message", zap.String("channel", e.Channel), zap.String("timetoken", e.MessageTimetoken))
	return nil
}

// HandleSignal forwards typing indicators from other participants.
func (l *Listener) HandleSignal(e pubsub.SignalEvent) {
	if e.Publisher == l.ps.UUID() {
		return
	}
	typing, ok := e.Payload["typing"].(bool)
	if !ok {
		return
	}
	l.emit(bus.KindTyping, Typing{Channel: e.Channel, Mobile: e.Publisher, Typing: typing})
}

// SendTyping signals this identity's typing state on channel.
func (l *Listener) SendTyping(ctx context.Context, channel string, typing bool) error {
	return l.ps.Signal(ctx, channel, map[string]any{"typing": typing})
}

// MarkRead sends a read receipt for every message in channel written by
// someone else and not yet marked read. It returns how many were marked.
func (l *Listener) MarkRead(ctx context.Context, channel string) (int, error) {
	msgs, err := store.ChannelMessages(ctx, l.store, channel)
	if err != nil {
		return 0, err
	}
	self := l.ps.UUID()
	n := 0
	for _, m := range msgs {
		if m.Author == self || m.ReadTimetoken != "" || m.Timetoken == "" {
			continue
		}
		if err := l.addReceipt(ctx, m, pubsub.ValueRead); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (l *Listener) emit(kind string, payload any) {
	if l.bus != nil {
		l.bus.Emit(kind, payload)
	}
}
