// Package sync brings the store up to date with the provider whenever a
// connection is established.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/bus"
	"github.com/matheus3301/posync/internal/chat"
	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/pubsub"
	"github.com/matheus3301/posync/internal/status"
	"github.com/matheus3301/posync/internal/store"
)

// Result summarizes one run.
type Result struct {
	Store         store.SyncStats    `json:"store"`
	Conversations int                `json:"conversations"`
	Contacts      int                `json:"contacts"`
	Restore       chat.RestoreResult `json:"restore"`
	Channels      []string           `json:"channels"`
	Duration      time.Duration      `json:"duration"`
	Error         string             `json:"error,omitempty"`
}

// Engine runs the connection sequence: store merge, conversation resolution,
// history restoration and subscription.
type Engine struct {
	store      *store.Dual
	resolver   *chat.Resolver
	restorer   *chat.Restorer
	ps         pubsub.Client
	machine    *status.Machine
	bus        *bus.Bus
	reconciler *Reconciler
	logger     *zap.Logger

	run     gosync.Mutex
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(s *store.Dual, resolver *chat.Resolver, restorer *chat.Restorer, ps pubsub.Client,
	machine *status.Machine, b *bus.Bus, reconciler *Reconciler, logger *zap.Logger) *Engine {
	return &Engine{
		store:      s,
		resolver:   resolver,
		restorer:   restorer,
		ps:         ps,
		machine:    machine,
		bus:        b,
		reconciler: reconciler,
		logger:     logger.Named("sync"),
		trigger:    make(chan struct{}, 1),
	}
}

// Start runs the sequence once and again after every reconnection or Trigger.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe(bus.KindPubSubStatus, 16)
	e.Trigger()

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				st, ok := evt.Payload.(pubsub.StatusEvent)
				if !ok || st.Category != pubsub.Reconnected {
					continue
				}
			case <-e.trigger:
			case <-ctx.Done():
				return
			}
			if _, err := e.Run(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("sync run failed", zap.Error(err))
			}
		}
	}()
}

// Stop stops the engine and waits for a running sequence to return.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Trigger schedules a run on the engine goroutine.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run executes the sequence once. Runs are serialized.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	e.run.Lock()
	defer e.run.Unlock()

	start := time.Now()
	res, err := e.runLocked(ctx)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
	}
	e.bus.Emit(bus.KindSyncCompleted, res)
	return res, err
}

func (e *Engine) runLocked(ctx context.Context) (Result, error) {
	var res Result
	switch e.machine.Current() {
	case status.Connecting, status.Ready, status.Degraded:
	default:
		e.move(status.Connecting)
	}

	if e.store.Synced() != nil {
		stats, err := e.store.SyncLocalData(ctx)
		res.Store = stats
		if err != nil {
			// The live sequence still works against either store.
			e.logger.Warn("store merge failed", zap.Error(err))
		}
	}

	e.move(status.Restoring)

	convs, err := e.resolver.ResolveAll(ctx)
	if err != nil {
		return res, e.fail(fmt.Errorf("resolve conversations: %w", err))
	}
	res.Conversations = len(convs)

	if n, err := e.resolver.SyncContacts(ctx, nil); err != nil {
		e.logger.Warn("contact sync failed", zap.Error(err))
	} else {
		res.Contacts = n
	}

	restoreRes, restoreErr := e.restorer.RestoreAll(ctx)
	res.Restore = restoreRes
	if restoreErr == nil {
		e.reconciler.mark(ctx, KeyRestoreCompleted, time.Now())
	}

	channels, err := chat.Channels(ctx, e.store)
	if err != nil {
		return res, e.fail(err)
	}
	res.Channels = channels
	if len(channels) > 0 {
		if err := e.ps.Subscribe(ctx, channels, nil); err != nil {
			return res, e.fail(fmt.Errorf("subscribe: %w", err))
		}
	}

	if restoreErr != nil {
		return res, e.fail(fmt.Errorf("restore history: %w", restoreErr))
	}
	e.move(status.Ready)
	e.reconciler.mark(ctx, KeySyncCompleted, time.Now())
	e.logger.Info("sync completed",
		zap.Int("conversations", res.Conversations),
		zap.Int("messages", res.Restore.Written),
		zap.Int("channels", len(channels)),
	)
	return res, nil
}

// fail moves to AuthRequired on credential errors and to Degraded otherwise.
func (e *Engine) fail(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, errs.ErrUnauthorized):
		e.move(status.AuthRequired)
	default:
		e.move(status.Degraded)
	}
	return err
}

func (e *Engine) move(to status.State) {
	if e.machine.Current() == to {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Debug("state unchanged", zap.Error(err))
	}
}
