// Package daemon wires the session daemon together with fx.
package daemon

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/api"
	"github.com/matheus3301/posync/internal/auth"
	"github.com/matheus3301/posync/internal/bus"
	"github.com/matheus3301/posync/internal/chat"
	"github.com/matheus3301/posync/internal/config"
	"github.com/matheus3301/posync/internal/crypto"
	"github.com/matheus3301/posync/internal/ledger"
	"github.com/matheus3301/posync/internal/lock"
	"github.com/matheus3301/posync/internal/logging"
	"github.com/matheus3301/posync/internal/outbox"
	"github.com/matheus3301/posync/internal/pubnub"
	"github.com/matheus3301/posync/internal/pubsub"
	"github.com/matheus3301/posync/internal/remote"
	"github.com/matheus3301/posync/internal/session"
	"github.com/matheus3301/posync/internal/status"
	"github.com/matheus3301/posync/internal/store"
	"github.com/matheus3301/posync/internal/store/postgres"
	"github.com/matheus3301/posync/internal/store/sqlite"
	intsync "github.com/matheus3301/posync/internal/sync"
)

const receiptBackoff = 500 * time.Millisecond

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      config.Session

	// Dir overrides the session directory; empty = ~/.posync/sessions/<name>.
	Dir string
	// SocketPath overrides the API socket; empty = <dir>/daemon.sock.
	SocketPath string

	Debug bool
	Quiet bool
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return session.Dir(p.SessionName)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return filepath.Join(p.dir(), filepath.Base(session.SocketPath(p.SessionName)))
}

func (p Params) healthSocketPath() string {
	return filepath.Join(p.dir(), filepath.Base(session.HealthSocketPath(p.SessionName)))
}

// Messaging bundles the online components. It is nil when the session runs
// without a pub/sub provider or without a valid identity.
type Messaging struct {
	Client   *pubnub.Client
	Bridge   *pubsub.Bridge
	Listener *chat.Listener
	Engine   *intsync.Engine
	Sender   *outbox.Sender
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideLocalStore,
			provideIdentity,
			provideStore,
			provideCipher,
			provideLedger,
			provideMessaging,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	logPath := filepath.Join(p.dir(), "logs", filepath.Base(session.LogPath(p.SessionName)))
	return logging.New(logPath, p.SessionName, logging.Options{Debug: p.Debug, Quiet: p.Quiet})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(p.dir(), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideLocalStore depends on the lock so the database is never opened by
// two daemons.
func provideLocalStore(p Params, _ *lock.Lock, logger *zap.Logger) (*sqlite.DB, error) {
	dbPath := filepath.Join(p.dir(), filepath.Base(session.LocalDBPath(p.SessionName)))
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("local store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideIdentity returns the signed-in user, or nil when the session has no
// valid token.
func provideIdentity(p Params, logger *zap.Logger) *auth.Identity {
	if p.Config.APIToken == "" {
		return nil
	}
	id, err := auth.Parse(p.Config.APIToken, []byte(p.Config.TokenSecret))
	if err != nil {
		logger.Warn("api token rejected", zap.Error(err))
		return nil
	}
	logger.Info("identity loaded", zap.String("mobile", id.Mobile), zap.Time("expires_at", id.ExpiresAt))
	return &id
}

// provideStore opens the synced store when a DSN and an identity are
// available. A synced store that cannot be reached leaves the daemon on the
// local store alone.
func provideStore(p Params, local *sqlite.DB, id *auth.Identity, logger *zap.Logger) *store.Dual {
	dual := store.NewDual(local, nil, logger)
	if p.Config.SyncedDSN == "" || id == nil {
		return dual
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.Migrate(ctx, p.Config.SyncedDSN); err != nil {
		logger.Warn("synced store unavailable", zap.Error(err))
		return dual
	}
	partition := id.Subject
	if partition == "" {
		partition = id.Mobile
	}
	synced, err := postgres.New(ctx, p.Config.SyncedDSN, partition)
	if err != nil {
		logger.Warn("synced store unavailable", zap.Error(err))
		return dual
	}
	if err := synced.Ping(ctx); err != nil {
		logger.Warn("synced store unavailable", zap.Error(err))
		_ = synced.Close()
		return dual
	}
	dual.AttachSynced(synced)
	logger.Info("synced store attached", zap.String("partition", partition))
	return dual
}

func provideCipher(p Params) (*crypto.Cipher, error) {
	if p.Config.MemberKey == "" {
		return nil, nil
	}
	return crypto.NewCipher(p.Config.MemberKey, p.Config.MemberSalt)
}

func provideLedger(s *store.Dual, b *bus.Bus, logger *zap.Logger) *ledger.Ledger {
	l := ledger.New(s, logger)
	l.Hook = func(_ context.Context, a ledger.Allocation) {
		b.Emit(bus.KindCreditPaid, a)
	}
	return l
}

func provideMessaging(p Params, s *store.Dual, local *sqlite.DB, id *auth.Identity, cipher *crypto.Cipher,
	machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*Messaging, error) {
	if !p.Config.PubSub.Enabled() || id == nil {
		return nil, nil
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}

	client := pubnub.New(pubnub.Config{
		Origin:       p.Config.PubSub.Origin,
		PublishKey:   p.Config.PubSub.PublishKey,
		SubscribeKey: p.Config.PubSub.SubscribeKey,
		UUID:         id.Mobile,
	}, logger)

	rc := remote.New(p.Config.APIBaseURL, p.Config.APIToken)
	resolver := chat.NewResolver(s, rc, client, cipher, id.Mobile, logger)
	restorer := chat.NewRestorer(s, client, b, logger)
	reconciler := intsync.NewReconciler(local, logger.Named("checkpoints"))

	return &Messaging{
		Client: client,
		Bridge: pubsub.NewBridge(client, b, machine, logger),
		Listener: chat.NewListener(s, resolver, client, b, chat.ListenerConfig{
			ReceiptRetries: p.Config.Retries(),
			ReceiptBackoff: receiptBackoff,
		}, logger),
		Engine: intsync.NewEngine(s, resolver, restorer, client, machine, b, reconciler, logger),
		Sender: outbox.NewSender(s, client, b, logger),
	}, nil
}

func provideHandler(p Params, machine *status.Machine, s *store.Dual, b *bus.Bus, l *ledger.Ledger,
	id *auth.Identity, m *Messaging, logger *zap.Logger) *api.Handler {
	h := api.NewHandler(p.SessionName, machine, s, b, l, logger)
	if id != nil {
		h.Self = id.Mobile
	}
	if m != nil {
		h.Syncer = m.Engine
		h.Queue = m.Sender
		h.Reader = m.Listener
	}
	return h
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, s *store.Dual, m *Messaging,
	machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	var storeListener store.ListenerID
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			storeListener = s.AddListener(func(changes []store.Change) {
				b.Emit(bus.KindStoreChanged, changes)
			})

			if err := srv.Start(); err != nil {
				return err
			}

			switch {
			case m != nil:
				_ = machine.Transition(status.Connecting)
				m.Bridge.Attach()
				m.Listener.Attach()
				m.Engine.Start(context.Background())
				m.Sender.Start(context.Background())
			case p.Config.PubSub.Enabled():
				logger.Info("no valid api token, auth required")
				_ = machine.Transition(status.AuthRequired)
			default:
				logger.Info("no pub/sub configured, running offline")
				_ = machine.Transition(status.Offline)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if m != nil {
				m.Sender.Stop()
				m.Engine.Stop()
				m.Listener.Detach()
				m.Bridge.Detach()
				if err := m.Client.UnsubscribeAll(ctx); err != nil {
					logger.Warn("error unsubscribing", zap.Error(err))
				}
			}
			srv.Stop(ctx)
			s.RemoveListener(storeListener)
			if err := s.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
