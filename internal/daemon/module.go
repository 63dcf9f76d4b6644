package daemon

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/directory"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/unread"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Debug   bool
	// ResetCache empties the local cache before the daemon starts.
	ResetCache bool

	// Optional overrides, used by tests. Empty values fall back to the
	// profile paths and the config file.
	Dir        string
	SocketPath string
	Config     *config.Config
	Logger     *zap.Logger
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return session.Dir(p.Profile)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return filepath.Join(p.dir(), filepath.Base(session.SocketPath(p.Profile)))
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideREST,
			providePush,
			provideTimeline,
			provideUnread,
			provideDirectory,
			providePresence,
			provideOutbox,
			provideEngine,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(session.ConfigPath()); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.ApplyEnv(session.EnvPath(p.Profile)); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the cache is only opened by the
// process that owns the profile.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.dir(), filepath.Base(session.CacheDBPath(p.Profile)))
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if p.ResetCache {
		if err := db.Reset(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("reset cache: %w", err)
		}
		logger.Info("cache reset", zap.String("path", dbPath))
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideREST(cfg *config.Config, logger *zap.Logger) (*rest.Client, error) {
	return rest.New(cfg.APIBaseURL, cfg.Token, nil, logger.Named("rest"))
}

func providePush(cfg *config.Config, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *transport.WSChannel {
	return transport.NewWSChannel(transport.Options{
		URL:        cfg.PushURL,
		Token:      cfg.Token,
		AckTimeout: cfg.PushAckTimeout.Duration,
	}, b, machine, logger.Named("push"))
}

func provideTimeline(b *bus.Bus) *timeline.Store {
	return timeline.NewStore(b)
}

func provideUnread(b *bus.Bus) *unread.Reconciler {
	return unread.NewReconciler(b)
}

func provideDirectory(cfg *config.Config, ur *unread.Reconciler, b *bus.Bus) *directory.Directory {
	return directory.New(cfg.SelfID, ur, b)
}

func providePresence(client *rest.Client, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(client.FetchPresence, b, logger.Named("presence"))
}

func provideOutbox(cfg *config.Config, tl *timeline.Store, dir *directory.Directory, push *transport.WSChannel, client *rest.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Pipeline {
	return outbox.New(outbox.Config{
		SelfID:             cfg.SelfID,
		PushTimeout:        cfg.PushAckTimeout.Duration,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	}, tl, dir, push, client, db, b, logger.Named("outbox"))
}

type engineDeps struct {
	fx.In

	Config    *config.Config
	REST      *rest.Client
	Push      *transport.WSChannel
	DB        *store.DB
	Timeline  *timeline.Store
	Directory *directory.Directory
	Unread    *unread.Reconciler
	Presence  *presence.Tracker
	Outbox    *outbox.Pipeline
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func provideEngine(d engineDeps) *intsync.Engine {
	cfg := intsync.Config{
		SelfID: d.Config.SelfID,
		Intervals: intsync.Intervals{
			Conversations:  d.Config.ConversationPollInterval.Duration,
			Messages:       d.Config.MessagePollInterval.Duration,
			Presence:       d.Config.PresenceInterval.Duration,
			UnreadFallback: d.Config.UnreadPollInterval.Duration,
		},
	}
	return intsync.NewEngine(cfg, d.REST, d.Push, d.DB, intsync.Components{
		Timeline:  d.Timeline,
		Directory: d.Directory,
		Unread:    d.Unread,
		Presence:  d.Presence,
		Outbox:    d.Outbox,
	}, d.Bus, d.Logger.Named("sync"))
}

func provideService(p Params, engine *intsync.Engine, machine *status.Machine, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, engine, machine, db, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, push *transport.WSChannel, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// The engine seeds state from the cache and the initial load
			// before the push channel starts delivering events.
			if err := engine.Start(ctx); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if cfg.PushURL == "" {
				logger.Warn("no push_url configured, running on polling only")
				return nil
			}
			go func() {
				if err := push.Connect(context.Background()); err != nil {
					logger.Warn("push connect failed, retrying in background", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Stop()
			push.Disconnect()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
