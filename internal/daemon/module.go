package daemon

import (
	"context"
	"errors"

	"github.com/parley-im/parley/internal/api"
	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/cache"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/convo"
	"github.com/parley-im/parley/internal/history"
	"github.com/parley-im/parley/internal/lock"
	"github.com/parley-im/parley/internal/logging"
	"github.com/parley-im/parley/internal/outbox"
	"github.com/parley-im/parley/internal/realtime"
	"github.com/parley-im/parley/internal/session"
	"github.com/parley-im/parley/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session and server configuration passed to the
// fx module. URL fields are required; Resolve fills them from config.toml
// unless overridden by flags.
type Params struct {
	SessionName string
	APIURL      string
	RealtimeURL string
}

// ResolveParams merges flag overrides with config.toml. Flags win.
func ResolveParams(sessionFlag, apiFlag, realtimeFlag string) (Params, error) {
	p := Params{
		SessionName: session.Resolve(sessionFlag),
		APIURL:      apiFlag,
		RealtimeURL: realtimeFlag,
	}
	if err := session.ValidateName(p.SessionName); err != nil {
		return Params{}, err
	}
	if p.APIURL == "" || p.RealtimeURL == "" {
		cfg, err := config.Load(session.ConfigPath())
		if err == nil {
			if p.APIURL == "" {
				p.APIURL = cfg.Server.APIURL
			}
			if p.RealtimeURL == "" {
				p.RealtimeURL = cfg.Server.RealtimeURL
			}
		}
	}
	if p.APIURL == "" {
		return Params{}, errors.New("api url not set (flag --api-url or config.toml)")
	}
	if p.RealtimeURL == "" {
		return Params{}, errors.New("realtime url not set (flag --realtime-url or config.toml)")
	}
	return p, nil
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideStore,
			provideActive,
			provideTokens,
			provideRouter,
			provideManager,
			provideCoordinator,
			provideEngine,
			provideFetcher,
			provideMirror,
			provideSender,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideCache depends on the lock so the database is only opened once the
// session is exclusively held.
func provideCache(p Params, _ *lock.Lock, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStore(b *bus.Bus, logger *zap.Logger) *convo.Store {
	return convo.NewStore(b, logger)
}

func provideActive() *convo.Active {
	return convo.NewActive()
}

func provideTokens(p Params) realtime.TokenProvider {
	return &realtime.FileTokenProvider{Path: session.TokenPath(p.SessionName)}
}

func provideRouter(b *bus.Bus, logger *zap.Logger) *realtime.Router {
	return realtime.NewRouter(b, logger)
}

func provideManager(p Params, tokens realtime.TokenProvider, machine *status.Machine, router *realtime.Router, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	return realtime.NewManager(p.RealtimeURL, tokens, machine, router, b, logger)
}

func provideCoordinator(store *convo.Store, active *convo.Active, manager *realtime.Manager, logger *zap.Logger) *convo.Coordinator {
	return convo.NewCoordinator(store, active, manager, logger)
}

func provideEngine(store *convo.Store, coord *convo.Coordinator, b *bus.Bus, logger *zap.Logger) *convo.Engine {
	return convo.NewEngine(store, coord, b, logger)
}

func provideFetcher(p Params, tokens realtime.TokenProvider, store *convo.Store, logger *zap.Logger) *history.Fetcher {
	return history.NewFetcher(p.APIURL, tokens, store, logger)
}

func provideMirror(db *cache.DB, store *convo.Store, b *bus.Bus, logger *zap.Logger) *cache.Mirror {
	return cache.NewMirror(db, store, b, logger)
}

func provideSender(db *cache.DB, manager *realtime.Manager, machine *status.Machine, store *convo.Store, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, manager, machine, store, b, logger)
}

func provideClient(store *convo.Store, fetcher *history.Fetcher, coord *convo.Coordinator, sender *outbox.Sender, machine *status.Machine, b *bus.Bus) *api.Client {
	return api.NewClient(store, fetcher, coord, sender, machine, b)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *cache.DB, mirror *cache.Mirror, engine *convo.Engine, sender *outbox.Sender, manager *realtime.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Warm the in-memory model from the cache before live events
			// start flowing, then begin mirroring changes back.
			if err := mirror.Warm(); err != nil {
				logger.Warn("cache warm failed, starting cold", zap.Error(err))
			}
			mirror.Start(context.Background())
			engine.Start(context.Background())
			sender.Start(context.Background())
			manager.Connect(context.Background())
			return nil
		},
		OnStop: func(_ context.Context) error {
			manager.Disconnect()
			sender.Stop()
			engine.Stop()
			mirror.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
