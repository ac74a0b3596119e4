package daemon

import (
	"context"
	"errors"
	"net/url"
	"os"
	"time"

	"github.com/matheus3301/msync/internal/api"
	"github.com/matheus3301/msync/internal/auth"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/cache"
	"github.com/matheus3301/msync/internal/config"
	"github.com/matheus3301/msync/internal/errs"
	"github.com/matheus3301/msync/internal/gateway"
	"github.com/matheus3301/msync/internal/lock"
	"github.com/matheus3301/msync/internal/logging"
	"github.com/matheus3301/msync/internal/netmon"
	"github.com/matheus3301/msync/internal/queue"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/session"
	"github.com/matheus3301/msync/internal/store"
	"github.com/matheus3301/msync/internal/syncer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideCoordinator,
			provideCache,
			provideMonitor,
			provideGateway,
			provideEngine,
			provideManager,
			provideExecutor,
			provideQueue,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := session.ConfigPath()
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Defaults()
		if saveErr := config.Save(path, cfg); saveErr != nil {
			logger.Warn("could not write default config", zap.Error(saveErr))
		}
	} else if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("api_base_url", cfg.APIBaseURL))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
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

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCoordinator(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *auth.Coordinator {
	refresher := gateway.NewRefresher(cfg.TokenURL)
	return auth.NewCoordinator(db, refresher.RefreshFunc(), cfg.RefreshMargin(), cfg.RefreshTimeout(), b, logger)
}

func provideCache(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *cache.Cache {
	return cache.New(cfg.DedupBucketMS, cfg.PendingWindow(), b, logger)
}

func provideMonitor(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	addr := probeAddr(cfg.APIBaseURL)
	probe := netmon.TCPProbe(addr, 3*time.Second)
	return netmon.New(probe, cfg.ProbeInterval(), b, logger)
}

func provideGateway(cfg *config.Config, coord *auth.Coordinator, logger *zap.Logger) *gateway.Client {
	return gateway.New(cfg.APIBaseURL, coord, logger)
}

func provideEngine(mc *cache.Cache, db *store.DB, b *bus.Bus, logger *zap.Logger) *syncer.Engine {
	return syncer.New(mc, db, b, logger, cfgSweepInterval)
}

func provideManager(cfg *config.Config, coord *auth.Coordinator, b *bus.Bus, engine *syncer.Engine, monitor *netmon.Monitor, logger *zap.Logger) *realtime.Manager {
	opts := realtime.Options{
		SocketURL:    cfg.SocketURL,
		BackoffStart: cfg.BackoffStart(),
		BackoffCap:   cfg.BackoffCap(),
	}
	return realtime.NewManager(opts, coord, b, logger, engine.Watermark, monitor.IsOnline)
}

func provideExecutor(client *gateway.Client, mgr *realtime.Manager, mc *cache.Cache, logger *zap.Logger) *gateway.ActionExecutor {
	return gateway.NewExecutor(client, liveSender(mgr), mc, logger)
}

func provideQueue(cfg *config.Config, db *store.DB, exec *gateway.ActionExecutor, b *bus.Bus, logger *zap.Logger) *queue.Queue {
	return queue.New(db, exec, b, logger, cfg.MaxRetries)
}

func provideHandler(p Params, coord *auth.Coordinator, mc *cache.Cache, q *queue.Queue, mgr *realtime.Manager, engine *syncer.Engine, monitor *netmon.Monitor, logger *zap.Logger) *api.Handler {
	return api.NewHandler(p.SessionName, coord, mc, q, mgr, engine, monitor.IsOnline, logger)
}

const cfgSweepInterval = 5 * time.Second

// liveSender adapts the realtime manager into the executor's live-send
// hook: deliver over the room channel when it is connected, otherwise
// signal the REST fallback. A transient channel failure also falls back
// rather than failing the action.
func liveSender(mgr *realtime.Manager) gateway.LiveSend {
	return func(ctx context.Context, p gateway.SendPayload) (cache.Message, bool, error) {
		ch, ok := mgr.Room(p.ConversationID)
		if !ok || ch.State().State != realtime.Connected {
			return cache.Message{}, false, nil
		}
		out := realtime.NewTextMessage(p.ConversationID, p.ClientID, p.Body, p.ReplyToID, p.Attachment)
		msg, err := ch.SendAwait(ctx, out)
		if err != nil {
			if errs.IsTransient(err) {
				return cache.Message{}, false, nil
			}
			return cache.Message{}, true, err
		}
		return msg, true, nil
	}
}

// probeAddr derives the host:port the connectivity monitor dials.
func probeAddr(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, coord *auth.Coordinator, monitor *netmon.Monitor, engine *syncer.Engine, mgr *realtime.Manager, q *queue.Queue, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			monitor.Start(runCtx)

			// Ingestion loop (subscribes to rt.* bus events).
			go engine.Start(runCtx)

			// Restore the offline queue and replay it when connectivity
			// returns.
			if err := q.Rehydrate(); err != nil {
				return err
			}
			go q.Watch(runCtx)

			// Control server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			if coord.Authenticated() {
				mgr.OpenPersonal(runCtx)
				go func() {
					if err := q.Flush(runCtx); err != nil && runCtx.Err() == nil {
						logger.Warn("startup flush", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no credentials found, login required")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			mgr.CloseAll()
			monitor.Stop()
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
