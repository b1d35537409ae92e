package daemon

import (
	"context"
	"os"
	"path/filepath"

	"github.com/matheus3301/inboxsync/internal/api"
	"github.com/matheus3301/inboxsync/internal/bus"
	"github.com/matheus3301/inboxsync/internal/config"
	"github.com/matheus3301/inboxsync/internal/lock"
	"github.com/matheus3301/inboxsync/internal/logging"
	"github.com/matheus3301/inboxsync/internal/message"
	"github.com/matheus3301/inboxsync/internal/outbox"
	"github.com/matheus3301/inboxsync/internal/realtime"
	"github.com/matheus3301/inboxsync/internal/remote"
	"github.com/matheus3301/inboxsync/internal/session"
	"github.com/matheus3301/inboxsync/internal/status"
	"github.com/matheus3301/inboxsync/internal/store"
	intsync "github.com/matheus3301/inboxsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Dir         string // optional session directory override; empty = use default
	ConfigPath  string // empty = global config.toml
	EnvPath     string // empty = global .env
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
	if p.Dir != "" {
		return filepath.Join(p.Dir, "daemon.sock")
	}
	return session.SocketPath(p.SessionName)
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
			provideNetwork,
			provideLock,
			provideStore,
			provideRemote,
			provideRealtime,
			provideCoordinator,
			provideSyncEngine,
			provideMessageService,
			provideProber,
			provideInboxService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	envPath := p.EnvPath
	if envPath == "" {
		envPath = session.EnvPath()
	}
	if err := config.ApplyEnv(cfg, envPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	logPath := session.LogPath(p.SessionName)
	if p.Dir != "" {
		logPath = filepath.Join(p.Dir, "logs", "inboxd.log")
	}
	return logging.New(logPath, p.SessionName, cfg.Log.Level)
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New().WithLogger(logger)
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideNetwork(b *bus.Bus) *status.Network {
	return status.NewNetwork(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := os.MkdirAll(p.dir(), 0700); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(p.dir(), "inboxd")
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.dir(), "inbox.db")
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.New(remote.Config{
		BaseURL: cfg.Server.BaseURL,
		Token:   cfg.Server.Token,
		Timeout: cfg.Server.RequestTimeout.Duration,
	}, logger.Named("remote"))
}

func provideRealtime(cfg *config.Config, m *status.Machine, logger *zap.Logger) *realtime.Client {
	rc := realtime.DefaultConfig()
	rc.URL = cfg.Server.RealtimeURL
	rc.Token = cfg.Server.Token
	if d := cfg.Realtime.ReconnectBaseDelay.Duration; d > 0 {
		rc.ReconnectBaseDelay = d
	}
	if d := cfg.Realtime.ReconnectMaxDelay.Duration; d > 0 {
		rc.ReconnectMaxDelay = d
	}
	if d := cfg.Realtime.PingInterval.Duration; d > 0 {
		rc.PingInterval = d
		if rc.PongWait <= d {
			rc.PongWait = d + d/4
		}
	}
	rc.MaxReconnectAttempts = cfg.Realtime.MaxReconnectAttempts
	return realtime.NewClient(rc, m, logger.Named("realtime"))
}

func provideCoordinator(cfg *config.Config, db *store.DB, client *remote.Client, network *status.Network, b *bus.Bus, logger *zap.Logger) *outbox.Coordinator {
	oc := outbox.Config{
		MaxRetries:   cfg.Sync.MaxRetries,
		SettleDelay:  cfg.Sync.SettleDelay.Duration,
		PollInterval: cfg.Sync.PollInterval.Duration,
		SendTimeout:  cfg.Sync.SendTimeout.Duration,
	}
	return outbox.NewCoordinator(db, client, network, b, logger.Named("outbox"), oc)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, client *remote.Client, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, client, 50, logger.Named("sync"))
}

func provideMessageService(cfg *config.Config, db *store.DB, client *remote.Client, rt *realtime.Client, network *status.Network, coord *outbox.Coordinator, b *bus.Bus, logger *zap.Logger) *message.Service {
	return message.NewService(db, client, rt, network, coord, b, logger.Named("message"), message.Config{
		Author:      message.Author{ID: cfg.Identity.UserID, Type: cfg.Identity.UserType},
		SendTimeout: cfg.Sync.SendTimeout.Duration,
	})
}

func provideProber(cfg *config.Config, network *status.Network, client *remote.Client, logger *zap.Logger) *status.Prober {
	return status.NewProber(network, client.Ping, cfg.Sync.ProbeInterval.Duration, logger.Named("prober"))
}

func provideInboxService(p Params, db *store.DB, coord *outbox.Coordinator, msgs *message.Service, network *status.Network, m *status.Machine, rt *realtime.Client, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		SessionName: p.SessionName,
		DB:          db,
		Coordinator: coord,
		Messages:    msgs,
		Network:     network,
		Machine:     m,
		Rooms:       rt,
		Backfiller:  engine,
		Bus:         b,
		Logger:      logger.Named("api"),
	})
}

// components groups what the lifecycle hooks drive.
type components struct {
	fx.In

	Config   *config.Config
	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Realtime *realtime.Client
	Coord    *outbox.Coordinator
	Engine   *intsync.Engine
	Messages *message.Service
	Prober   *status.Prober
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	ctx, cancel := context.WithCancel(context.Background())
	rtDone := make(chan struct{})
	var unsubReconnect func()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			c.Coord.Start(ctx)
			c.Messages.Start()
			c.Engine.Start(ctx, c.Realtime)
			unsubReconnect = c.Realtime.OnReconnect(c.Coord.NotifyReconnected)

			if c.Config.Server.RealtimeURL != "" {
				go func() {
					defer close(rtDone)
					if err := c.Realtime.Run(ctx); err != nil {
						c.Logger.Error("realtime transport stopped", zap.Error(err))
					}
				}()
			} else {
				close(rtDone)
				c.Logger.Warn("no realtime url configured, messages will be queued until the next sync")
			}

			if c.Config.Server.BaseURL != "" {
				c.Prober.Start(ctx)
			} else {
				c.Logger.Warn("no server url configured, staying offline")
			}

			// Start gRPC server in background.
			go func() {
				if err := c.Server.Start(); err != nil {
					c.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			c.Server.Stop(stopCtx)
			c.Prober.Stop()
			cancel()
			<-rtDone
			if unsubReconnect != nil {
				unsubReconnect()
			}
			c.Engine.Stop()
			c.Messages.Stop()
			c.Coord.Stop()
			if err := c.DB.Close(); err != nil {
				c.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				c.Logger.Warn("error releasing lock", zap.Error(err))
			}
			c.Logger.Info("daemon stopped")
			_ = c.Logger.Sync()
			return nil
		},
	})
}
