// Package warden wires the capability broker core together: configuration,
// persistence, the broker with its filesystem and git capabilities, the
// notification outbox worker, the postponement manager, and the
// observability collector.
//
// The two external collaborators — the LLM agent runtime and the chat
// transport — are injected. The agent side drives operations exclusively
// through Framework.RouteOperation; the chat side receives notifications
// exclusively through the injected Transport.
package warden

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itsneelabh/warden/broker"
	"github.com/itsneelabh/warden/config"
	"github.com/itsneelabh/warden/core"
	"github.com/itsneelabh/warden/fsops"
	"github.com/itsneelabh/warden/gitops"
	"github.com/itsneelabh/warden/notify"
	"github.com/itsneelabh/warden/observability"
	"github.com/itsneelabh/warden/persistence"
	"github.com/itsneelabh/warden/postpone"
	"github.com/itsneelabh/warden/telemetry"
)

// Options configures Framework construction.
type Options struct {
	// ConfigFile is the TOML configuration file path. Missing file means
	// defaults.
	ConfigFile string

	// EnvFile is an optional .env file loaded before env overrides apply.
	EnvFile string

	// Transport delivers notifications to chats. Required.
	Transport core.Transport

	// WatchConfig enables fsnotify-based hot reload of dynamic keys from
	// the config file.
	WatchConfig bool
}

// Framework is the assembled warden core.
type Framework struct {
	Config *config.Manager
	Logger *zap.Logger

	dbManager *persistence.Manager
	audit     *persistence.AuditStore
	outbox    *persistence.OutboxStore

	router    *broker.Router
	fs        *fsops.Ops
	git       *gitops.Service
	worker    *notify.Worker
	postponer *postpone.Manager
	collector *observability.Collector
	status    *observability.Server

	watcher       *config.Watcher
	traceShutdown func(context.Context) error
}

// New builds the framework: load and validate configuration, run
// migrations, install the global database manager, and construct every
// subsystem. Nothing long-lived starts until Run.
func New(opts Options) (*Framework, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("warden: a chat transport is required")
	}

	bootstrapLogger, level, err := newLogger("")
	if err != nil {
		return nil, err
	}

	cfg := config.NewManager(opts.ConfigFile, opts.EnvFile, bootstrapLogger)
	if err := cfg.Load(); err != nil {
		return nil, err
	}

	logger, level, err := newLogger(cfg.GetString("logging.file_path"))
	if err != nil {
		return nil, err
	}
	level.SetLevel(parseLevel(cfg.GetString("logging.level")))
	cfg.Subscribe(func(key string, value any) error {
		if key == "logging.level" {
			if s, ok := value.(string); ok {
				level.SetLevel(parseLevel(s))
			}
		}
		return nil
	})

	traceShutdown, err := telemetry.Setup(cfg.GetBool("telemetry.tracing_enabled"), logger)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.GetString("database.path")
	migrator := persistence.NewMigrator(dbPath, persistence.EmbeddedMigrations(), logger)
	if err := migrator.Run(); err != nil {
		return nil, err
	}

	dbManager := persistence.NewManager(dbPath, logger)
	persistence.SetManager(dbManager)
	if _, err := dbManager.Conn(); err != nil {
		return nil, err
	}

	audit := persistence.NewAuditStore(logger)
	outbox := persistence.NewOutboxStore(logger)
	postponeStore := persistence.NewPostponeStore(logger)

	validator := broker.NewScopeValidator(cfg.GetStringList("scope.allowed_roots"))
	git := gitops.NewService(func() time.Duration {
		return time.Duration(cfg.GetInt("git.command_timeout_seconds")) * time.Second
	}, logger)
	fs := fsops.NewOps(logger)

	router := broker.NewRouter(validator, cfg, audit, outbox, git, logger)

	f := &Framework{
		Config:        cfg,
		Logger:        logger,
		dbManager:     dbManager,
		audit:         audit,
		outbox:        outbox,
		router:        router,
		fs:            fs,
		git:           git,
		worker:        notify.NewWorker(outbox, opts.Transport, cfg, logger),
		postponer:     postpone.NewManager(cfg, postponeStore, outbox, audit, logger),
		collector:     observability.NewCollector(cfg, outbox, logger),
		traceShutdown: traceShutdown,
	}
	f.registerHandlers()
	f.status = observability.NewServer(cfg.GetString("observability.bind"), f.collector, logger)

	if opts.WatchConfig {
		watcher, err := config.NewWatcher(cfg, logger)
		if err != nil {
			logger.Warn("config_watcher_unavailable", zap.Error(err))
		} else {
			f.watcher = watcher
		}
	}

	return f, nil
}

// RouteOperation is the agent-facing contract: one (capability, action,
// params, chatID) invocation through the broker.
func (f *Framework) RouteOperation(ctx context.Context, capability, action string, params map[string]any, chatID string) broker.Result {
	return f.router.Route(ctx, capability, action, params, chatID)
}

// Postponer exposes the postponement manager to the agent runtime.
func (f *Framework) Postponer() *postpone.Manager {
	return f.postponer
}

// Outbox exposes the outbox store to the gateway command handlers.
func (f *Framework) Outbox() *persistence.OutboxStore {
	return f.outbox
}

// Collector exposes the status collector.
func (f *Framework) Collector() *observability.Collector {
	return f.collector
}

// Run starts the long-lived tasks and blocks until ctx is cancelled, then
// shuts everything down in reverse dependency order.
func (f *Framework) Run(ctx context.Context) error {
	f.postponer.RecoverPending()
	f.worker.Start()
	f.collector.Start()
	f.status.Start()
	f.Logger.Info("warden_started")

	<-ctx.Done()
	return f.Shutdown()
}

// Shutdown stops every subsystem and closes the database.
func (f *Framework) Shutdown() error {
	f.Logger.Info("warden_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if f.watcher != nil {
		f.watcher.Close()
	}
	if err := f.status.Shutdown(shutdownCtx); err != nil {
		f.Logger.Warn("status_server_shutdown_failed", zap.Error(err))
	}
	f.collector.Stop()
	f.worker.Stop()
	f.postponer.Shutdown()
	if err := f.traceShutdown(shutdownCtx); err != nil {
		f.Logger.Warn("tracer_shutdown_failed", zap.Error(err))
	}

	err := f.dbManager.Close()
	persistence.SetManager(nil)
	f.Logger.Info("warden_stopped")
	return err
}
