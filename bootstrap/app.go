package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bastion/config"
	"bastion/service"
	"bastion/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App represents the bastion process with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	DB         *storage.SQLite
	Services   *storage.SQLiteServiceStorage
	Triggers   *storage.SQLiteTriggerStorage
	Operations *storage.SQLiteScheduledOperationStorage
	States     *storage.SQLiteOperationStateStorage
	Logs       *storage.SQLiteOperationLogStorage
	Plans      *storage.SQLitePlanStorage
	Registry   *storage.Registry

	// Liveness
	Reporter *service.Reporter

	metricsServer *http.Server
	shutdownCh    chan struct{}
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{
		shutdownCh: make(chan struct{}),
	}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Bastion starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	db, err := storage.NewSQLiteWithOptions(cfg.GetSQLitePath(), sugar, storage.Options{
		BusyTimeout:  cfg.Database.BusyTimeout,
		ReadPoolSize: cfg.Database.ReadPoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metadata store: %w", err)
	}
	app.DB = db

	app.Services = storage.NewSQLiteServiceStorage(db, sugar, cfg.Service.EnableNewServices)
	app.Triggers = storage.NewSQLiteTriggerStorage(db, sugar)
	app.Operations = storage.NewSQLiteScheduledOperationStorage(db, sugar)
	app.States = storage.NewSQLiteOperationStateStorage(db, sugar)
	app.Logs = storage.NewSQLiteOperationLogStorage(db, sugar)
	app.Plans = storage.NewSQLitePlanStorage(db, sugar)
	app.Registry = storage.NewRegistry(app.Services, app.Triggers, app.Operations, app.States, app.Logs, app.Plans)

	app.Reporter = service.NewReporter(
		app.Services, sugar,
		cfg.Service.Host, cfg.Service.Binary, cfg.Service.Topic,
		cfg.Service.ReportInterval,
	)

	return app, nil
}

// Start launches the heartbeat reporter and, when enabled, the metrics
// listener.
func (a *App) Start(ctx context.Context) error {
	if err := a.Reporter.Start(); err != nil {
		return err
	}

	if a.Config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsServer = &http.Server{
			Addr:              a.Config.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.Sugar.Infof("Metrics listener on %s", a.Config.Metrics.Addr)
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.Sugar.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}

	a.Sugar.Info("Bastion started")
	return nil
}

// WaitForShutdown blocks until a termination signal arrives.
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.Sugar.Infof("Received signal %s, shutting down", sig)
	case <-a.shutdownCh:
	}
}

// Shutdown stops the reporter, the metrics listener and the metadata store.
func (a *App) Shutdown() {
	a.Reporter.Stop()

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.Sugar.Warnf("Metrics listener shutdown: %v", err)
		}
	}

	if err := a.DB.Close(); err != nil {
		a.Sugar.Warnf("Metadata store close: %v", err)
	}

	a.Sugar.Info("Bastion stopped")
	_ = a.Logger.Sync()
}
