package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"shuttlematch/internal/api"
	"shuttlematch/internal/auth"
	"shuttlematch/internal/config"
	"shuttlematch/internal/logging"
	"shuttlematch/internal/metrics"
	"shuttlematch/internal/model"
	"shuttlematch/internal/scheduler"
	"shuttlematch/internal/store"
	"shuttlematch/internal/webhooks"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $SHUTTLE_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewStructuredLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logging.LogError(logger, "server exited", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	metrics.RegisterDefault()

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.NetworkFile != "" {
		if err := seedNetwork(ctx, st, cfg.NetworkFile); err != nil {
			return err
		}
		logger.Info("network loaded", "file", cfg.NetworkFile)
	}

	var (
		broker api.EventBroker  = api.NewBroker()
		locker scheduler.Locker = scheduler.NewLocalLocker()
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		broker = api.NewRedisBrokerClient(rdb)
		locker = scheduler.NewRedisLocker(rdb)
		logger.Info("using redis for events and run lock")
	}
	defer broker.Close()

	srv := api.NewServer(api.Deps{
		Store:                st,
		Broker:               broker,
		Auth:                 auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret, cfg.Auth.RoleClaim),
		Intake:               cfg.Intake,
		DefaultTravelMinutes: cfg.Optimizer.DefaultTravelMinutes,
		Logger:               logger,
		Settings:             settings(cfg),
		Context:              ctx,
	})
	queue := webhooks.NewQueue()
	hooks := webhooks.NewPublisher(cfg.Webhooks.URLs, cfg.Webhooks.Events, queue)
	if len(cfg.Webhooks.URLs) > 0 {
		worker := webhooks.NewWorker(queue, cfg.Webhooks.Secret, cfg.Webhooks.MaxAttempts, logger)
		worker.Start(ctx)
		defer close(worker.Stop)
	}

	runner := &scheduler.Runner{
		Store:                st,
		Params:               cfg.Optimizer.Params,
		Seed:                 cfg.Optimizer.Seed,
		Workers:              cfg.Optimizer.Workers,
		DefaultTravelMinutes: cfg.Optimizer.DefaultTravelMinutes,
		Timeout:              cfg.Schedule.RunTimeout,
		LockTTL:              cfg.Schedule.LockTTL,
		Locker:               locker,
		Logger:               logger,
		Notify: func(eventType string, data map[string]any) {
			srv.PublishRunEvent(eventType, data)
			hooks.Emit(eventType, data)
		},
	}
	srv.Runner = runner

	at, err := model.ParseClock(cfg.Schedule.At)
	if err != nil {
		return err
	}
	trigger := scheduler.NewTrigger(runner.RunOnce, cfg.Schedule.Mode, cfg.Schedule.Interval, at, logger)
	trigger.Start(ctx)
	defer close(trigger.Stop)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("API listening", "addr", cfg.Addr(), "mode", cfg.Schedule.Mode)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openStore picks Postgres when a database URL is set, else the in-memory store.
func openStore(cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Info("using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Migrate {
		if err := pg.MigrateDir(cfg.Database.MigrationsDir); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	logger.Info("using postgres store")
	return pg, func() { _ = pg.Close() }, nil
}

func seedNetwork(ctx context.Context, st store.Store, path string) error {
	n, err := config.LoadNetwork(path)
	if err != nil {
		return err
	}
	return st.ReplaceNetwork(ctx, n.Stops, n.Pairs())
}

func settings(cfg config.Config) map[string]any {
	return map[string]any{
		"port":             cfg.Port,
		"logLevel":         cfg.LogLevel,
		"networkFile":      cfg.NetworkFile,
		"hasDatabaseURL":   cfg.Database.URL != "",
		"hasRedisURL":      cfg.Redis.URL != "",
		"mode":             cfg.Schedule.Mode,
		"interval":         cfg.Schedule.Interval.String(),
		"at":               cfg.Schedule.At,
		"runTimeout":       cfg.Schedule.RunTimeout.String(),
		"rateRPS":          cfg.Intake.RateRPS,
		"rateBurst":        cfg.Intake.RateBurst,
		"optimizer":        cfg.Optimizer.Params,
		"optimizerSeed":    cfg.Optimizer.Seed,
		"optimizerWorkers": cfg.Optimizer.Workers,
		"authMode":         cfg.Auth.Mode,
		"webhookURLs":      len(cfg.Webhooks.URLs),
	}
}
