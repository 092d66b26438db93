package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modnotify/internal/analytics"
	"modnotify/internal/bot"
	"modnotify/internal/config"
	"modnotify/internal/maintenance"
	"modnotify/internal/modules/audit"
	"modnotify/internal/modules/pingguard"
	"modnotify/internal/storage"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	app := &cli.Command{
		Name:  "modnotify",
		Usage: "Discord moderation notification bot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file (overrides CONFIG_PATH)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Connect to Discord and start delivering notifications",
				Action: func(_ context.Context, c *cli.Command) error {
					return withRuntime(c, runBot)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply database migrations and exit",
				Action: func(_ context.Context, c *cli.Command) error {
					return withRuntime(c, func(_ context.Context, _ config.Config, logger *zap.Logger, _ *storage.Store) error {
						logger.Info("migrations applied")
						return nil
					})
				},
			},
			{
				Name:  "purge",
				Usage: "Run the retention sweep once and exit",
				Action: func(_ context.Context, c *cli.Command) error {
					return withRuntime(c, func(ctx context.Context, cfg config.Config, logger *zap.Logger, store *storage.Store) error {
						svc := maintenance.New(nil, store, store, maintenance.Config{
							PingRetentionDays:    cfg.PingLimit.CounterRetentionDays,
							HistoryRetentionDays: cfg.RetentionDays,
						}, nil, logger)
						return svc.RunDaily(ctx)
					})
				},
			},
		},
	}

	return app.Run(context.Background(), os.Args)
}

type action func(ctx context.Context, cfg config.Config, logger *zap.Logger, store *storage.Store) error

// withRuntime loads config, builds the logger and opens a migrated store
// before handing off to fn.
func withRuntime(c *cli.Command, fn action) error {
	if path := c.String("config"); path != "" {
		if err := os.Setenv("CONFIG_PATH", path); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("storage init failed", zap.Error(err))
		return err
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Error("migrations failed", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, cfg, logger, store)
}

func openStore(cfg config.Config) (*storage.Store, error) {
	if cfg.DatabaseDriver == storage.DriverPostgres {
		return storage.New(storage.DriverPostgres, cfg.DatabaseURL)
	}
	return storage.New(storage.DriverSQLite, cfg.DatabasePath)
}

// openCounter prefers redis for the daily ping counters when it is configured.
func openCounter(cfg config.Config, store *storage.Store) (pingguard.Counter, func(), error) {
	if cfg.RedisAddr == "" {
		return store, func() {}, nil
	}
	client, err := storage.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	retention := time.Duration(cfg.PingLimit.CounterRetentionDays) * 24 * time.Hour
	return storage.NewRedisCounter(client, retention), client.Close, nil
}

func runBot(ctx context.Context, cfg config.Config, logger *zap.Logger, store *storage.Store) error {
	counter, closeCounter, err := openCounter(cfg, store)
	if err != nil {
		logger.Error("redis init failed", zap.Error(err))
		return err
	}
	defer closeCounter()

	auditLogger := audit.NewLogger(store, logger)
	analyticsEngine := analytics.New(store)

	botSvc, err := bot.New(cfg, logger, store, counter, auditLogger, analyticsEngine)
	if err != nil {
		logger.Error("bot init failed", zap.Error(err))
		return err
	}

	if err := botSvc.Start(ctx); err != nil {
		logger.Error("bot start failed", zap.Error(err))
		return err
	}
	logger.Info("bot started")

	var server *http.Server
	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		server = &http.Server{Addr: cfg.Health.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	botSvc.Close(shutdownCtx)
	return nil
}
