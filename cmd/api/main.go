package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/pbzweihander/ommrema/internal/catalog"
	"github.com/pbzweihander/ommrema/internal/config"
	"github.com/pbzweihander/ommrema/internal/database"
	"github.com/pbzweihander/ommrema/internal/handler"
	"github.com/pbzweihander/ommrema/internal/metrics"
	"github.com/pbzweihander/ommrema/internal/middleware"
	"github.com/pbzweihander/ommrema/internal/queue"
	"github.com/pbzweihander/ommrema/internal/reindex"
	"github.com/pbzweihander/ommrema/internal/repository"
	"github.com/pbzweihander/ommrema/internal/routes"
	"github.com/pbzweihander/ommrema/internal/server"
	"github.com/pbzweihander/ommrema/internal/session"
	"github.com/pbzweihander/ommrema/internal/storage"
	"github.com/pbzweihander/ommrema/internal/upload"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New("ommrema")
	cat := catalog.New(store)
	healthChecks := map[string]handler.HealthCheck{
		"storage": func(ctx context.Context) error {
			_, err := store.List(ctx)
			return err
		},
	}

	var jobs repository.JobRepository
	if cfg.DatabaseURL != "" {
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultConfig())
		if err != nil {
			return err
		}
		defer db.Close()
		jobs = repository.NewPostgresJobRepository(db.Pool)
		healthChecks["database"] = db.HealthCheck
		logger.Info("job history stored in postgres")
	} else {
		jobs = repository.NewMemoryJobRepository(cfg.JobHistoryCap)
	}

	reindexOpts := []reindex.Option{
		reindex.WithRecorder(jobs),
		reindex.WithLogger(logger),
		reindex.WithMetrics(m),
	}
	if cfg.RabbitMQURL != "" {
		mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return err
		}
		defer mq.Close()
		producer, err := queue.NewEventProducer(mq, cfg.EventQueue, logger)
		if err != nil {
			return err
		}
		reindexOpts = append(reindexOpts, reindex.WithNotifier(producer))
	}

	builder, err := reindex.NewBuilder(store, cat, reindex.NewRegistry(), reindex.BuilderConfig{
		Title:       cfg.RepoTitle,
		PublicURL:   cfg.PublicURL,
		Downpath:    cfg.Downpath,
		Formats:     cfg.IndexFormats,
		HashWorkers: cfg.HashWorkers,
	}, logger)
	if err != nil {
		return err
	}
	coordinator := reindex.NewCoordinator(builder, reindexOpts...)

	uploads := upload.NewCoordinator(store, coordinator, upload.Options{
		Extension:       cfg.ModExtension,
		MaxSize:         cfg.MaxUploadSize,
		ReindexOnUpload: cfg.ReindexOnUpload,
	}, logger, m)

	var sessions *session.Service
	if cfg.AuthEnabled() {
		sessions = session.NewService(cfg.JWTSecretKey, cfg.SessionTTL)
	} else {
		logger.Warn("JWT_SECRET not set, API is unauthenticated")
	}

	gin.SetMode(gin.ReleaseMode)
	g := server.NewServer(server.Options{
		Handlers: &routes.Handlers{
			Mods:    handler.NewModHandler(uploads, cat, store),
			Reindex: handler.NewReindexHandler(coordinator, jobs),
			Users:   handler.NewUserHandler(cfg.AuthLoginURL),
			Repo:    handler.NewRepoHandler(store),
		},
		Health:         handler.NewHealthHandler(healthChecks),
		AuthMiddleware: middleware.NewAuthMiddleware(sessions),
		Metrics:        m,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:    cfg.Port,
		Handler: g,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Port, "backend", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("reindex shutdown", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.BackendMinio:
		return storage.NewMinioStore(ctx, &storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			MaxNameLength: cfg.MaxNameLength,
		})
	default:
		return storage.NewFSStore(cfg.DataDir,
			storage.WithMaxNameLength(cfg.MaxNameLength),
			storage.WithLogger(logger),
		)
	}
}
