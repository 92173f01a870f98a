package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	checks := map[string]httpapi.Pinger{}

	repo, closeRepo, err := openTripStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()
	checks["rides"] = repo

	index := geo.NewIndex(cfg.ZonePrecision, cfg.DriverLiveness)
	go index.RunSweeper(ctx, cfg.PresenceSweepInterval, logger)

	connHub := hub.New(cfg.ClientQueueSize, logger)
	store := rides.NewStore(repo, rides.WithLogger(logger))
	fares := fare.NewEngine(nil)

	engineOpts := []dispatch.Option{dispatch.WithLogger(logger)}
	routerOpts := []hub.RouterOption{hub.WithRouterLogger(logger)}

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic, logger)
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka producer close", "error", err)
			}
		}()
		engineOpts = append(engineOpts, dispatch.WithEventSink(producer))
		routerOpts = append(routerOpts, hub.WithLocationSink(producer))
		logger.Info("kafka streaming enabled", "brokers", cfg.KafkaBrokers)
	} else if cfg.RedisAddr != "" {
		mirror := geo.NewRedisMirror(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}), cfg.RedisGeoKey)
		defer mirror.Close()
		checks["redis"] = mirror
		routerOpts = append(routerOpts, hub.WithLocationSink(mirror))
		logger.Info("mirroring presence to redis", "addr", cfg.RedisAddr)
	}

	candidates := &matcher.Service{Geo: index, DefaultSpeedMps: cfg.DefaultSpeedMps, TopN: cfg.MaxCandidates}
	engine := dispatch.NewEngine(store, candidates, fares, connHub,
		dispatch.Config{OfferWindow: cfg.OfferWindow, MaxRounds: cfg.MaxOfferRounds}, engineOpts...)
	defer engine.Close()

	if n, err := engine.Resume(ctx); err != nil {
		logger.Warn("resume searching rides failed", "error", err)
	} else if n > 0 {
		logger.Info("matching resumed", "rides", n)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	router := hub.NewRouter(connHub, engine, index, routerOpts...)
	api := httpapi.NewServer(httpapi.Deps{
		Rides:  engine,
		Fares:  fares,
		Auth:   verifier,
		WS:     &hub.WSHandler{Hub: connHub, Router: router, Auth: verifier, Logger: logger},
		Checks: checks,
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	connHub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

type tripStore interface {
	storage.TripStore
	Ping(ctx context.Context) error
}

// openTripStore picks Postgres when PG_DSN is set and falls back to the
// in-memory store for local runs.
func openTripStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (tripStore, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, rides are kept in memory")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = ps.Close() }
	if cfg.RunMigrations {
		script, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := ps.Migrate(mctx, string(script)); err != nil {
			closeFn()
			return nil, nil, err
		}
		logger.Info("migration applied", "file", "001_create_rides.sql")
	}
	return ps, closeFn, nil
}
