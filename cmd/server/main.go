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

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-assist/internal/config"
	"github.com/example/roadside-assist/internal/dispatch"
	"github.com/example/roadside-assist/internal/eta"
	"github.com/example/roadside-assist/internal/geo"
	httpapi "github.com/example/roadside-assist/internal/http"
	"github.com/example/roadside-assist/internal/idempotency"
	"github.com/example/roadside-assist/internal/ingest"
	"github.com/example/roadside-assist/internal/lifecycle"
	"github.com/example/roadside-assist/internal/logging"
	"github.com/example/roadside-assist/internal/matcher"
	"github.com/example/roadside-assist/internal/payments"
	"github.com/example/roadside-assist/internal/storage"
)

const migrationFile = "001_create_service_requests.sql"

// directory is what both the in-process index and the Redis directory offer.
type directory interface {
	matcher.Directory
	lifecycle.Providers
	httpapi.ProviderDirectory
}

// processor is the payments surface used by the engine and the webhook route.
type processor interface {
	lifecycle.Payments
	httpapi.WebhookParser
}

func main() {
	_ = config.LoadDotEnv()
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var dir directory
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		dir = geo.NewRedisDirectory(rc, cfg.RedisGeoKey)
		logger.Info("provider directory on redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		dir = geo.NewIndex()
		logger.Warn("REDIS_ADDR not set, using in-memory provider directory")
	}

	var store storage.RequestStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, pg, logger); err != nil {
				return err
			}
		}
		store = pg
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, requests are kept in memory")
	}

	var pay processor
	if cfg.StripeAPIKey != "" {
		pay = payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
	} else {
		pay = payments.NewLocal()
		logger.Warn("STRIPE_API_KEY not set, using the local payment processor")
	}

	if dbDir := filepath.Dir(cfg.IdempotencyDBPath); dbDir != "" {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return err
		}
	}
	idem, err := idempotency.Open(cfg.IdempotencyDBPath)
	if err != nil {
		return err
	}
	defer idem.Close()

	hub := dispatch.NewHub(logger)
	tracker := eta.NewSampler(eta.Config{
		HistorySize: cfg.TrackingHistory,
		MinMoveDeg:  cfg.TrackingMinMoveDeg,
		StaleAfter:  cfg.TrackingStaleAfter,
	}, logger)

	notifiers := []lifecycle.Notifier{hub, tracker}
	var publisher httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPositionsTopic, cfg.KafkaEventsTopic, logger)
		defer kp.Close()
		notifiers = append(notifiers, kp)
		publisher = kp
	}

	engine := lifecycle.New(lifecycle.Config{
		RadiusKm:         cfg.MatchRadiusKm,
		RetryDelay:       cfg.MatchRetryDelay,
		ProviderSharePct: cfg.ProviderSharePct,
		Currency:         cfg.Currency,
	}, lifecycle.Deps{
		Store:     store,
		Matcher:   matcher.New(dir, logger),
		Providers: dir,
		Payments:  pay,
		Notifiers: notifiers,
		Logger:    logger,
	})
	defer engine.Close()

	api := httpapi.NewServer(httpapi.Options{
		Engine:    engine,
		Tracker:   tracker,
		Directory: dir,
		Publisher: publisher,
		Hub:       hub,
		Webhooks:  pay,
		Idem:      idem,
		Logger:    logger,
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
		logger.Info("roadside-assist listening", "addr", cfg.HTTPAddr)
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
	hub.Close()
	return srv.Shutdown(shutdownCtx)
}

func migrate(ctx context.Context, pg *storage.PostgresStore, logger *slog.Logger) error {
	b, err := os.ReadFile(filepath.Join("migrations", migrationFile))
	if err != nil {
		return err
	}
	if _, err := pg.DB().ExecContext(ctx, string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", migrationFile)
	return nil
}
