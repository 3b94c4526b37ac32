package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/notify/internal/config"
	"github.com/ehr/notify/internal/domain/subscription"
	"github.com/ehr/notify/internal/platform/blobstore"
	"github.com/ehr/notify/internal/platform/db"
	"github.com/ehr/notify/internal/platform/middleware"
	"github.com/ehr/notify/internal/platform/notify"
	"github.com/ehr/notify/internal/platform/webhook"
	"github.com/ehr/notify/migrations"

	_ "github.com/ehr/notify/internal/platform/notify/datalake"
	_ "github.com/ehr/notify/internal/platform/notify/eventgrid"
	_ "github.com/ehr/notify/internal/platform/notify/resthook"
	_ "github.com/ehr/notify/internal/platform/notify/storage"
)

const shutdownTimeout = 10 * time.Second

type server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	echo     *echo.Echo
	manager  *notify.Manager
	metrics  *prometheus.Registry
	pool     *pgxpool.Pool
	listener *subscription.PGListener
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger, metrics: prometheus.NewRegistry()}
	s.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	provider, err := s.tenantProvider(ctx)
	if err != nil {
		s.close()
		return nil, err
	}

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		s.close()
		return nil, err
	}

	registry := notify.NewRegistry(notify.Dependencies{
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		Objects:    objects,
		Signer:     webhook.NewSigner(cfg.SigningKey, webhook.WithIssuer("notify-server")),
		Logger:     logger,
	})
	s.manager = notify.NewManager(provider, registry,
		notify.WithHeartbeatInterval(cfg.HeartbeatInterval),
		notify.WithDrainInterval(cfg.DrainInterval),
		notify.WithWorkers(cfg.DispatchWorkers),
		notify.WithTestSinkDomains(cfg.TestSinkDomains...),
		notify.WithLogger(logger),
		notify.WithRegisterer(s.metrics),
	)
	s.echo = s.routes()
	return s, nil
}

// tenantProvider connects to PostgreSQL when configured, otherwise it serves
// a single in-memory tenant.
func (s *server) tenantProvider(ctx context.Context) (subscription.TenantProvider, error) {
	if !s.cfg.UsesDatabase() {
		s.logger.Warn().Str("tenant", s.cfg.DefaultTenant).Msg("DATABASE_URL not set, using in-memory subscription store")
		return subscription.StaticTenants{subscription.NewInMemoryStore(s.cfg.DefaultTenant, s.cfg.BaseURL)}, nil
	}

	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL, s.cfg.DBMaxConns, s.cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s.pool = pool
	s.logger.Info().Msg("connected to database")

	migrator := db.NewMigrator(pool, migrations.FS, s.logger)
	if err := db.CreateTenantSchema(ctx, pool, s.cfg.DefaultTenant, migrator); err != nil {
		return nil, err
	}

	provider := subscription.NewPGTenantProvider(pool,
		subscription.WithBaseURL(s.cfg.BaseURL),
		subscription.WithMaxConsecutiveErrors(s.cfg.MaxConsecutiveErrors),
		subscription.WithStoreLogger(s.logger),
	)
	s.listener = subscription.NewPGListener(pool, provider, s.logger)
	return provider, nil
}

func newObjectStore(ctx context.Context, cfg *config.Config) (blobstore.ObjectStore, error) {
	if !cfg.UsesS3() {
		return blobstore.NewInMemoryObjectStore(), nil
	}
	store, err := blobstore.NewS3ObjectStore(ctx, blobstore.S3Config{
		Region:         cfg.S3Region,
		AccessKeyID:    cfg.S3AccessKeyID,
		SecretKey:      cfg.S3SecretAccessKey,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3ForcePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 object store: %w", err)
	}
	return store, nil
}

func (s *server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"running": s.manager.Stats().Running,
		})
	})
	if s.pool != nil {
		e.GET("/health/db", db.HealthHandler(s.pool))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))

	notify.NewHandler(s.manager).RegisterRoutes(e.Group("/api/v1"))
	return e
}

// run starts the manager, the notice listener and the HTTP server, and
// shuts them down when ctx is cancelled.
func (s *server) run(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("start notification manager: %w", err)
	}
	s.logger.Info().
		Dur("heartbeat_interval", s.cfg.HeartbeatInterval).
		Dur("drain_interval", s.cfg.DrainInterval).
		Int("workers", s.cfg.DispatchWorkers).
		Msg("notification manager started")

	g, gctx := errgroup.WithContext(ctx)
	if s.listener != nil {
		g.Go(func() error { return s.listener.Run(gctx) })
	}
	g.Go(func() error {
		addr := ":" + s.cfg.Port
		s.logger.Info().Str("addr", addr).Msg("starting server")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(sctx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown failed")
		}
		if err := s.manager.Stop(sctx); err != nil {
			s.logger.Error().Err(err).Msg("notification manager stop timed out")
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info().Msg("server stopped")
	return err
}

func (s *server) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
