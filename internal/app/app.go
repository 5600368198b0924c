package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"roster-service/common/telemetry"
	"roster-service/internal/attendance"
	"roster-service/internal/audit"
	"roster-service/internal/auth"
	"roster-service/internal/cache"
	"roster-service/internal/cleanup"
	"roster-service/internal/config"
	"roster-service/internal/db"
	"roster-service/internal/events"
	"roster-service/internal/fee"
	"roster-service/internal/grpcserver"
	"roster-service/internal/health"
	"roster-service/internal/kafka"
	"roster-service/internal/messaging"
	"roster-service/internal/metrics"
	"roster-service/internal/middleware"
	"roster-service/internal/student"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	readinessInterval = 10 * time.Second
)

// initTelemetry is swapped in tests.
var initTelemetry = telemetry.Init

// consumer feeds the audit trail from the configured broker.
type consumer interface {
	Start(ctx context.Context) error
	Close() error
}

type App struct {
	config    *config.Config
	logger    *slog.Logger
	telemetry *telemetry.Telemetry
	db        *bun.DB
	router    chi.Router
	server    *http.Server
	grpc      *grpcserver.Server
	health    *health.Handler
	publisher events.Publisher
	consumer  consumer
	redis     *redis.Client
	scheduler *cleanup.Scheduler
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger.Info("initializing application", "env", cfg.Env)

	tel, err := initTelemetry(ctx, telemetry.Options{
		ServiceName:    ServiceName,
		ServiceVersion: Version,
		Env:            cfg.Env,
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Interval:       time.Duration(cfg.Telemetry.IntervalSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}
	// fail releases telemetry when New gives up before the App owns it.
	fail := func(err error) (*App, error) {
		if shutdownErr := tel.Shutdown(ctx, logger); shutdownErr != nil {
			logger.Error("telemetry shutdown error", "error", shutdownErr)
		}
		return nil, err
	}
	meter := otel.Meter(ServiceName)

	rosterMetrics, err := metrics.New(meter)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize roster metrics: %w", err))
	}

	database, err := db.New(cfg.Database)
	if err != nil {
		return fail(err)
	}
	if err := tel.Metrics.Database.RegisterDB(database.DB, meter); err != nil {
		logger.Warn("failed to register database pool metrics", "error", err)
	}

	if err := db.RunMigrations(ctx, database,
		(*student.Student)(nil),
		(*auth.User)(nil),
		(*auth.RefreshToken)(nil),
		(*attendance.Record)(nil),
		(*fee.Fee)(nil),
		(*audit.Event)(nil),
	); err != nil {
		database.Close()
		return fail(fmt.Errorf("failed to run migrations: %w", err))
	}

	a := &App{
		config:    cfg,
		logger:    logger,
		telemetry: tel,
		db:        database,
		router:    chi.NewRouter(),
		health:    health.NewHandler(tel.Metrics.Health, logger),
	}
	a.health.AddCheck("database", func(ctx context.Context) error { return database.PingContext(ctx) })

	auditRepo := audit.NewRepository(database, tel.Metrics)
	if err := a.setupEvents(ctx, auditRepo); err != nil {
		a.close(ctx)
		return nil, err
	}

	studentOpts := []student.Option{student.WithMetrics(rosterMetrics)}
	if cfg.Redis.Addr != "" {
		client, err := cache.Connect(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, class statistics cache disabled", "error", err)
		} else {
			a.redis = client
			a.health.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
			studentOpts = append(studentOpts, student.WithStatsCache(cache.NewStatsCache(client, cfg.Redis.StatsTTL(), logger)))
			logger.Info("class statistics cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.StatsTTL())
		}
	}

	studentService := student.NewService(student.NewRepository(database, tel.Metrics), student.Config{
		RollNumberBase:        cfg.Roster.RollNumberBase,
		MaxAllocationAttempts: cfg.Roster.MaxAllocationAttempts,
		DefaultPageSize:       cfg.Roster.DefaultPageSize,
		MaxPageSize:           cfg.Roster.MaxPageSize,
		ExportLimit:           cfg.Roster.ExportLimit,
		QueryTimeout:          cfg.Database.QueryTimeoutDuration(),
	}, studentOpts...)

	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL())
	authMiddleware := auth.NewMiddleware(tokens, logger)
	authRepo := auth.NewRepository(database, tel.Metrics)
	authService := auth.NewService(authRepo, tokens, cfg.Auth.RefreshTokenTTL(), auth.WithOpenRegistration(cfg.Auth.OpenRegistration))

	attendanceService := attendance.NewService(attendance.NewRepository(database, tel.Metrics), studentService)
	feeService := fee.NewService(fee.NewRepository(database, tel.Metrics), studentService)

	a.router.Use(chimiddleware.RequestID)
	a.router.Use(chimiddleware.Recoverer)
	a.router.Use(middleware.CORS(cfg.Server.CORSOrigins))

	// Health endpoints (no auth required)
	a.health.RegisterRoutes(a.router)

	auth.NewHandler(authService, authMiddleware, logger, rosterMetrics, cfg.Auth.SecureCookies).RegisterRoutes(a.router)
	student.NewHandler(studentService, authMiddleware, a.publisher, logger, rosterMetrics).RegisterRoutes(a.router)
	audit.NewHandler(auditRepo, authMiddleware, logger).RegisterRoutes(a.router)
	attendance.NewHandler(attendanceService, authMiddleware, logger, rosterMetrics).RegisterRoutes(a.router)
	fee.NewHandler(feeService, authMiddleware, logger, rosterMetrics).RegisterRoutes(a.router)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      a.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	a.grpc = grpcserver.New(tel.Metrics.Grpc, logger)

	a.scheduler, err = cleanup.New(cfg.Cleanup.Schedule, logger,
		cleanup.Job{Name: "expired_refresh_tokens", Run: authRepo.DeleteExpiredTokens},
		cleanup.Job{Name: "overdue_fees", Run: feeService.MarkOverdue},
	)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	if err := tel.Metrics.Health.RegisterDependencies(ctx, meter, a.health.Dependencies()); err != nil {
		logger.Warn("failed to register dependency metrics", "error", err)
	}

	logger.Info("application initialized successfully")
	return a, nil
}

// setupEvents picks the lifecycle publisher and the matching audit consumer.
func (a *App) setupEvents(ctx context.Context, auditRepo audit.Repository) error {
	messagingMetrics := a.telemetry.Metrics.Messaging

	switch a.config.Events.Driver {
	case "nats":
		producer, err := messaging.NewProducer(a.config.NATS.URL, a.config.NATS.Subject, a.logger, messagingMetrics)
		if err != nil {
			return fmt.Errorf("failed to initialize NATS producer: %w", err)
		}
		a.publisher = producer
		a.health.AddCheck("nats", func(context.Context) error {
			if !producer.Conn().IsConnected() {
				return errors.New("nats: not connected")
			}
			return nil
		})

		natsConsumer, err := messaging.NewConsumer(a.config.NATS.URL, a.config.NATS.Subject, auditRepo, a.logger, messagingMetrics)
		if err != nil {
			return fmt.Errorf("failed to initialize NATS consumer: %w", err)
		}
		a.consumer = natsConsumer
		a.health.AddCheck("nats_consumer", func(context.Context) error { return natsConsumer.HealthCheck() })

	case "kafka":
		producer, err := kafka.NewProducer(a.config.Kafka.Brokers, a.config.Kafka.Topic, a.logger, messagingMetrics)
		if err != nil {
			return fmt.Errorf("failed to initialize kafka producer: %w", err)
		}
		a.publisher = producer

		kafkaConsumer, err := kafka.NewConsumer(a.config.Kafka.Brokers, a.config.Kafka.Topic, auditRepo, a.logger, messagingMetrics)
		if err != nil {
			return fmt.Errorf("failed to initialize kafka consumer: %w", err)
		}
		a.consumer = kafkaConsumer

	default:
		a.publisher = audit.NewPublisher(auditRepo)
		a.logger.Info("no event broker configured, events go straight to the audit trail")
	}
	return nil
}

// Run serves HTTP and gRPC until ctx is cancelled, then shuts everything
// down. It returns the first server error.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server starting", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.grpc.ListenAndServe(a.config.Grpc.Port); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if a.consumer != nil {
		g.Go(func() error {
			if err := a.consumer.Start(ctx); err != nil {
				return fmt.Errorf("audit consumer: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.watchReadiness(ctx)
		return nil
	})

	a.scheduler.Start()

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	})

	return g.Wait()
}

// watchReadiness mirrors the readiness probe into the gRPC health status.
func (a *App) watchReadiness(ctx context.Context) {
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready, _ := a.health.Probe(ctx)
			a.grpc.SetServing(ready)
		}
	}
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	err := a.server.Shutdown(ctx)
	if err != nil {
		a.logger.Error("HTTP server shutdown error", "error", err)
	}
	a.grpc.Stop()
	a.scheduler.Stop(ctx)

	a.close(ctx)
	return err
}

// close releases the connections opened by New.
func (a *App) close(ctx context.Context) {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Error("audit consumer close error", "error", err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("event publisher close error", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	db.Close(a.db)
	if err := a.telemetry.Shutdown(ctx, a.logger); err != nil {
		a.logger.Error("telemetry shutdown error", "error", err)
	}
}
