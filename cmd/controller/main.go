package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	appanalysis "github.com/quarryscan/quarry/internal/app/analysis"
	"github.com/quarryscan/quarry/internal/config"
	"github.com/quarryscan/quarry/internal/config/fileloader"
	"github.com/quarryscan/quarry/internal/infra/eventbus/kafka"
	lockspg "github.com/quarryscan/quarry/internal/infra/locks/postgres"
	analysisStore "github.com/quarryscan/quarry/internal/infra/storage/analysis/postgres"
	"github.com/quarryscan/quarry/pkg/common"
	"github.com/quarryscan/quarry/pkg/common/logger"
	"github.com/quarryscan/quarry/pkg/common/otel"
)

const serviceType = "controller"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("SCHEDULER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configPath := os.Getenv("QUARRY_CONFIG")
	if configPath == "" {
		configPath = "/etc/quarry/config.yaml"
	}
	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		log.Error(ctx, "failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	prob := 0.1
	if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
		prob, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
			os.Exit(1)
		}
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(svcName)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	pool, err := openPostgres(ctx, cfg.Postgres)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Migrations applied successfully. Starting application...")

	metricCollector, err := appanalysis.NewSchedulerMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	eventBus, err := kafka.ConnectWithRetry(&kafka.Config{
		Brokers:            cfg.Kafka.Brokers,
		SubtaskStatusTopic: cfg.Kafka.SubtaskStatusTopic,
		TaskFinishedTopic:  cfg.Kafka.TaskFinishedTopic,
		GroupID:            cfg.Kafka.GroupID,
		ClientID:           svcName,
	}, log, metricCollector, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}
	eventPublisher := kafka.NewDomainEventPublisher(eventBus)

	repos := appanalysis.Repositories{
		Subtasks: analysisStore.NewSubtaskStore(pool, tracer),
		Tasks:    analysisStore.NewScanTaskStore(pool, tracer),
		Plans:    analysisStore.NewPlanStore(pool, tracer),
		Archive:  analysisStore.NewArchiveStore(pool, tracer),
		Latest:   analysisStore.NewLatestStore(pool, tracer),
		Files:    analysisStore.NewFileResultStore(pool, tracer),
	}

	locker := lockspg.NewProjectLocker(pool, log, tracer, cfg.Scheduler.LockMaxWait)
	quota := appanalysis.NewConfigProjectQuota(cfg)
	creds := appanalysis.NewStaticCredentials(os.Getenv("QUARRY_STORAGE_KEY"))

	scanService := appanalysis.NewScanService(
		repos,
		quota,
		locker,
		creds,
		eventPublisher,
		log,
		tracer,
		metricCollector,
		appanalysis.Options{
			MaxExecuteTimes:  cfg.Scheduler.MaxExecuteTimes,
			MaxTaskDuration:  cfg.Scheduler.MaxTaskDuration,
			PullRetries:      cfg.Scheduler.PullRetries,
			HeartbeatTimeout: cfg.Scheduler.HeartbeatTimeout,
		},
	)

	monitor := appanalysis.NewMonitor(
		scanService,
		repos.Subtasks,
		log,
		metricCollector,
		appanalysis.MonitorOptions{
			Interval:         cfg.Scheduler.MonitorInterval,
			BatchSize:        cfg.Scheduler.MonitorBatchSize,
			Rate:             cfg.Scheduler.MonitorRate,
			HeartbeatTimeout: cfg.Scheduler.HeartbeatTimeout,
			BlockTimeout:     cfg.Scheduler.BlockTimeout,
		},
	)

	log.Info(ctx, "Scheduler initialized")
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := eventBus.Close(); err != nil {
			log.Error(shutdownCtx, "Failed to close event bus", "error", err)
		}

	case err := <-errCh:
		log.Error(ctx, "Monitor error", "error", err)
		os.Exit(1)
	}
}

func openPostgres(ctx context.Context, pg config.PostgresConfig) (*pgxpool.Pool, error) {
	sslMode := pg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		pg.User, pg.Password, pg.Host, pg.Port, pg.Database, sslMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// runMigrations uses golang-migrate to apply all up migrations from
// "db/migrations" over a connection borrowed from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("QUARRY_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
