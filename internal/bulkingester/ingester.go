// Package bulkingester assembles the bulk CSV invoice ingestion service:
// an HTTP front door that accepts uploads, a redis-backed chunk queue and a
// pool of workers writing validated rows to postgres.
package bulkingester

import (
	"os"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/broker"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/configuration"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/dedup"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/jobdb"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/metrics"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/orchestrator"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/progress"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/schema"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/server"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/sinkdb"
	"github.com/bvenu-lab/mangalm-ingest/internal/common"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/app"
	commonconfig "github.com/bvenu-lab/mangalm-ingest/internal/common/config"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/database"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/health"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/resilience"
)

const (
	startupRetries    = 10
	startupRetryDelay = time.Second
)

// Run sets up the bulk ingester and runs it until a SIGTERM is received.
func Run(config configuration.BulkIngesterConfiguration) error {
	if err := commonconfig.Validate(config); err != nil {
		commonconfig.LogValidationErrors(err)
		return errors.WithMessage(err, "invalid configuration")
	}

	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())
	m := metrics.Get()

	//////////////////////////////////////////////////////////////////////////
	// Health checks
	//////////////////////////////////////////////////////////////////////////
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)

	//////////////////////////////////////////////////////////////////////////
	// Postgres
	//////////////////////////////////////////////////////////////////////////
	log.Info("Setting up postgres connection")
	var pool *pgxpool.Pool
	err := retry.Do(func() error {
		var err error
		pool, err = database.OpenPgxPool(config.Postgres)
		return err
	}, retry.Attempts(startupRetries), retry.Delay(startupRetryDelay), retry.LastErrorOnly(true))
	if err != nil {
		return errors.WithMessage(err, "error opening connection to postgres")
	}
	migrations, err := schema.Migrations()
	if err != nil {
		pool.Close()
		return errors.WithMessage(err, "error loading database migrations")
	}
	if err := database.UpdateDatabase(ctx, pool, migrations); err != nil {
		pool.Close()
		return errors.WithMessage(err, "error applying database migrations")
	}
	dbBreaker := resilience.NewCircuitBreaker("postgres", config.Postgres.Breaker, nil, recordBreakerState(m))
	poolManager := database.NewPoolManager(pool, dbBreaker)
	defer poolManager.Close()
	healthChecks.Add(poolManager)
	g.Go(func() error { return poolManager.RunPeriodicStats(ctx, 30*time.Second) })

	//////////////////////////////////////////////////////////////////////////
	// Redis chunk queue
	//////////////////////////////////////////////////////////////////////////
	log.Info("Setting up redis chunk queue")
	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Warn("Redis client didn't close down cleanly")
		}
	}()
	err = retry.Do(func() error {
		return redisClient.Ping(ctx).Err()
	}, retry.Attempts(startupRetries), retry.Delay(startupRetryDelay), retry.LastErrorOnly(true))
	if err != nil {
		return errors.WithMessage(err, "error connecting to redis")
	}
	brokerBreaker := resilience.NewCircuitBreaker("redis", config.Broker.Breaker, nil, recordBreakerState(m))
	queue, err := broker.NewChunkQueue(ctx, redisClient, config.Broker, config.MaxAttempts, brokerBreaker, m)
	if err != nil {
		return errors.WithMessage(err, "error setting up the chunk queue")
	}
	healthChecks.Add(queue)

	//////////////////////////////////////////////////////////////////////////
	// Ingestion pipeline
	//////////////////////////////////////////////////////////////////////////
	if err := os.MkdirAll(config.StagingDir, 0o755); err != nil {
		return errors.Wrapf(err, "error creating staging directory %s", config.StagingDir)
	}
	deduplicator := dedup.NewDeduplicator(poolManager)
	sink := sinkdb.NewSinkDb(poolManager, deduplicator, m)
	store := jobdb.NewJobStore(poolManager)
	hub := progress.NewHub(config.PushInterval, nil, m)
	tracker := progress.NewTracker(store, hub)
	orch := orchestrator.NewOrchestrator(config, store, queue, sink, deduplicator, tracker, m)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	//////////////////////////////////////////////////////////////////////////
	// HTTP API and metrics
	//////////////////////////////////////////////////////////////////////////
	apiServer := server.NewServer(config, orch, store, tracker, hub, healthChecks)
	shutdownHttpServer := common.ServeHttp(config.HttpPort, apiServer.Handler())
	defer shutdownHttpServer()
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	startupCompleteCheck.MarkComplete()
	log.Infof("Bulk ingester serving on port %d", config.HttpPort)

	return g.Wait()
}

func recordBreakerState(m *metrics.Metrics) func(string, resilience.BreakerState) {
	return func(dependency string, state resilience.BreakerState) {
		m.RecordCircuitBreakerState(dependency, string(state))
	}
}
