package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PredictLedger/internal/config"
	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/lease"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/persistence"
	"PredictLedger/internal/projection"
	"PredictLedger/internal/query"
	"PredictLedger/internal/server"
	"PredictLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("PREDICT_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := observability.NewLogger("main")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := observability.NewLoggerWithLevel("main", observability.ParseLogLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("PredictLedger stopped")
	}
	log.Info().Msg("PredictLedger shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	level := observability.ParseLogLevel(cfg.LogLevel)
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("nats", cfg.NATS.URL).Bool("lease", cfg.LeaseEnabled()).Bool("archive", cfg.ArchiveEnabled()).
		Msg("PredictLedger starting")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("Postgres connected")

	var schema fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		schema = os.DirFS(cfg.MigrationsDir)
	}
	if err := persistence.NewMigrator(db, schema, component("migrator")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Lease ---
	// Only one core may append to the event log. Without Redis the operator
	// guarantees a single instance.
	var coreLease *lease.Lease
	if cfg.LeaseEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		coreLease = lease.New(rdb, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL.Duration, metrics, component("lease"))
		log.Info().Str("key", cfg.Redis.LeaseKey).Msg("waiting for core lease")
		if err := coreLease.Acquire(ctx, cfg.Redis.LeaseTTL.Duration/2); err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		log.Info().Str("token", coreLease.Token()).Msg("core lease acquired")
	}

	// --- Core ---
	persistCoreChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)

	marketRules := cfg.MarketRules()
	ledgerCore, err := core.NewDeterministicCore(core.Options{
		Market:      marketRules,
		LRUCapacity: cfg.Core.IdempotencyLRUCapacity,
		DBChecker:   persistence.NewPostgresIdempotencyChecker(db),
		Metrics:     metrics,
	}, persistCoreChan, projectionCoreChan)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	snapMgr := persistence.NewSnapshotManager(db)
	head, err := recoverCore(ctx, ledgerCore, snapMgr, metrics, component("recovery"))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// Projections dropped under backlog before the last shutdown are rebuilt
	// before the live worker resumes from the watermark.
	watermark, err := projection.LoadWatermark(ctx, db, projection.WorkerID)
	if err != nil {
		return fmt.Errorf("load projection watermark: %w", err)
	}
	if watermark < head {
		log.Warn().Int64("watermark", watermark).Int64("head", head).Msg("projections behind event log, rebuilding")
		if _, err := projection.RebuildProjections(ctx, db, marketRules, component("projection")); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
	}

	// --- Pipeline: core outputs -> event log, projections, outbound ---
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.Core.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.Core.ProjectionChanSize)

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.Persist.BatchSize, cfg.Persist.FlushTimeout.Duration, metrics, component("persistence"))
	persistWorker.SetLastWritten(head)
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, component("projection"))

	feed := server.NewFeedHub(metrics, component("feed"))

	var archiver *persistence.SnapshotArchiver
	if cfg.ArchiveEnabled() {
		client, err := persistence.NewS3Client(ctx, persistence.ArchiveConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		archiver = persistence.NewSnapshotArchiver(client, cfg.S3.Bucket, cfg.S3.Prefix)
	}
	snaps := &snapshotter{
		mgr:      snapMgr,
		archiver: archiver,
		durable:  persistWorker.LastWritten,
		metrics:  metrics,
		log:      component("snapshot"),
	}

	// --- NATS ---
	var (
		publishChan chan ingestion.PublishableEvent
		publisher   *ingestion.OutboundPublisher
		subscriber  *ingestion.NATSSubscriber
		pump        *ingestion.Pump
		rawChan     chan ingestion.RawEvent
	)
	coreIn := make(chan core.Submission, 4096)

	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, component("nats"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		rawChan = make(chan ingestion.RawEvent, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, component("nats"))
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		pump = ingestion.NewPump(ingestion.DefaultSubjects(), coreIn, component("pump"))

		publishChan = make(chan ingestion.PublishableEvent, 4096)
		publisher = ingestion.NewOutboundPublisher(js, publishChan, component("publisher"))
	}

	// The pipeline outlives the front goroutines: after the core stops, its
	// output channels are closed and the workers drain them before exiting.
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	defer pipeCancel()
	pipe, pipeCtx := errgroup.WithContext(pipeCtx)
	goPipe := func(name string, fn func(context.Context) error) {
		pipe.Go(func() error {
			err := fn(pipeCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("worker", name).Msg("pipeline worker failed")
				stop()
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	bridge := &outputBridge{
		persistOut:    persistWorkerChan,
		projectionOut: projectionWorkerChan,
		publishOut:    publishChan,
		feed:          feed,
		metrics:       metrics,
		log:           component("bridge"),
	}
	goPipe("bridge", func(ctx context.Context) error { return bridge.Run(ctx, persistCoreChan, projectionCoreChan) })
	goPipe("persistence", persistWorker.Run)
	goPipe("projection", projWorker.Run)
	if publisher != nil {
		goPipe("publisher", publisher.Run)
	}

	// --- Front: core, ingress, servers ---
	front, frontCtx := errgroup.WithContext(ctx)

	front.Go(func() error { return ledgerCore.Run(frontCtx, coreIn) })
	front.Go(func() error { return feed.Run(frontCtx) })
	if coreLease != nil {
		front.Go(func() error { return coreLease.Keep(frontCtx) })
	}
	if pump != nil {
		front.Go(func() error { return pump.Run(frontCtx, rawChan) })
	}

	queryService := query.NewQueryService(db, marketRules.Fees)
	ingestService := ingestion.NewGRPCIngestService(coreIn)

	takeSnapshot := func(ctx context.Context) (int64, error) {
		cs, err := ledgerCore.Snapshot(ctx)
		if err != nil {
			return 0, err
		}
		return snaps.save(ctx, cs)
	}

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		IngestService: ingestService,
		SnapshotMgr:   snapMgr,
		Core:          ledgerCore,
		MarketConfig:  marketRules,
		TakeSnapshot:  takeSnapshot,
		Feed:          feed,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		StartTime:     time.Now(),
		Log:           component("server"),
	})
	front.Go(func() error { return grpcServer.StartGRPC(frontCtx) })
	front.Go(func() error { return grpcServer.StartHTTPGateway(frontCtx) })
	front.Go(func() error { return serveMetrics(frontCtx, cfg.Server.MetricsAddr, log) })
	front.Go(func() error {
		return runPeriodicSnapshots(frontCtx, ledgerCore, takeSnapshot, cfg.Core.SnapshotInterval, snaps.log)
	})

	grpcServer.SetServing(true)
	log.Info().
		Int64("sequence", ledgerCore.LastCommitted()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("PredictLedger ready")

	frontErr := front.Wait()
	if frontErr != nil && !errors.Is(frontErr, context.Canceled) {
		log.Error().Err(frontErr).Msg("shutting down after failure")
	} else {
		log.Info().Msg("shutting down")
		frontErr = nil
	}
	grpcServer.SetServing(false)

	// --- Drain ---
	// The core goroutine has returned, so nothing else writes its output
	// channels.
	if subscriber != nil {
		subscriber.Stop()
	}
	close(persistCoreChan)
	close(projectionCoreChan)

	drainTimer := time.AfterFunc(drainTimeout, pipeCancel)
	pipeErr := pipe.Wait()
	drainTimer.Stop()

	if errors.Is(pipeErr, persistence.ErrUnpersisted) {
		// State is ahead of the log; the next start recovers from the log.
		log.Error().Err(pipeErr).Msg("event log incomplete, skipping final snapshot")
		return pipeErr
	}
	if errors.Is(frontErr, lease.ErrLeaseLost) {
		// Another instance may already be writing; a snapshot from here
		// could overwrite its work.
		return frontErr
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if seq, err := snaps.save(finalCtx, ledgerCore.CreateSnapshotState()); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}
	if frontErr != nil {
		return frontErr
	}
	return pipeErr
}

// serveMetrics exposes Prometheus metrics until ctx ends.
func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
