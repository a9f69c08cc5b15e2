package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/route-beacon/rib-ingester/internal/config"
	"github.com/route-beacon/rib-ingester/internal/db"
	"github.com/route-beacon/rib-ingester/internal/engine"
	"github.com/route-beacon/rib-ingester/internal/history"
	ribhttp "github.com/route-beacon/rib-ingester/internal/http"
	"github.com/route-beacon/rib-ingester/internal/kafka"
	"github.com/route-beacon/rib-ingester/internal/maintenance"
	"github.com/route-beacon/rib-ingester/internal/metrics"
	"github.com/route-beacon/rib-ingester/internal/metricssink"
	"github.com/route-beacon/rib-ingester/internal/viewsink"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rib-ingester <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the ingestion service")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting rib-ingester",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database.
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Ensure partitions exist on startup.
	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	// Build TLS and SASL from config.
	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	// --- Engine ---
	engineCfg := engine.EngineConfig{
		Band:                engine.ReservedBand{Base: cfg.Engine.ReservedASNBase},
		BacklogWindowSecs:   int64(cfg.Engine.BacklogWindowSecs),
		InactiveTimeoutSecs: int64(cfg.Engine.InactiveTimeoutSecs),
		FullFeed: engine.FullFeedThresholds{
			V4: cfg.Engine.V4FullFeedThreshold,
			V6: cfg.Engine.V6FullFeedThreshold,
		},
		MetricPrefix: cfg.Engine.MetricPrefix,
	}
	eng := engine.New(engineCfg, logger.Named("engine"))

	viewSink := viewsink.New(pool, cfg.Engine.ReservedASNBase, logger.Named("viewsink"))
	metricsSink := metricssink.New(cfg.Engine.MetricPrefix, cfg.Engine.MetricsEnabled)

	recordSource, err := kafka.NewRecordSource(
		cfg.Kafka.Brokers, cfg.Kafka.State.GroupID, cfg.Kafka.State.Topics,
		cfg.Kafka.ClientID+"-engine", cfg.Kafka.FetchMaxBytes, cfg.Ingest.MaxPayloadBytes,
		tlsCfg, saslMech, cfg.Routers, cfg.Service.InstanceID, logger.Named("kafka.record_source"),
	)
	if err != nil {
		logger.Fatal("failed to create record source", zap.Error(err))
	}
	defer recordSource.Close()

	liveness := newLivenessTracker()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runEngineLoop(ctx, eng, recordSource, viewSink, metricsSink, liveness,
			time.Duration(cfg.Engine.IntervalSecs)*time.Second, logger.Named("engine.loop"))
	}()

	logger.Info("engine loop started",
		zap.Strings("topics", cfg.Kafka.State.Topics),
		zap.String("group_id", cfg.Kafka.State.GroupID),
		zap.Int("interval_secs", cfg.Engine.IntervalSecs),
	)

	// --- History archive pipeline ---
	historyWriter := history.NewWriter(pool, logger.Named("history.writer"),
		cfg.Ingest.StoreRawBytes, cfg.Ingest.StoreRawBytesCompress)
	historyPipeline := history.NewPipeline(historyWriter,
		cfg.Ingest.BatchSize, cfg.Ingest.FlushIntervalMs, cfg.Ingest.MaxPayloadBytes,
		logger.Named("history.pipeline"), cfg.Routers)

	historyRecords := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	historyFlushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)

	historyConsumer, err := kafka.NewHistoryConsumer(
		cfg.Kafka.Brokers, cfg.Kafka.History.GroupID, cfg.Kafka.History.Topics,
		cfg.Kafka.ClientID+"-history", cfg.Kafka.FetchMaxBytes, logger.Named("kafka.history"),
	)
	if err != nil {
		logger.Fatal("failed to create history consumer", zap.Error(err))
	}
	defer historyConsumer.Close()

	wg.Add(2)
	go func() { defer wg.Done(); historyConsumer.Run(ctx, historyRecords, historyFlushed) }()
	go func() {
		defer wg.Done()
		historyPipeline.Run(ctx, historyRecords, historyFlushed)
		close(historyFlushed)
	}()

	logger.Info("history archive pipeline started",
		zap.Strings("topics", cfg.Kafka.History.Topics),
		zap.String("group_id", cfg.Kafka.History.GroupID),
	)

	// --- HTTP server ---
	httpServer := ribhttp.NewServer(cfg.Service.HTTPListen, pool, recordSource, historyConsumer,
		liveness, time.Duration(cfg.Engine.InactiveTimeoutSecs)*time.Second, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("engine, history pipeline and HTTP server started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to stop the engine loop and history pipeline.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all pipelines stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("rib-ingester stopped")
}

// livenessTracker records the last time a record was folded for each
// collector, backing the HTTP readiness check's engine-staleness verdict.
type livenessTracker struct {
	mu      sync.Mutex
	lastSeen map[string]time.Time
}

func newLivenessTracker() *livenessTracker {
	return &livenessTracker{lastSeen: make(map[string]time.Time)}
}

func (l *livenessTracker) touch(collector string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen[collector] = time.Now()
}

// Stale reports whether every known collector has gone silent for longer
// than maxAge. An engine that has not seen any collector yet is not
// considered stale: it may simply be waiting for its first record.
func (l *livenessTracker) Stale(maxAge time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lastSeen) == 0 {
		return false
	}
	cutoff := time.Now().Add(-maxAge)
	for _, t := range l.lastSeen {
		if t.After(cutoff) {
			return false
		}
	}
	return true
}

// runEngineLoop folds records from source into eng on the single goroutine
// the engine requires, driving IntervalStart/IntervalEnd off a wall-clock
// ticker the same way the donor's Pipeline.Run drives its flush ticker.
func runEngineLoop(ctx context.Context, eng *engine.Engine, source *kafka.RecordSource,
	sink engine.ViewSink, metricsSink engine.MetricsSink, liveness *livenessTracker,
	interval time.Duration, logger *zap.Logger) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	eng.IntervalStart(time.Now().Unix())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := eng.IntervalEnd(ctx, sink, metricsSink); err != nil {
				logger.Error("interval end failed", zap.Error(err))
			}
			eng.IntervalStart(time.Now().Unix())
			continue
		default:
		}

		rec, err := source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("record source error", zap.Error(err))
			continue
		}

		if err := eng.FoldRecord(rec); err != nil {
			logger.Error("fold record failed", zap.Error(err), zap.String("collector", rec.Collector))
		}
		liveness.touch(rec.Collector)

		if err := source.Ack(ctx, rec); err != nil {
			logger.Error("ack record failed", zap.Error(err))
		}
	}
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format — redact password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
