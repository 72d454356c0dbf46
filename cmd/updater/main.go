// Command updater runs one incremental replication update against a PostGIS
// database: it takes the update lock, fetches the next pending changeset and
// applies it, rolling the replication checkpoint back if anything fails.
// It is designed to run from cron; the exit code tells cron what happened.
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	otelapi "go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/osmsync/osmsync/internal/app/update"
	"github.com/osmsync/osmsync/internal/config"
	"github.com/osmsync/osmsync/internal/domain/replication"
	"github.com/osmsync/osmsync/internal/infra/lock"
	infrarepl "github.com/osmsync/osmsync/internal/infra/replication"
	"github.com/osmsync/osmsync/internal/infra/state"
	"github.com/osmsync/osmsync/internal/infra/storage/postgres"
	"github.com/osmsync/osmsync/pkg/common/logger"
	"github.com/osmsync/osmsync/pkg/common/otel"
)

const serviceType = "updater"

// Exit codes consumed by cron wrappers and monitoring.
const (
	exitOK             = 0 // committed, or another run already held the lock
	exitStopRequested  = 1
	exitFetchOrMissing = 2
	exitApplyFailed    = 3
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", defaultConfigPath(), "path to the updater configuration file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.NewFileLoader(*configPath).Load(ctx)
	if err != nil {
		stdlog.Fatalf("failed to load configuration: %v", err)
	}
	applyEnvOverrides(cfg)

	// Cron mails stderr; on failure it should carry the end of the run log
	// even when stdout was redirected away.
	defer func() {
		if code != exitOK && cfg.Log.Path != "" {
			echoLogTail(cfg.Log.Path, 20)
		}
	}()

	log, closeLog, err := buildLogger(cfg, hostname)
	if err != nil {
		stdlog.Fatalf("failed to open log file: %v", err)
	}
	defer closeLog()

	// Operators touch the stop file to pause updates during maintenance.
	if _, err := os.Stat(cfg.StopFile); cfg.StopFile != "" && err == nil {
		log.Info(ctx, "stop file present; refusing to run", "path", cfg.StopFile)
		return exitStopRequested
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		log.Info(ctx, "received shutdown signal; cancelling run", "signal", sig.String())
		cancel()
	}()

	_, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      fmt.Sprintf("%s-%s", serviceType, hostname),
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		Probability:      cfg.Telemetry.SampleRate,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		return exitFetchOrMissing
	}
	defer telemetryTeardown(context.Background())

	pool, err := postgres.ConnectWithRetry(ctx, cfg.Database.DSN(), log)
	if err != nil {
		log.Error(ctx, "failed to connect to target store", "error", err)
		return exitFetchOrMissing
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		return exitFetchOrMissing
	}

	metrics, err := update.NewUpdateMetrics(otelapi.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics", "error", err)
		return exitFetchOrMissing
	}

	checkpoints := state.NewStore(cfg.Replication.WorkingDir, log)
	runLock := lock.NewManager(
		cfg.Lock.Path,
		cfg.Replication.ProcessMatches,
		checkpoints,
		log,
		lock.WithStaleness(time.Duration(cfg.Lock.StalenessSeconds)*time.Second),
	)
	fetcher := infrarepl.NewOsmosisFetcher(cfg.Replication.FetcherBinary, cfg.Replication.WorkingDir, log)
	applier := infrarepl.NewOsm2pgsqlApplier(
		cfg.Loader.Binary,
		cfg.Loader.Style,
		cfg.Loader.CacheMB,
		cfg.Loader.FlatNodes,
		cfg.Loader.ExtraArgs,
		infrarepl.DBParams{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Name:     cfg.Database.Name,
		},
		log,
	)

	tracer := otelapi.GetTracerProvider().Tracer(serviceType)
	orch := update.NewOrchestrator(
		fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		cfg.Replication.ArtifactDir,
		time.Duration(cfg.Replication.MaxIntervalSeconds)*time.Second,
		update.Dependencies{
			Lock:        runLock,
			Checkpoints: checkpoints,
			Fetcher:     fetcher,
			Applier:     applier,
			Marker:      postgres.NewMarkerStore(pool, tracer),
			Journal:     postgres.NewRunJournal(pool, tracer),
			Metrics:     metrics,
			Logger:      log,
			Tracer:      tracer,
		},
	)

	if _, err := orch.Run(ctx); err != nil {
		return exitCode(ctx, log, err)
	}
	return exitOK
}

// exitCode maps a run error to the exit code cron wrappers expect.
func exitCode(ctx context.Context, log *logger.Logger, err error) int {
	switch {
	case replication.IsLockHeld(err):
		// Overlapping cron invocations are routine, not an error.
		return exitOK
	case replication.IsStopRequested(err):
		return exitStopRequested
	case replication.IsApplyFailure(err):
		log.Error(ctx, "update run failed applying the changeset", "error", err)
		return exitApplyFailed
	case replication.IsMissingCheckpoint(err), replication.IsFetchFailure(err):
		log.Error(ctx, "update run failed before the changeset was applied", "error", err)
		return exitFetchOrMissing
	default:
		log.Error(ctx, "update run failed", "error", err)
		return exitFetchOrMissing
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("OSMSYNC_CONFIG"); p != "" {
		return p
	}
	return "/etc/osmsync/config.yaml"
}

// applyEnvOverrides lets deployment secrets stay out of the config file.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("OSMSYNC_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("OSMSYNC_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("OSMSYNC_STOP_FILE"); v != "" {
		cfg.StopFile = v
	}
}

// echoLogTail prints the last n lines of the run log to stderr.
func echoLogTail(path string, n int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	fmt.Fprintf(os.Stderr, "--- last %d log lines ---\n", len(lines))
	for _, line := range lines {
		fmt.Fprintln(os.Stderr, line)
	}
}

// buildLogger writes to stdout for cron capture and, when configured, to an
// append-only log file that survives across runs.
func buildLogger(cfg *config.Config, hostname string) (*logger.Logger, func(), error) {
	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	var minLevel logger.Level
	switch cfg.Log.Level {
	case "debug":
		minLevel = logger.LevelDebug
	case "warn":
		minLevel = logger.LevelWarn
	case "error":
		minLevel = logger.LevelError
	default:
		minLevel = logger.LevelInfo
	}

	svcName := fmt.Sprintf("%s-%s", serviceType, hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	if cfg.Log.Path == "" {
		return logger.NewWithMetadata(os.Stdout, minLevel, svcName, traceIDFn, logger.Events{}, metadata), func() {}, nil
	}

	f, err := os.OpenFile(cfg.Log.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	w := newTeeWriter(os.Stdout, f)
	return logger.NewWithMetadata(w, minLevel, svcName, traceIDFn, logger.Events{}, metadata), func() { f.Close() }, nil
}

type teeWriter struct{ a, b *os.File }

func newTeeWriter(a, b *os.File) *teeWriter { return &teeWriter{a: a, b: b} }

// Write mirrors each record to both sinks. A failing log file must not take
// down the run, so only the stdout error is surfaced.
func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.a.Write(p)
	_, _ = t.b.Write(p)
	return n, err
}

// runMigrations uses golang-migrate to apply all up migrations. The
// migrations directory defaults to db/migrations next to the binary's
// working directory and can be overridden for packaged installs.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := "file://db/migrations"
	if dir := os.Getenv("OSMSYNC_MIGRATIONS_DIR"); dir != "" {
		migrationsPath = "file://" + dir
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
