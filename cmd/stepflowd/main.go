// Command stepflowd runs the auto-finish scheduler against a SQLite database
// on a fixed interval and optionally serves metrics and a health check.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/engine"
	"github.com/sicko7947/stepflow/example/coursereview"
	"github.com/sicko7947/stepflow/metrics"
	"github.com/sicko7947/stepflow/scheduler"
	"github.com/sicko7947/stepflow/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	installExample := flag.Bool("install-example", false, "install the course review workflow if it is missing")
	once := flag.Bool("once", false, "run a single tick and exit")
	flag.Parse()

	if err := run(*configPath, *installExample, *once); err != nil {
		fmt.Fprintf(os.Stderr, "stepflowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, installExample, once bool) error {
	cfg := stepflow.DefaultConfig()
	if configPath != "" {
		loaded, err := stepflow.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", store.DSN(cfg.Database.Path, cfg.Database.BusyTimeout))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	st, err := store.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewRecorder(&metrics.Config{Registry: registry})

	eng := engine.NewEngine(st,
		engine.WithLogger(logger),
		engine.WithConfig(cfg.Engine),
		engine.WithMetrics(recorder),
	)

	if installExample {
		if err := installCourseReview(ctx, eng, logger); err != nil {
			return err
		}
	}

	watermark, err := newWatermark(ctx, cfg, st)
	if err != nil {
		return err
	}

	finisher := scheduler.New(st, eng, watermark,
		scheduler.WithLogger(logger),
		scheduler.WithConfig(cfg.Scheduler),
		scheduler.WithActor(cfg.Engine.SystemActor),
		scheduler.WithMetrics(recorder),
	)

	if cfg.Metrics.Addr != "" && !once {
		serveMetrics(ctx, newMetricsApp(registry, watermark), cfg.Metrics.Addr, logger)
	}

	logger.Info().
		Str("database", cfg.Database.Path).
		Dur("interval", cfg.Scheduler.Interval).
		Bool("debug", cfg.Scheduler.Debug).
		Msg("stepflowd started")

	tick(ctx, finisher, logger)
	if once {
		return nil
	}

	ticker := time.NewTicker(cfg.Scheduler.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stepflowd stopped")
			return nil
		case <-ticker.C:
			tick(ctx, finisher, logger)
		}
	}
}

func tick(ctx context.Context, finisher *scheduler.AutoFinisher, logger zerolog.Logger) {
	report, err := finisher.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Auto-finish tick failed")
		return
	}
	for stateID, ferr := range report.Failed {
		logger.Warn().Str("state_id", stateID).Err(ferr).Msg("State left active")
	}
}

func newLogger(cfg stepflow.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Str("service", "stepflowd").Logger().Level(level), nil
}

// newWatermark shares the throttle through DynamoDB when a table is
// configured and keeps it in the database otherwise
func newWatermark(ctx context.Context, cfg *stepflow.Config, st *store.SQLiteStore) (stepflow.Watermark, error) {
	if cfg.DynamoDB.Table == "" {
		return st, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.DynamoDB.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.DynamoDB.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return store.NewDynamoDBWatermark(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDB.Table, ""), nil
}

func installCourseReview(ctx context.Context, eng *engine.Engine, logger zerolog.Logger) error {
	def, err := coursereview.NewCourseReviewWorkflow()
	if err != nil {
		return err
	}

	err = eng.InstallWorkflow(ctx, def)
	if stepflow.IsCode(err, stepflow.ErrCodeDuplicate) {
		logger.Info().Str("workflow", coursereview.Shortname).Msg("Example workflow already installed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("install example workflow: %w", err)
	}

	logger.Info().Str("workflow", coursereview.Shortname).Msg("Example workflow installed")
	return nil
}
