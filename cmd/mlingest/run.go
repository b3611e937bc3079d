package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlingest/mlingest/internal/ingestion"
	"github.com/mlingest/mlingest/internal/objectstore"
	"github.com/mlingest/mlingest/internal/platform"
	"github.com/mlingest/mlingest/internal/reporter"
	"github.com/mlingest/mlingest/pkg/config"
	"github.com/mlingest/mlingest/pkg/source"
)

// bookkeepingVersion is the migration that creates every run bookkeeping table.
const bookkeepingVersion = 2

func newRunCmd() *cobra.Command {
	var (
		sourcePath string
		intent     string
		configPath string
		batchSize  int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest a dataset into the destination table",
		Long: `Run reads the dataset at --source, validates and deduplicates every record,
persists them in batches and reports the dataset summary. Dropped records are
printed with their reason.

Exit status is 0 when every record was persisted, 2 when some records were
dropped and 1 on a fatal error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if batchSize > 0 {
				cfg.Ingestion.BatchSize = batchSize
			}
			if intent != "" {
				cfg.Dataset.Intent = intent
			}
			cfg.Source.Path = firstNonEmpty(sourcePath, cfg.Source.Path)
			if cfg.Source.Path == "" {
				return errors.New("--source is required (or set SRC_PATH)")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runIngest(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&sourcePath, "source", "", "Path to the dataset file or image directory")
	f.StringVar(&intent, "intent", "", "Dataset intent: train or test (default from config, else train)")
	f.StringVarP(&configPath, "config", "c", "", "Config file (default .mlingest/config.yaml)")
	f.IntVar(&batchSize, "batch-size", 0, "Records per database transaction (default from config)")

	return cmd
}

func runIngest(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	db, err := openStore(ctx, cfg, cfg.Database.MaxOpenConns, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := platform.AutoMigrate(db.DB()); err != nil {
			return err
		}
	}

	p, err := buildPipeline(cfg, false)
	if err != nil {
		return err
	}

	rep, err := newReporter(cfg, logger)
	if err != nil {
		return err
	}

	opts := []ingestion.Option{
		ingestion.WithLogger(logger),
		ingestion.WithWorkers(cfg.Ingestion.Workers),
	}
	if p.format == source.FormatImage {
		objs, err := objectstore.New(ctx, objectStoreConfig(cfg))
		if err != nil {
			return err
		}
		opts = append(opts, ingestion.WithBlobStore(objs))
	}
	if v, dirty, err := platform.Version(db.DB()); err != nil {
		logger.Warn("cannot read migration version, run bookkeeping disabled", "error", err)
	} else if v >= bookkeepingVersion && !dirty {
		opts = append(opts, ingestion.WithRunRecorder(db))
	} else {
		logger.Info("bookkeeping tables missing, run `mlingest migrate up` to record runs", "version", v, "dirty", dirty)
	}

	orch, err := ingestion.NewOrchestrator(p.config, p.schema, p.processor, db, rep, opts...)
	if err != nil {
		return err
	}

	res, err := orch.Ingest(ctx, cfg.Source.Path, cfg.Ingestion.BatchSize)
	if err != nil {
		return err
	}
	return printResult(out, res)
}

func newReporter(cfg *config.Config, logger *slog.Logger) (ingestion.Reporter, error) {
	if cfg.LocalMode() {
		return reporter.NewLogReporter(logger), nil
	}
	return reporter.NewHTTPReporter(reporter.Config{
		Endpoint:   cfg.Reporter.Endpoint,
		Username:   cfg.Reporter.Username,
		Password:   cfg.Reporter.Password,
		Timeout:    time.Duration(cfg.Reporter.Timeout) * time.Second,
		RetryCount: cfg.Reporter.RetryCount,
		RateLimit:  cfg.Reporter.RateLimit,
	}, reporter.WithLogger(logger))
}
