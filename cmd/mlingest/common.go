package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mlingest/mlingest/internal/ingestion"
	"github.com/mlingest/mlingest/internal/objectstore"
	"github.com/mlingest/mlingest/internal/retry"
	"github.com/mlingest/mlingest/internal/store"
	"github.com/mlingest/mlingest/pkg/config"
	"github.com/mlingest/mlingest/pkg/dataset"
	"github.com/mlingest/mlingest/pkg/processor"
	"github.com/mlingest/mlingest/pkg/schema"
	"github.com/mlingest/mlingest/pkg/source"
)

// loadConfig reads the config file (explicit path, or .mlingest/config.yaml
// found from the working directory upwards) and applies env overrides.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			path = config.FindConfigFile(wd)
		}
	}
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// pipeline is everything derived from the config that a run needs besides
// the store and the reporter.
type pipeline struct {
	format    source.Format
	schema    *schema.Schema
	processor processor.Processor
	config    ingestion.Config
}

func buildPipeline(cfg *config.Config, dryRun bool) (*pipeline, error) {
	format, err := source.ParseFormat(cfg.Dataset.Format)
	if err != nil {
		return nil, err
	}
	intent := dataset.IntentTrain
	if cfg.Dataset.Intent != "" {
		if intent, err = dataset.ParseIntent(cfg.Dataset.Intent); err != nil {
			return nil, err
		}
	}
	s, err := schema.Parse(cfg.Dataset.Schema, cfg.SchemaOptions())
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	proc, err := processor.New(format, processor.Options{
		Schema:           s,
		IDColumn:         cfg.Dataset.UniqueIDColumn,
		LabelColumn:      cfg.Dataset.LabelColumn,
		IntentColumn:     cfg.Dataset.IntentColumn,
		AnnotationColumn: cfg.Dataset.AnnotationColumn,
		TargetWidth:      cfg.Image.TargetWidth,
		TargetHeight:     cfg.Image.TargetHeight,
		JPEGQuality:      cfg.Image.JPEGQuality,
	})
	if err != nil {
		return nil, err
	}

	return &pipeline{
		format:    format,
		schema:    s,
		processor: proc,
		config: ingestion.Config{
			Table:         cfg.TableName,
			Format:        format,
			SourceOptions: cfg.SourceOptions(),
			Intent:        intent,
			ChunkSize:     cfg.Ingestion.ChunkSize,
			Retry:         retryPolicy(cfg),
			SampleSize:    cfg.Ingestion.SampleSize,
			Title:         cfg.Dataset.Title,
			Category:      dataset.Category(cfg.Dataset.Category),
			Organisation:  cfg.Dataset.Organisation,
			DryRun:        dryRun,
		},
	}, nil
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		Attempts:  cfg.Ingestion.RetryCount,
		BaseDelay: time.Duration(cfg.Ingestion.RetryBaseDelayMS) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.Ingestion.RetryMaxDelayMS) * time.Millisecond,
		Timeout:   time.Duration(cfg.Ingestion.Timeout) * time.Second,
	}
}

// openStore connects to the database under the ingestion retry policy, so
// an unresponsive server fails after RetryCount attempts of Timeout each.
func openStore(ctx context.Context, cfg *config.Config, maxOpen int, logger *slog.Logger) (*store.Postgres, error) {
	var db *store.Postgres
	_, err := retry.Do(ctx, retryPolicy(cfg), logger, func(ctx context.Context) error {
		var err error
		db, err = store.Open(ctx, cfg.Database.Driver, cfg.Database.URL, maxOpen, store.WithLogger(logger))
		return err
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func objectStoreConfig(cfg *config.Config) objectstore.Config {
	d := cfg.Destination
	return objectstore.Config{
		Backend:   d.Backend,
		Path:      d.Path,
		Bucket:    d.Bucket,
		Region:    d.Region,
		Endpoint:  d.Endpoint,
		AccessKey: d.AccessKey,
		SecretKey: d.SecretKey,
		Prefix:    d.Prefix,
		UseSSL:    d.UseSSL,
	}
}

// printResult writes the failure list and the run totals. It returns an
// exit status 2 error when any record was dropped.
func printResult(w io.Writer, res *ingestion.Result) error {
	for _, f := range res.Failures {
		fmt.Fprintln(w, f.String())
	}
	s := res.Stats
	fmt.Fprintf(w, "units=%d candidates=%d persisted=%d failed=%d batches=%d reported=%t duration=%s\n",
		s.Units, s.Candidates, s.Persisted, s.Failed, s.Batches, s.Reported, res.Duration.Round(time.Millisecond))

	if len(res.Failures) > 0 {
		return &exitError{code: 2, err: fmt.Errorf("%d records failed", len(res.Failures))}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
