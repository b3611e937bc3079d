package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mlingest/mlingest/internal/ingestion"
)

func newValidateCmd() *cobra.Command {
	var (
		sourcePath string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a dataset against the schema without writing anything",
		Long: `Validate reads, processes, validates and deduplicates the dataset exactly
like run, but touches neither the database nor the metadata API. Images are
decoded and resized but not stored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cfg.Source.Path = firstNonEmpty(sourcePath, cfg.Source.Path)
			if cfg.Source.Path == "" {
				return errors.New("--source is required (or set SRC_PATH)")
			}
			// nothing is reported, so no endpoint is needed
			cfg.Reporter.Enabled = false
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
			p, err := buildPipeline(cfg, true)
			if err != nil {
				return err
			}
			orch, err := ingestion.NewOrchestrator(p.config, p.schema, p.processor, nil, nil,
				ingestion.WithLogger(logger),
				ingestion.WithWorkers(cfg.Ingestion.Workers),
			)
			if err != nil {
				return err
			}

			res, err := orch.Ingest(cmd.Context(), cfg.Source.Path, cfg.Ingestion.BatchSize)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}

	f := cmd.Flags()
	f.StringVar(&sourcePath, "source", "", "Path to the dataset file or image directory")
	f.StringVarP(&configPath, "config", "c", "", "Config file (default .mlingest/config.yaml)")

	return cmd
}
