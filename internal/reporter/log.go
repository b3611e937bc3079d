package reporter

import (
	"context"
	"log/slog"

	"github.com/mlingest/mlingest/pkg/dataset"
)

// LogReporter writes the summary to the log instead of calling the metadata
// API. It is used in local mode.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter. A nil logger means slog.Default().
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger.With("component", "reporter")}
}

func (r *LogReporter) Report(ctx context.Context, s dataset.DatasetSummary) error {
	r.logger.InfoContext(ctx, "local mode: metadata not sent",
		"dataset", s.DatasetID,
		"ingestor_id", s.IngestorID,
		"intent", s.Intent,
		"records", len(s.UniqueIDs),
		"labels", s.Labels,
		"examples", len(s.Examples),
	)
	return nil
}
