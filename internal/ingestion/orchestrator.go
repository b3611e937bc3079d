// Package ingestion drives a dataset through the read, validate, batch,
// persist and report stages and collects every record that was dropped on
// the way.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/mlingest/mlingest/internal/retry"
	"github.com/mlingest/mlingest/pkg/batch"
	"github.com/mlingest/mlingest/pkg/dataset"
	"github.com/mlingest/mlingest/pkg/processor"
	"github.com/mlingest/mlingest/pkg/schema"
	"github.com/mlingest/mlingest/pkg/source"
)

// Run statuses passed to RunRecorder.FinishRun.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Store persists batches into a dataset table.
type Store interface {
	Ping(ctx context.Context) error
	EnsureTable(ctx context.Context, table string, s *schema.Schema) error
	// WriteBatch returns one result per record, or an error when the batch
	// as a whole was not committed.
	WriteBatch(ctx context.Context, table string, b dataset.Batch) ([]dataset.RowResult, error)
	Close() error
}

// BlobStore keeps the files derived from units, such as resized images.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Reporter publishes the dataset summary of a run.
type Reporter interface {
	Report(ctx context.Context, s dataset.DatasetSummary) error
}

// RunRecorder keeps an audit trail of runs. Its errors are logged and never
// fail a run.
type RunRecorder interface {
	StartRun(ctx context.Context, id, table, sourcePath string, intent dataset.Intent) error
	FinishRun(ctx context.Context, id, status string, stats dataset.RunStats, errMsg *string) error
	RecordFailures(ctx context.Context, runID string, failures []dataset.FailedRecord) error
}

// ReaderFactory opens a source reader for a path.
type ReaderFactory func(format source.Format, path string, opts source.Options) (source.Reader, error)

// Config holds the per-dataset settings of an Orchestrator.
type Config struct {
	Table         string
	Format        source.Format
	SourceOptions source.Options
	// Intent is applied to records without an intent of their own.
	Intent     dataset.Intent
	ChunkSize  int
	Retry      retry.Policy
	SampleSize int

	Title        string
	Category     dataset.Category
	Organisation string

	// DryRun validates and deduplicates without touching the store or the
	// reporter.
	DryRun bool
}

// Result is the outcome of one run.
type Result struct {
	RunID string
	// Failures lists every dropped record. It is empty, not nil, on a clean run.
	Failures []dataset.FailedRecord
	Stats    dataset.RunStats
	// Summary is nil when the run failed before reporting.
	Summary *dataset.DatasetSummary
	// ReportErr holds the reporter error, if any. It does not make the run fail.
	ReportErr error
	Duration  time.Duration
}

// Orchestrator runs ingestions. An Orchestrator may run several ingestions
// one after another but not concurrently.
type Orchestrator struct {
	cfg       Config
	schema    *schema.Schema
	processor processor.Processor
	store     Store
	reporter  Reporter
	recorder  RunRecorder
	blobs     BlobStore
	newReader ReaderFactory
	workers   int
	observer  func(State)
	logger    *slog.Logger
	state     State
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// WithWorkers sets how many units of a chunk are processed in parallel.
// Records still enter the accumulator in input order. Default is 1.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) error {
		if n < 1 {
			n = 1
		}
		o.workers = n
		return nil
	}
}

// WithStateObserver registers a callback invoked on every state change.
func WithStateObserver(fn func(State)) Option {
	return func(o *Orchestrator) error {
		o.observer = fn
		return nil
	}
}

// WithRunRecorder enables run bookkeeping.
func WithRunRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) error {
		o.recorder = r
		return nil
	}
}

// WithBlobStore stores the blob of every unit that has at least one
// accepted record. Without it blobs are dropped.
func WithBlobStore(b BlobStore) Option {
	return func(o *Orchestrator) error {
		o.blobs = b
		return nil
	}
}

// WithReaderFactory replaces source.New.
func WithReaderFactory(f ReaderFactory) Option {
	return func(o *Orchestrator) error {
		if f == nil {
			return errors.New("reader factory must not be nil")
		}
		o.newReader = f
		return nil
	}
}

// NewOrchestrator creates an Orchestrator. store and reporter may be nil
// only in dry-run mode.
func NewOrchestrator(cfg Config, s *schema.Schema, p processor.Processor, store Store, reporter Reporter, opts ...Option) (*Orchestrator, error) {
	if s == nil {
		return nil, ErrSchemaRequired
	}
	if p == nil {
		return nil, ErrProcessorRequired
	}
	if !cfg.DryRun {
		if store == nil {
			return nil, ErrStoreRequired
		}
		if reporter == nil {
			return nil, ErrReporterRequired
		}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.SampleSize < 0 {
		cfg.SampleSize = 0
	}
	if cfg.Intent == "" {
		cfg.Intent = dataset.IntentTrain
	}

	o := &Orchestrator{
		cfg:       cfg,
		schema:    s,
		processor: p,
		store:     store,
		reporter:  reporter,
		newReader: source.New,
		workers:   1,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	o.logger = o.logger.With("component", "ingestion", "table", cfg.Table)
	return o, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.logger.Debug("state change", "from", o.state, "to", s)
	o.state = s
	if o.observer != nil {
		o.observer(s)
	}
}

// run holds the mutable state of a single Ingest call.
type run struct {
	id       string
	stats    dataset.RunStats
	failures *FailureLog
	acc      *batch.Accumulator
	summary  *summaryBuilder
	recorded bool
}

// Ingest reads the dataset at sourcePath and persists it in batches of
// batchSize records.
//
// Row-level problems never stop the run; they end up in Result.Failures. A
// fatal error (unreadable source, unreachable destination, cancelled
// context) is returned together with the partial Result, and nothing is
// reported.
func (o *Orchestrator) Ingest(ctx context.Context, sourcePath string, batchSize int) (*Result, error) {
	start := time.Now()
	o.state = StateIdle

	r := &run{
		id:       uuid.NewString(),
		failures: &FailureLog{},
		acc:      batch.NewAccumulator(batchSize),
		summary:  newSummaryBuilder(o.cfg.SampleSize),
	}
	logger := o.logger.With("run_id", r.id)
	logger.Info("ingestion started", "source", sourcePath, "format", o.cfg.Format, "batch_size", r.acc.Size(), "dry_run", o.cfg.DryRun)

	res, err := o.ingest(ctx, r, sourcePath, logger)
	res.Duration = time.Since(start)

	if err != nil {
		o.setState(StateFailed)
		logger.Error("ingestion failed", "error", err, "persisted", res.Stats.Persisted, "failed", res.Stats.Failed)
		o.finishRun(r, StatusFailed, res.Stats, err, logger)
		return res, err
	}

	o.setState(StateDone)
	logger.Info("ingestion finished",
		"units", res.Stats.Units,
		"candidates", res.Stats.Candidates,
		"persisted", res.Stats.Persisted,
		"failed", res.Stats.Failed,
		"batches", res.Stats.Batches,
		"reported", res.Stats.Reported,
		"duration", res.Duration,
	)
	o.finishRun(r, StatusCompleted, res.Stats, nil, logger)
	return res, nil
}

func (o *Orchestrator) ingest(ctx context.Context, r *run, sourcePath string, logger *slog.Logger) (*Result, error) {
	res := &Result{RunID: r.id}
	fill := func() *Result {
		res.Failures = r.failures.Records()
		r.stats.Failed = len(res.Failures)
		res.Stats = r.stats
		return res
	}

	if !o.cfg.DryRun {
		if _, err := retry.Do(ctx, o.cfg.Retry, logger, o.store.Ping); err != nil {
			return fill(), destinationErr(ctx, "ping", err)
		}
		if _, err := retry.Do(ctx, o.cfg.Retry, logger, func(ctx context.Context) error {
			return o.store.EnsureTable(ctx, o.cfg.Table, o.schema)
		}); err != nil {
			return fill(), destinationErr(ctx, "ensure table", err)
		}
		if o.recorder != nil {
			if err := o.recorder.StartRun(ctx, r.id, o.cfg.Table, sourcePath, o.cfg.Intent); err != nil {
				logger.Warn("failed to record run start", "error", err)
			} else {
				r.recorded = true
			}
		}
	}

	reader, err := o.newReader(o.cfg.Format, sourcePath, o.cfg.SourceOptions)
	if err != nil {
		return fill(), fmt.Errorf("%w: %v", dataset.ErrSourceUnavailable, err)
	}
	if err := reader.Open(ctx); err != nil {
		return fill(), sourceErr(err)
	}
	defer reader.Close()

	var pool *ants.Pool
	if o.workers > 1 {
		pool, err = ants.NewPool(o.workers)
		if err != nil {
			return fill(), fmt.Errorf("create worker pool: %w", err)
		}
		defer pool.Release()
	}

	for {
		o.setState(StateReading)
		units, err := reader.Next(ctx, o.cfg.ChunkSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fill(), sourceErr(err)
		}
		r.stats.Units += len(units)

		o.setState(StateValidating)
		outcomes, err := o.processChunk(ctx, pool, units)
		if err != nil {
			return fill(), err
		}

		if err := o.accumulate(ctx, r, outcomes, logger); err != nil {
			return fill(), err
		}
	}

	if b := r.acc.Flush(); b != nil {
		if err := o.persist(ctx, r, b, logger); err != nil {
			return fill(), err
		}
	}

	o.setState(StateReporting)
	summary := r.summary.build(dataset.DatasetSummary{
		DatasetID:    o.cfg.Table,
		IngestorID:   r.id,
		Title:        o.cfg.Title,
		Category:     o.cfg.Category,
		Organisation: o.cfg.Organisation,
		Intent:       o.cfg.Intent,
		Format:       string(o.cfg.Format),
		Schema:       o.schema.Declared(),
	})
	res.Summary = &summary

	if !o.cfg.DryRun {
		if err := o.reporter.Report(ctx, summary); err != nil {
			res.ReportErr = err
			logger.Warn("metadata report failed; persisted data is unaffected", "error", err)
		} else {
			r.stats.Reported = true
		}
	}

	return fill(), nil
}

// outcome is the processing result of one unit: the validated records of
// its candidates, the failures and the unit's blob.
type outcome struct {
	records  []dataset.Record
	failures []dataset.FailedRecord
	count    int
	blob     *dataset.Blob
}

// processChunk runs processing and validation for every unit. Results keep
// the unit order whatever the number of workers.
func (o *Orchestrator) processChunk(ctx context.Context, pool *ants.Pool, units []dataset.RawUnit) ([]outcome, error) {
	outcomes := make([]outcome, len(units))
	if pool == nil {
		for i, u := range units {
			outcomes[i] = o.processUnit(ctx, u)
		}
		return outcomes, ctx.Err()
	}

	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			outcomes[i] = o.processUnit(ctx, u)
		}); err != nil {
			wg.Done()
			wg.Wait()
			return nil, fmt.Errorf("submit unit %s: %w", u.Origin, err)
		}
	}
	wg.Wait()
	return outcomes, ctx.Err()
}

func (o *Orchestrator) processUnit(ctx context.Context, u dataset.RawUnit) outcome {
	if u.Err != nil {
		return outcome{failures: []dataset.FailedRecord{{Seq: u.Seq, Origin: u.Origin, Err: u.Err}}}
	}

	candidates, err := o.processor.Process(ctx, u)
	if err != nil {
		return outcome{failures: []dataset.FailedRecord{{Seq: u.Seq, Origin: u.Origin, Err: err}}}
	}

	out := outcome{count: len(candidates)}
	for _, c := range candidates {
		if out.blob == nil {
			out.blob = c.Blob
		}
		rec, err := o.schema.Validate(c, o.cfg.Intent)
		if err != nil {
			out.failures = append(out.failures, dataset.FailedRecord{Seq: c.Seq, Origin: c.Origin, UniqueID: c.UniqueID, Err: err})
			continue
		}
		out.records = append(out.records, rec)
	}
	return out
}

func (o *Orchestrator) accumulate(ctx context.Context, r *run, outcomes []outcome, logger *slog.Logger) error {
	o.setState(StateAccumulating)
	for _, out := range outcomes {
		r.stats.Candidates += out.count
		for _, f := range out.failures {
			logger.Debug("record dropped", "origin", f.Origin, "data_id", f.UniqueID, "kind", f.Kind(), "reason", f.Reason())
		}
		r.failures.Add(out.failures...)

		records, err := o.storeBlob(ctx, r, out, logger)
		if err != nil {
			return err
		}
		for _, rec := range records {
			b, err := r.acc.Add(rec)
			if err != nil {
				f := dataset.FailedRecord{Seq: rec.Seq, Origin: rec.Origin, UniqueID: rec.UniqueID, Err: err}
				logger.Debug("record dropped", "origin", f.Origin, "data_id", f.UniqueID, "kind", f.Kind())
				r.failures.Add(f)
				continue
			}
			if b == nil {
				continue
			}
			if err := o.persist(ctx, r, b, logger); err != nil {
				return err
			}
			o.setState(StateAccumulating)
		}
	}
	return nil
}

// storeBlob puts the unit's blob before its records are accumulated. The
// blob is skipped when no record survived validation or every record is a
// duplicate; the accumulator reports those. When the put keeps failing the
// unit's records are dropped.
func (o *Orchestrator) storeBlob(ctx context.Context, r *run, out outcome, logger *slog.Logger) ([]dataset.Record, error) {
	if out.blob == nil || o.blobs == nil || o.cfg.DryRun || len(out.records) == 0 {
		return out.records, nil
	}
	fresh := false
	for _, rec := range out.records {
		if !r.acc.Contains(rec.UniqueID) {
			fresh = true
			break
		}
	}
	if !fresh {
		return out.records, nil
	}

	blob := out.blob
	attempts, err := retry.Do(ctx, o.cfg.Retry, logger, func(ctx context.Context) error {
		return o.blobs.Put(ctx, blob.Key, blob.Data, blob.ContentType)
	})
	if err == nil {
		return out.records, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	logger.Warn("blob upload failed", "key", blob.Key, "attempts", attempts, "error", err)
	putErr := fmt.Errorf("store %s: %w", blob.Key, err)
	for _, rec := range out.records {
		r.failures.Add(dataset.FailedRecord{Seq: rec.Seq, Origin: rec.Origin, UniqueID: rec.UniqueID, Err: putErr})
	}
	return nil, nil
}

// persist writes one batch with retries. A batch that keeps failing turns
// into one BatchPersistenceError per record; only a cancelled context is
// returned as an error.
func (o *Orchestrator) persist(ctx context.Context, r *run, b *dataset.Batch, logger *slog.Logger) error {
	o.setState(StatePersisting)
	r.stats.Batches++
	b.IngestorID = r.id

	if o.cfg.DryRun {
		for _, rec := range b.Records {
			r.stats.Persisted++
			r.summary.add(rec)
		}
		return nil
	}

	var results []dataset.RowResult
	attempts, err := retry.Do(ctx, o.cfg.Retry, logger, func(ctx context.Context) error {
		var err error
		results, err = o.store.WriteBatch(ctx, o.cfg.Table, *b)
		if err == nil && len(results) != len(b.Records) {
			return retry.Permanent(fmt.Errorf("store returned %d results for %d records", len(results), len(b.Records)))
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("batch failed", "batch", b.Seq, "records", b.Len(), "attempts", attempts, "error", err)
		batchErr := &dataset.BatchPersistenceError{Batch: b.Seq, Attempts: attempts, Err: err}
		for _, rec := range b.Records {
			r.failures.Add(dataset.FailedRecord{Seq: rec.Seq, Origin: rec.Origin, UniqueID: rec.UniqueID, Err: batchErr})
		}
		return nil
	}

	for i, res := range results {
		rec := b.Records[i]
		if res.Err != nil {
			err := res.Err
			var rowErr *dataset.RowPersistenceError
			if !errors.As(err, &rowErr) {
				err = &dataset.RowPersistenceError{Err: err}
			}
			r.failures.Add(dataset.FailedRecord{Seq: rec.Seq, Origin: rec.Origin, UniqueID: rec.UniqueID, Err: err})
			continue
		}
		r.stats.Persisted++
		r.summary.add(rec)
	}
	logger.Debug("batch persisted", "batch", b.Seq, "records", b.Len(), "attempts", attempts)
	return nil
}

func (o *Orchestrator) finishRun(r *run, status string, stats dataset.RunStats, runErr error, logger *slog.Logger) {
	if o.recorder == nil || !r.recorded {
		return
	}
	// detached so bookkeeping still lands when ctx was cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.recorder.RecordFailures(ctx, r.id, r.failures.Records()); err != nil {
		logger.Warn("failed to record failures", "error", err)
	}
	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	if err := o.recorder.FinishRun(ctx, r.id, status, stats, msg); err != nil {
		logger.Warn("failed to record run status", "error", err)
	}
}

func sourceErr(err error) error {
	if errors.Is(err, dataset.ErrSourceUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", dataset.ErrSourceUnavailable, err)
}

func destinationErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, dataset.ErrDestinationUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", dataset.ErrDestinationUnavailable, op, err)
}
