// Package dataset defines the data model shared by every stage of the
// ingestion pipeline: raw input units, validated records, batches, failures
// and the run-level summary reported to the metadata API.
package dataset

import (
	"fmt"
	"strings"
)

// Intent is the declared purpose of a dataset slice.
type Intent string

const (
	IntentTrain Intent = "train"
	IntentTest  Intent = "test"
)

// ParseIntent normalizes s and checks it against the known intents.
func ParseIntent(s string) (Intent, error) {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentTrain:
		return IntentTrain, nil
	case IntentTest:
		return IntentTest, nil
	}
	return "", fmt.Errorf("invalid intent %q: must be one of %q, %q", s, IntentTrain, IntentTest)
}

// Category is the ML task a dataset feeds.
type Category string

const (
	CategoryImageClassification   Category = "image_classification"
	CategoryObjectDetection       Category = "object_detection"
	CategoryKeypointDetection     Category = "keypoint_detection"
	CategoryTextClassification    Category = "text_classification"
	CategoryTabularClassification Category = "tabular_classification"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryImageClassification, CategoryObjectDetection, CategoryKeypointDetection,
		CategoryTextClassification, CategoryTabularClassification:
		return true
	}
	return false
}

// RawUnit is one unprocessed input item: a CSV row, a JSON object or an
// image with its annotation file. It is not modified after being read.
type RawUnit struct {
	// Seq is the zero-based position of the unit in the source.
	Seq int
	// Origin locates the unit for error reports, e.g. "data.csv:12".
	Origin string
	// Fields holds column values for tabular units.
	Fields map[string]string
	// ImagePath and AnnotationPath are set for image units.
	ImagePath      string
	AnnotationPath string
	// Err is set when the reader could not parse this unit; the unit is
	// reported as a failure and never processed.
	Err error
}

// Candidate is the normalized output of a record processor, ready for schema
// validation. One RawUnit may yield several candidates (one per annotated object).
type Candidate struct {
	Seq        int
	Origin     string
	UniqueID   string
	Label      string
	Intent     string
	Annotation string
	Filename   string
	Extension  string
	// Fields holds schema columns only; unknown columns are dropped by the processor.
	Fields map[string]string
	// Blob is the file derived from the unit, shared by all of its
	// candidates. It is stored only once one of them is accepted.
	Blob *Blob
}

// Blob is a file produced while processing a unit, such as a resized image.
type Blob struct {
	Key         string
	Data        []byte
	ContentType string
}

// Record is a candidate that passed schema validation. Field values are typed:
// int64, float64, bool, time.Time, string or []byte. A nil value is SQL NULL.
type Record struct {
	Seq        int
	Origin     string
	UniqueID   string
	Label      string
	Intent     Intent
	Annotation string
	Filename   string
	Extension  string
	Fields     map[string]any
}

// Batch is an ordered group of records persisted in one transaction.
type Batch struct {
	// Seq numbers batches in flush order, starting at 1.
	Seq     int
	Records []Record
	// IngestorID identifies the run writing the batch.
	IngestorID string
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int { return len(b.Records) }

// IDs returns the unique ids of the batch in record order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.UniqueID
	}
	return ids
}

// RowResult is the persistence outcome for one row of a batch.
// Err is nil when the row committed.
type RowResult struct {
	UniqueID string
	Err      error
}

// FailedRecord pairs an input unit (or a partially built record) with the
// reason it was dropped.
type FailedRecord struct {
	Seq      int
	Origin   string
	UniqueID string
	Err      error
}

// Kind returns the machine-readable failure category.
func (f FailedRecord) Kind() string { return KindOf(f.Err) }

// Reason returns the human-readable failure reason.
func (f FailedRecord) Reason() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

func (f FailedRecord) String() string {
	id := f.UniqueID
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("%s [%s] %s: %s", f.Origin, id, f.Kind(), f.Reason())
}

// RunStats counts what happened during one ingestion run.
type RunStats struct {
	// Units is the number of raw units read from the source.
	Units int `json:"units"`
	// Candidates is the number of candidates produced by the processor.
	Candidates int  `json:"candidates"`
	Persisted  int  `json:"persisted"`
	Failed     int  `json:"failed"`
	Batches    int  `json:"batches"`
	Reported   bool `json:"reported"`
}

// DatasetSummary is the run-level aggregate handed to the metadata reporter.
type DatasetSummary struct {
	DatasetID    string   `json:"dataset_id"`
	IngestorID   string   `json:"ingestor_id"`
	Title        string   `json:"title,omitempty"`
	Category     Category `json:"category,omitempty"`
	Organisation string   `json:"organisation,omitempty"`
	Intent       Intent   `json:"data_intent"`
	Format       string   `json:"data_format,omitempty"`
	UniqueIDs    []string `json:"unique_ids"`
	// Records pairs every persisted id with its own label and intent, in
	// UniqueIDs order.
	Records  []RecordRef       `json:"records"`
	Labels   []string          `json:"labels"`
	Examples []map[string]any  `json:"examples"`
	Schema   map[string]string `json:"schema,omitempty"`
}

// RecordRef identifies one persisted record in a summary.
type RecordRef struct {
	DataID string `json:"data_id"`
	Label  string `json:"label,omitempty"`
	Intent Intent `json:"data_intent"`
}
