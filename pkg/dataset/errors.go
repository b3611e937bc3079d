package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable indicates the input could not be opened or read.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrDestinationUnavailable indicates the persistence layer could not be reached.
	ErrDestinationUnavailable = errors.New("destination unavailable")

	// ErrMetadataReport indicates the metadata reporter failed. It never
	// affects persisted data.
	ErrMetadataReport = errors.New("metadata report failed")
)

// Failure kinds as reported by FailedRecord.Kind.
const (
	KindMissingField     = "missing_field"
	KindTypeMismatch     = "type_mismatch"
	KindAnnotationParse  = "annotation_parse"
	KindDuplicate        = "duplicate_record"
	KindMalformedRow     = "malformed_row"
	KindRowPersistence   = "row_persistence"
	KindBatchPersistence = "batch_persistence"
	KindProcessing       = "processing"
)

// MissingFieldError reports a required column that is absent or empty.
type MissingFieldError struct {
	Column string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Column)
}

// TypeMismatchError reports a value that does not conform to its declared
// column type or length.
type TypeMismatchError struct {
	Column string
	Type   string
	Value  string
	Reason string
}

func (e *TypeMismatchError) Error() string {
	msg := fmt.Sprintf("column %q: value %q is not a valid %s", e.Column, e.Value, e.Type)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// AnnotationParseError reports an unreadable or incomplete annotation file.
type AnnotationParseError struct {
	File   string
	Reason string
	Err    error
}

func (e *AnnotationParseError) Error() string {
	msg := "annotation " + e.File + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AnnotationParseError) Unwrap() error { return e.Err }

// DuplicateRecordError reports a unique id already seen earlier in the run.
type DuplicateRecordError struct {
	UniqueID string
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("duplicate unique id %q", e.UniqueID)
}

// MalformedRowError reports a single input row the source reader could not parse.
type MalformedRowError struct {
	Err error
}

func (e *MalformedRowError) Error() string { return "malformed row: " + e.Err.Error() }

func (e *MalformedRowError) Unwrap() error { return e.Err }

// RowPersistenceError reports a row rejected by the database inside an
// otherwise committed batch.
type RowPersistenceError struct {
	Err error
}

func (e *RowPersistenceError) Error() string { return "row rejected: " + e.Err.Error() }

func (e *RowPersistenceError) Unwrap() error { return e.Err }

// BatchPersistenceError reports a batch that could not be written after all
// retry attempts. Every row of the batch is failed with it.
type BatchPersistenceError struct {
	Batch    int
	Attempts int
	Err      error
}

func (e *BatchPersistenceError) Error() string {
	return fmt.Sprintf("batch %d failed after %d attempts: %v", e.Batch, e.Attempts, e.Err)
}

func (e *BatchPersistenceError) Unwrap() error { return e.Err }

// KindOf maps an error to its failure kind.
func KindOf(err error) string {
	var (
		missing   *MissingFieldError
		mismatch  *TypeMismatchError
		annot     *AnnotationParseError
		dup       *DuplicateRecordError
		malformed *MalformedRowError
		row       *RowPersistenceError
		batch     *BatchPersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &batch):
		return KindBatchPersistence
	case errors.As(err, &row):
		return KindRowPersistence
	case errors.As(err, &missing):
		return KindMissingField
	case errors.As(err, &mismatch):
		return KindTypeMismatch
	case errors.As(err, &annot):
		return KindAnnotationParse
	case errors.As(err, &dup):
		return KindDuplicate
	case errors.As(err, &malformed):
		return KindMalformedRow
	}
	return KindProcessing
}
