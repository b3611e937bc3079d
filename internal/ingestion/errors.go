package ingestion

import "errors"

var (
	// ErrSchemaRequired is returned when no schema is provided.
	ErrSchemaRequired = errors.New("schema required")

	// ErrProcessorRequired is returned when no record processor is provided.
	ErrProcessorRequired = errors.New("record processor required")

	// ErrStoreRequired is returned when no store is provided outside dry-run mode.
	ErrStoreRequired = errors.New("store required")

	// ErrReporterRequired is returned when no reporter is provided outside dry-run mode.
	ErrReporterRequired = errors.New("reporter required")
)
