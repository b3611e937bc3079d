// Package processor turns raw source units into candidate records. Each
// source format has its own processor; all of them are safe for concurrent
// use.
package processor

import (
	"context"
	"fmt"

	"github.com/mlingest/mlingest/pkg/dataset"
	"github.com/mlingest/mlingest/pkg/schema"
	"github.com/mlingest/mlingest/pkg/source"
)

// Processor converts one raw unit into zero or more candidates. A returned
// error fails the whole unit.
type Processor interface {
	Process(ctx context.Context, unit dataset.RawUnit) ([]dataset.Candidate, error)
}

// Options configures a processor. Schema is required.
type Options struct {
	Schema *schema.Schema

	// Column names in the raw input. IDColumn defaults to "data_id".
	IDColumn         string
	LabelColumn      string
	IntentColumn     string
	AnnotationColumn string

	// Resized images are attached to candidates as a blob; the caller
	// decides whether to store it.
	TargetWidth  int
	TargetHeight int
	JPEGQuality  int
}

// New returns the processor for format.
func New(format source.Format, opts Options) (Processor, error) {
	if opts.Schema == nil {
		return nil, fmt.Errorf("processor requires a schema")
	}
	switch format {
	case source.FormatCSV, source.FormatJSON:
		return NewTabular(opts), nil
	case source.FormatImage:
		return NewImage(opts), nil
	}
	return nil, fmt.Errorf("no processor for format %q", format)
}

// schemaFields keeps the raw values whose keys are declared columns.
func schemaFields(s *schema.Schema, raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s.Has(k) {
			out[k] = v
		}
	}
	return out
}
