package processor

import (
	"context"

	"github.com/mlingest/mlingest/pkg/dataset"
)

// Tabular handles CSV rows and JSON objects. Every unit yields exactly one
// candidate.
type Tabular struct {
	opts Options
}

// NewTabular creates a tabular processor.
func NewTabular(opts Options) *Tabular {
	if opts.IDColumn == "" {
		opts.IDColumn = "data_id"
	}
	return &Tabular{opts: opts}
}

func (p *Tabular) Process(ctx context.Context, unit dataset.RawUnit) ([]dataset.Candidate, error) {
	c := dataset.Candidate{
		Seq:      unit.Seq,
		Origin:   unit.Origin,
		UniqueID: unit.Fields[p.opts.IDColumn],
		Fields:   schemaFields(p.opts.Schema, unit.Fields),
	}
	if p.opts.LabelColumn != "" {
		c.Label = unit.Fields[p.opts.LabelColumn]
	}
	if p.opts.IntentColumn != "" {
		c.Intent = unit.Fields[p.opts.IntentColumn]
	}
	if p.opts.AnnotationColumn != "" {
		c.Annotation = unit.Fields[p.opts.AnnotationColumn]
	}
	return []dataset.Candidate{c}, nil
}
