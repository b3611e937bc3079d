package ingestion

import (
	"sort"
	"time"

	"github.com/mlingest/mlingest/pkg/dataset"
)

// summaryBuilder collects the persisted records of a run.
type summaryBuilder struct {
	refs       []dataset.RecordRef
	labels     map[string]struct{}
	examples   []map[string]any
	sampleSize int
}

func newSummaryBuilder(sampleSize int) *summaryBuilder {
	return &summaryBuilder{labels: make(map[string]struct{}), sampleSize: sampleSize}
}

func (b *summaryBuilder) add(r dataset.Record) {
	b.refs = append(b.refs, dataset.RecordRef{DataID: r.UniqueID, Label: r.Label, Intent: r.Intent})
	if r.Label != "" {
		b.labels[r.Label] = struct{}{}
	}
	if len(b.examples) < b.sampleSize {
		b.examples = append(b.examples, example(r))
	}
}

func example(r dataset.Record) map[string]any {
	ex := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		switch tv := v.(type) {
		case time.Time:
			ex[k] = tv.Format(time.RFC3339)
		case []byte:
			ex[k] = len(tv)
		default:
			ex[k] = v
		}
	}
	ex["data_id"] = r.UniqueID
	ex["data_intent"] = string(r.Intent)
	if r.Label != "" {
		ex["label"] = r.Label
	}
	if r.Filename != "" {
		ex["filename"] = r.Filename
	}
	return ex
}

// build returns the summary. Ids, records and labels are sorted; examples
// keep persistence order.
func (b *summaryBuilder) build(base dataset.DatasetSummary) dataset.DatasetSummary {
	s := base
	s.Records = append([]dataset.RecordRef{}, b.refs...)
	sort.Slice(s.Records, func(i, j int) bool { return s.Records[i].DataID < s.Records[j].DataID })
	s.UniqueIDs = make([]string, len(s.Records))
	for i, ref := range s.Records {
		s.UniqueIDs[i] = ref.DataID
	}

	s.Labels = make([]string, 0, len(b.labels))
	for l := range b.labels {
		s.Labels = append(s.Labels, l)
	}
	sort.Strings(s.Labels)

	s.Examples = append([]map[string]any{}, b.examples...)
	return s
}
