package ingestion

import (
	"sync"

	"github.com/mlingest/mlingest/pkg/dataset"
)

// FailureLog is an append-only list of failed records, safe for concurrent
// use.
type FailureLog struct {
	mu      sync.Mutex
	records []dataset.FailedRecord
}

// Add appends failures.
func (l *FailureLog) Add(f ...dataset.FailedRecord) {
	l.mu.Lock()
	l.records = append(l.records, f...)
	l.mu.Unlock()
}

// Len returns the number of recorded failures.
func (l *FailureLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a copy of the failures in the order they were added. The
// result is never nil.
func (l *FailureLog) Records() []dataset.FailedRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]dataset.FailedRecord, len(l.records))
	copy(out, l.records)
	return out
}
