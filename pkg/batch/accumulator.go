// Package batch groups validated records into fixed-size batches and rejects
// unique ids already seen in the run.
package batch

import (
	"sync"

	"github.com/mlingest/mlingest/pkg/dataset"
)

// Accumulator buffers records until a batch is full. It is safe for
// concurrent use; the first Add of a unique id wins.
type Accumulator struct {
	mu      sync.Mutex
	size    int
	seen    map[string]struct{}
	pending []dataset.Record
	seq     int
}

// NewAccumulator creates an accumulator emitting batches of size records.
// Sizes below one are treated as one.
func NewAccumulator(size int) *Accumulator {
	if size < 1 {
		size = 1
	}
	return &Accumulator{
		size:    size,
		seen:    make(map[string]struct{}),
		pending: make([]dataset.Record, 0, size),
	}
}

// Add buffers r. It returns a full batch when r completes one, and a
// DuplicateRecordError when r's unique id was already added.
func (a *Accumulator) Add(r dataset.Record) (*dataset.Batch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.seen[r.UniqueID]; dup {
		return nil, &dataset.DuplicateRecordError{UniqueID: r.UniqueID}
	}
	a.seen[r.UniqueID] = struct{}{}
	a.pending = append(a.pending, r)

	if len(a.pending) < a.size {
		return nil, nil
	}
	return a.take(), nil
}

// Flush returns the buffered records as a final, possibly short, batch. It
// returns nil when nothing is buffered.
func (a *Accumulator) Flush() *dataset.Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil
	}
	return a.take()
}

func (a *Accumulator) take() *dataset.Batch {
	a.seq++
	b := &dataset.Batch{Seq: a.seq, Records: a.pending}
	a.pending = make([]dataset.Record, 0, a.size)
	return b
}

// Contains reports whether id was already added.
func (a *Accumulator) Contains(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.seen[id]
	return ok
}

// Seen returns the number of distinct unique ids accepted so far.
func (a *Accumulator) Seen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

// Size returns the configured batch size.
func (a *Accumulator) Size() int { return a.size }
