// Package source reads datasets as lazy, finite sequences of raw units.
//
// Readers are chunked: Next returns up to n units per call and io.EOF once the
// input is exhausted. Calling Open again restarts the sequence from the
// beginning.
package source

import (
	"context"
	"fmt"

	"github.com/mlingest/mlingest/pkg/dataset"
)

// Format selects the reader and processor variant.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatImage Format = "image"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCSV, FormatJSON, FormatImage:
		return f, nil
	}
	return "", fmt.Errorf("unsupported source format %q", s)
}

// Reader produces raw units from one source.
type Reader interface {
	// Open acquires the underlying file handles and positions the reader at
	// the first unit.
	Open(ctx context.Context) error

	// Next returns up to n units. It returns io.EOF, with no units, when the
	// source is exhausted.
	Next(ctx context.Context, n int) ([]dataset.RawUnit, error)

	// Close releases any resources held by the reader. It is safe to call
	// more than once.
	Close() error
}

// CSVOptions tunes the tabular reader.
type CSVOptions struct {
	Delimiter        rune
	Comment          rune
	LazyQuotes       bool
	TrimLeadingSpace bool
}

// Options carries the format-specific settings for New.
type Options struct {
	CSV CSVOptions
	// AnnotationsDir holds Pascal-VOC XML files for image sources. Defaults to
	// an "annotations" directory next to the images directory.
	AnnotationsDir string
	// ImageExtensions restricts which files count as images.
	ImageExtensions []string
}

// New returns the reader for format.
func New(format Format, path string, opts Options) (Reader, error) {
	switch format {
	case FormatCSV:
		return NewCSVReader(path, opts.CSV), nil
	case FormatJSON:
		return NewJSONReader(path), nil
	case FormatImage:
		return NewImageReader(path, opts.AnnotationsDir, opts.ImageExtensions), nil
	}
	return nil, fmt.Errorf("unsupported source format %q", format)
}

func unavailable(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", dataset.ErrSourceUnavailable, path, err)
}
