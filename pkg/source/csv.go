package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mlingest/mlingest/pkg/dataset"
)

// CSVReader reads a delimited file whose first row holds the column names.
type CSVReader struct {
	path    string
	opts    CSVOptions
	file    *os.File
	reader  *csv.Reader
	headers []string
	seq     int
}

// NewCSVReader creates a reader for the file at path.
func NewCSVReader(path string, opts CSVOptions) *CSVReader {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	return &CSVReader{path: path, opts: opts}
}

func (r *CSVReader) Open(ctx context.Context) error {
	if err := r.Close(); err != nil {
		return err
	}

	f, err := os.Open(r.path)
	if err != nil {
		return unavailable(r.path, err)
	}

	cr := csv.NewReader(f)
	cr.Comma = r.opts.Delimiter
	cr.Comment = r.opts.Comment
	cr.LazyQuotes = r.opts.LazyQuotes
	cr.TrimLeadingSpace = r.opts.TrimLeadingSpace
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	headers, err := cr.Read()
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return unavailable(r.path, errors.New("file is empty, expected a header row"))
		}
		return unavailable(r.path, fmt.Errorf("reading header: %w", err))
	}
	for i, h := range headers {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		headers[i] = h
	}

	r.file = f
	r.reader = cr
	r.headers = headers
	r.seq = 0
	return nil
}

func (r *CSVReader) Next(ctx context.Context, n int) ([]dataset.RawUnit, error) {
	if r.reader == nil {
		return nil, fmt.Errorf("csv reader %s is not open", r.path)
	}

	units := make([]dataset.RawUnit, 0, n)
	name := filepath.Base(r.path)
	for len(units) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		row, err := r.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		unit := dataset.RawUnit{Seq: r.seq}
		r.seq++

		var perr *csv.ParseError
		switch {
		case errors.As(err, &perr):
			unit.Origin = fmt.Sprintf("%s:%d", name, perr.StartLine)
			unit.Err = &dataset.MalformedRowError{Err: perr}
		case err != nil:
			return nil, unavailable(r.path, err)
		default:
			line, _ := r.reader.FieldPos(0)
			unit.Origin = fmt.Sprintf("%s:%d", name, line)
			unit.Fields = make(map[string]string, len(r.headers))
			for i, h := range r.headers {
				if i < len(row) {
					unit.Fields[h] = row[i]
				}
			}
		}
		units = append(units, unit)
	}

	if len(units) == 0 {
		return nil, io.EOF
	}
	return units, nil
}

func (r *CSVReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.reader = nil
	return err
}
