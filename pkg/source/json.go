package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mlingest/mlingest/pkg/dataset"
)

// JSONReader reads either a top-level array of objects or a stream of
// objects (a single object, JSON Lines, or concatenated objects). The layout
// is detected from the first non-whitespace byte.
type JSONReader struct {
	path    string
	file    *os.File
	dec     *json.Decoder
	isArray bool
	done    bool
	seq     int
}

// NewJSONReader creates a reader for the file at path.
func NewJSONReader(path string) *JSONReader {
	return &JSONReader{path: path}
}

func (r *JSONReader) Open(ctx context.Context) error {
	if err := r.Close(); err != nil {
		return err
	}

	f, err := os.Open(r.path)
	if err != nil {
		return unavailable(r.path, err)
	}

	br := bufio.NewReader(f)
	first, err := peekNonSpace(br)
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return unavailable(r.path, errors.New("file is empty"))
		}
		return unavailable(r.path, err)
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	switch first {
	case '[':
		if _, err := dec.Token(); err != nil {
			f.Close()
			return unavailable(r.path, err)
		}
		r.isArray = true
	case '{':
		r.isArray = false
	default:
		f.Close()
		return unavailable(r.path, fmt.Errorf("expected a JSON array or object, found %q", first))
	}

	r.file = f
	r.dec = dec
	r.done = false
	r.seq = 0
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case 0xEF:
			// UTF-8 byte order mark
			if _, err := br.Discard(2); err != nil {
				return 0, err
			}
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

func (r *JSONReader) Next(ctx context.Context, n int) ([]dataset.RawUnit, error) {
	if r.dec == nil {
		return nil, fmt.Errorf("json reader %s is not open", r.path)
	}

	units := make([]dataset.RawUnit, 0, n)
	name := filepath.Base(r.path)
	for len(units) < n && !r.done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if r.isArray && !r.dec.More() {
			// consume the closing bracket
			if _, err := r.dec.Token(); err != nil {
				return nil, unavailable(r.path, err)
			}
			r.done = true
			break
		}

		var raw json.RawMessage
		if err := r.dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) && !r.isArray {
				r.done = true
				break
			}
			// A syntax error leaves the decoder unable to find the next object.
			return nil, unavailable(r.path, fmt.Errorf("object %d: %w", r.seq, err))
		}

		unit := dataset.RawUnit{Seq: r.seq, Origin: name + "#" + strconv.Itoa(r.seq)}
		r.seq++

		fields, err := flatten(raw)
		if err != nil {
			unit.Err = &dataset.MalformedRowError{Err: err}
		} else {
			unit.Fields = fields
		}
		units = append(units, unit)
	}

	if len(units) == 0 {
		return nil, io.EOF
	}
	return units, nil
}

// flatten decodes one JSON object into string values. Nested objects and
// arrays are kept as compact JSON text.
func flatten(raw json.RawMessage) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	if obj == nil {
		return nil, errors.New("expected a JSON object, found null")
	}

	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch tv := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = tv
		case json.Number:
			out[k] = tv.String()
		case bool:
			out[k] = strconv.FormatBool(tv)
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

func (r *JSONReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.dec = nil
	return err
}
