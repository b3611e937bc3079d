package schema

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mlingest/mlingest/pkg/dataset"
)

var dateLayouts = []string{"2006-01-02", "01/02/2006", "2006/01/02"}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

// Validate type-checks a candidate and converts it into a Record.
//
// Checks run in a fixed order so the reported error is deterministic:
// unique id, label, intent, required columns, then each present value in
// column-name order. Values longer than a VARCHAR length are rejected, never
// truncated. Empty optional values become NULL.
func (s *Schema) Validate(c dataset.Candidate, defaultIntent dataset.Intent) (dataset.Record, error) {
	id := strings.TrimSpace(c.UniqueID)
	if id == "" {
		return dataset.Record{}, &dataset.MissingFieldError{Column: nonEmpty(s.opts.IDColumn, "data_id")}
	}

	label := strings.TrimSpace(c.Label)
	if s.opts.LabelColumn != "" && label == "" {
		return dataset.Record{}, &dataset.MissingFieldError{Column: s.opts.LabelColumn}
	}

	intent := defaultIntent
	if raw := strings.TrimSpace(c.Intent); raw != "" {
		parsed, err := dataset.ParseIntent(raw)
		if err != nil {
			return dataset.Record{}, &dataset.TypeMismatchError{
				Column: nonEmpty(s.opts.IntentColumn, "data_intent"),
				Type:   "intent",
				Value:  raw,
				Reason: "expected train or test",
			}
		}
		intent = parsed
	}

	for _, col := range s.columns {
		if col.Required && strings.TrimSpace(c.Fields[col.Name]) == "" {
			return dataset.Record{}, &dataset.MissingFieldError{Column: col.Name}
		}
	}

	fields := make(map[string]any, len(c.Fields))
	for _, col := range s.columns {
		raw, ok := c.Fields[col.Name]
		if !ok {
			continue
		}
		v, err := convert(col, raw)
		if err != nil {
			return dataset.Record{}, err
		}
		fields[col.Name] = v
	}

	return dataset.Record{
		Seq:        c.Seq,
		Origin:     c.Origin,
		UniqueID:   id,
		Label:      label,
		Intent:     intent,
		Annotation: c.Annotation,
		Filename:   c.Filename,
		Extension:  c.Extension,
		Fields:     fields,
	}, nil
}

func convert(col Column, raw string) (any, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil, nil
	}
	mismatch := func(reason string) error {
		return &dataset.TypeMismatchError{Column: col.Name, Type: col.Declared, Value: raw, Reason: reason}
	}

	switch col.Kind {
	case KindString:
		if col.Length > 0 && utf8.RuneCountInString(v) > col.Length {
			return nil, mismatch("exceeds length " + strconv.Itoa(col.Length))
		}
		return v, nil
	case KindText:
		return v, nil
	case KindInt:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			// Accept integral floats such as "30.0" emitted by JSON encoders.
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil || f != float64(int64(f)) {
				return nil, mismatch("")
			}
			n = int64(f)
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, mismatch("")
		}
		return f, nil
	case KindBool:
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			switch strings.ToLower(v) {
			case "yes", "y":
				return true, nil
			case "no", "n":
				return false, nil
			}
			return nil, mismatch("")
		}
		return b, nil
	case KindDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return nil, mismatch("")
	case KindDateTime:
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return nil, mismatch("")
	case KindBlob:
		return []byte(raw), nil
	}
	return nil, mismatch("unknown column kind")
}

func nonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
