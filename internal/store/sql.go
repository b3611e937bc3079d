package store

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mlingest/mlingest/pkg/dataset"
	"github.com/mlingest/mlingest/pkg/schema"
)

// RecordStatus is written to the status column of every persisted row.
const RecordStatus = "ingested"

// standardInsertColumns are written for every row ahead of the schema columns.
var standardInsertColumns = []string{
	"data_id", "label", "data_intent", "filename", "extension", "annotation", "ingestor_id", "status",
}

// CreateTableSQL returns the DDL for a dataset table: the standard columns
// followed by the schema columns in name order.
func CreateTableSQL(table string, s *schema.Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", pq.QuoteIdentifier(table))
	b.WriteString("    id BIGSERIAL PRIMARY KEY,\n")
	b.WriteString("    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),\n")
	b.WriteString("    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),\n")
	fmt.Fprintf(&b, "    status TEXT NOT NULL DEFAULT '%s',\n", RecordStatus)
	b.WriteString("    label TEXT,\n")
	b.WriteString("    data_intent TEXT NOT NULL,\n")
	b.WriteString("    data_id TEXT NOT NULL UNIQUE,\n")
	b.WriteString("    filename TEXT,\n")
	b.WriteString("    extension TEXT,\n")
	b.WriteString("    annotation TEXT,\n")
	b.WriteString("    ingestor_id TEXT")
	for _, col := range s.Columns() {
		fmt.Fprintf(&b, ",\n    %s %s", pq.QuoteIdentifier(col.Name), col.PostgresType())
		if col.Required {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString("\n)")
	return b.String()
}

// UpsertSQL returns a single-row insert that replaces an existing row with
// the same data_id. created_at and ingestor_id keep the values of the first
// insert.
func UpsertSQL(table string, s *schema.Schema) string {
	cols := insertColumns(s)

	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	var updates []string
	for _, c := range cols {
		if c == "data_id" || c == "ingestor_id" {
			continue
		}
		q := pq.QuoteIdentifier(c)
		updates = append(updates, q+" = EXCLUDED."+q)
	}
	updates = append(updates, `"updated_at" = now()`)

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (\"data_id\") DO UPDATE SET %s",
		pq.QuoteIdentifier(table),
		strings.Join(quoted, ", "),
		strings.Join(params, ", "),
		strings.Join(updates, ", "),
	)
}

func insertColumns(s *schema.Schema) []string {
	cols := append([]string(nil), standardInsertColumns...)
	for _, c := range s.Columns() {
		cols = append(cols, c.Name)
	}
	return cols
}

// rowArgs returns the parameters for UpsertSQL in column order. Undeclared
// or absent schema fields are written as NULL.
func rowArgs(rec dataset.Record, ingestorID string, s *schema.Schema) []any {
	args := []any{
		rec.UniqueID,
		nullable(rec.Label),
		string(rec.Intent),
		nullable(rec.Filename),
		nullable(rec.Extension),
		nullable(rec.Annotation),
		nullable(ingestorID),
		RecordStatus,
	}
	for _, c := range s.Columns() {
		args = append(args, rec.Fields[c.Name])
	}
	return args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
