package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlingest/mlingest/internal/platform"
	"github.com/mlingest/mlingest/pkg/dataset"
	"github.com/mlingest/mlingest/pkg/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse(map[string]string{
		"name": "VARCHAR(10)",
		"age":  "INT",
	}, schema.Options{Required: []string{"name"}})
	require.NoError(t, err)
	return s
}

func TestCreateTableSQL(t *testing.T) {
	ddl := CreateTableSQL("people", testSchema(t))

	assert.True(t, strings.HasPrefix(ddl, `CREATE TABLE IF NOT EXISTS "people" (`))
	assert.Contains(t, ddl, "data_id TEXT NOT NULL UNIQUE")
	assert.Contains(t, ddl, `"name" VARCHAR(10) NOT NULL`)
	assert.Contains(t, ddl, `"age" BIGINT`)
	assert.NotContains(t, ddl, `"age" BIGINT NOT NULL`)
	// schema columns follow the standard ones in name order
	assert.Less(t, strings.Index(ddl, "ingestor_id"), strings.Index(ddl, `"age"`))
	assert.Less(t, strings.Index(ddl, `"age"`), strings.Index(ddl, `"name"`))
}

func TestUpsertSQL(t *testing.T) {
	q := UpsertSQL("people", testSchema(t))

	assert.Contains(t, q, `INSERT INTO "people" ("data_id", "label", "data_intent", "filename", "extension", "annotation", "ingestor_id", "status", "age", "name")`)
	assert.Contains(t, q, "VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)")
	assert.Contains(t, q, `ON CONFLICT ("data_id") DO UPDATE SET`)
	assert.Contains(t, q, `"name" = EXCLUDED."name"`)
	assert.Contains(t, q, `"updated_at" = now()`)
	assert.NotContains(t, q, `"ingestor_id" = EXCLUDED`)
	assert.NotContains(t, q, `"data_id" = EXCLUDED`)
}

func TestRowArgs(t *testing.T) {
	rec := dataset.Record{
		UniqueID: "p1",
		Intent:   dataset.IntentTrain,
		Fields:   map[string]any{"name": "alice"},
	}
	args := rowArgs(rec, "run-1", testSchema(t))

	require.Len(t, args, 10)
	assert.Equal(t, "p1", args[0])
	assert.Nil(t, args[1], "empty label is NULL")
	assert.Equal(t, "train", args[2])
	assert.Equal(t, "run-1", args[6])
	assert.Equal(t, RecordStatus, args[7])
	assert.Nil(t, args[8], "absent age is NULL")
	assert.Equal(t, "alice", args[9])
}

func TestIsRowError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation (pq)", &pq.Error{Code: "23505"}, true},
		{"value too long (pq)", &pq.Error{Code: "22001"}, true},
		{"not null (pgx)", &pgconn.PgError{Code: "23502"}, true},
		{"wrapped row error", fmt.Errorf("insert: %w", &pq.Error{Code: "22P02"}), true},
		{"connection failure (pq)", &pq.Error{Code: "08006"}, false},
		{"admin shutdown (pgx)", &pgconn.PgError{Code: "57P01"}, false},
		{"deadlock", &pq.Error{Code: "40P01"}, false},
		{"bad conn", driver.ErrBadConn, false},
		{"deadline", context.DeadlineExceeded, false},
		{"unknown", errors.New("broken pipe"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRowError(tt.err))
		})
	}
}

func TestWriteBatchRequiresEnsureTable(t *testing.T) {
	p := New(nil)
	_, err := p.WriteBatch(context.Background(), "people", dataset.Batch{Seq: 1})
	assert.ErrorContains(t, err, "EnsureTable")
}

// TestPostgresLive runs against a real database when MLINGEST_TEST_DATABASE_URL
// is set.
func TestPostgresLive(t *testing.T) {
	url := os.Getenv("MLINGEST_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MLINGEST_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	for _, driverName := range []string{"postgres", "pgx"} {
		t.Run(driverName, func(t *testing.T) {
			p, err := Open(ctx, driverName, url, 2)
			require.NoError(t, err)
			defer p.Close()

			require.NoError(t, platform.AutoMigrate(p.DB()))

			table := "mlingest_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
			defer p.DB().ExecContext(ctx, "DROP TABLE IF EXISTS "+pq.QuoteIdentifier(table))

			s := testSchema(t)
			require.NoError(t, p.EnsureTable(ctx, table, s))
			require.NoError(t, p.EnsureTable(ctx, table, s), "EnsureTable is idempotent")

			runID := uuid.NewString()
			require.NoError(t, p.StartRun(ctx, runID, table, "people.csv", dataset.IntentTrain))

			batch := dataset.Batch{Seq: 1, IngestorID: runID, Records: []dataset.Record{
				{UniqueID: "1", Intent: dataset.IntentTrain, Fields: map[string]any{"name": "alice", "age": int64(30)}},
				{UniqueID: "2", Intent: dataset.IntentTrain, Fields: map[string]any{"name": nil}},
				{UniqueID: "3", Intent: dataset.IntentTrain, Fields: map[string]any{"name": "carol"}},
			}}
			results, err := p.WriteBatch(ctx, table, batch)
			require.NoError(t, err)
			require.Len(t, results, 3)
			assert.NoError(t, results[0].Err)
			assert.Equal(t, dataset.KindRowPersistence, dataset.KindOf(results[1].Err))
			assert.NoError(t, results[2].Err)

			n, err := p.Count(ctx, table)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			// writing the same batch again replaces rows instead of duplicating them
			_, err = p.WriteBatch(ctx, table, batch)
			require.NoError(t, err)
			n, err = p.Count(ctx, table)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			failures := []dataset.FailedRecord{{Seq: 1, Origin: "people.csv:3", UniqueID: "2", Err: results[1].Err}}
			require.NoError(t, p.RecordFailures(ctx, runID, failures))
			require.NoError(t, p.FinishRun(ctx, runID, StatusCompleted, dataset.RunStats{Units: 3, Persisted: 2, Failed: 1}, nil))
		})
	}
}
