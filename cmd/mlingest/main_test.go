package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mlingest/mlingest/pkg/config"
	"github.com/mlingest/mlingest/pkg/dataset"
)

func TestRunCmdFlags(t *testing.T) {
	cmd := newRunCmd()
	f := cmd.Flags()

	batch, _ := f.GetInt("batch-size")
	if batch != 0 {
		t.Errorf("default batch-size = %d, want 0 (use config)", batch)
	}

	for _, flag := range []string{"source", "intent", "config", "batch-size"} {
		if f.Lookup(flag) == nil {
			t.Errorf("missing flag: %s", flag)
		}
	}
}

func TestValidateCmdFlags(t *testing.T) {
	f := newValidateCmd().Flags()
	for _, flag := range []string{"source", "config"} {
		if f.Lookup(flag) == nil {
			t.Errorf("missing flag: %s", flag)
		}
	}
}

func TestMigrateSubcommands(t *testing.T) {
	cmd := newMigrateCmd()
	want := map[string]bool{"up": false, "down": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing migrate subcommand: %s", name)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"a", "b", "c"}, "a"},
		{[]string{"", "b", "c"}, "b"},
		{[]string{"", "", "c"}, "c"},
		{[]string{"", "", ""}, ""},
	}

	for _, tt := range tests {
		got := firstNonEmpty(tt.args...)
		if got != tt.want {
			t.Errorf("firstNonEmpty(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{&exitError{code: 2, err: errors.New("3 records failed")}, 2},
		{fmt.Errorf("wrapped: %w", &exitError{code: 2, err: errors.New("x")}), 2},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected json warn record, got %s", out)
	}
}

const testConfig = `table_name: people
env: local
dataset:
  format: csv
  unique_id_column: person_id
  label_column: outcome
  schema:
    name: VARCHAR(10)
    age: INT
ingestion:
  batch_size: 2
logging:
  level: error
`

func writeTestDataset(t *testing.T, rows string) (configPath, dataPath string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.yaml")
	dataPath = filepath.Join(dir, "people.csv")
	if err := os.WriteFile(configPath, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dataPath, []byte("person_id,name,age,outcome\n"+rows), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath, dataPath
}

func TestValidateCommand(t *testing.T) {
	configPath, dataPath := writeTestDataset(t, "1,alice,30,yes\n2,bob,41,no\n")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"validate", "--config", configPath, "--source", dataPath})

	if err := root.Execute(); err != nil {
		t.Fatalf("validate: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "persisted=2 failed=0") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestValidateCommandReportsFailures(t *testing.T) {
	configPath, dataPath := writeTestDataset(t, "1,alice,30,yes\n1,again,31,no\n2,bob,old,no\n")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"validate", "--config", configPath, "--source", dataPath})

	err := root.Execute()
	if got := exitCode(err); got != 2 {
		t.Fatalf("exit code = %d, want 2 (err %v)", got, err)
	}
	for _, want := range []string{"duplicate_record", "type_mismatch", "people.csv:3", "failed=2"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestValidateCommandMissingSource(t *testing.T) {
	configPath, _ := writeTestDataset(t, "")
	t.Setenv("SRC_PATH", "")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"validate", "--config", configPath})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "--source is required") {
		t.Errorf("expected missing source error, got %v", err)
	}
	if exitCode(err) != 1 {
		t.Errorf("exit code = %d, want 1", exitCode(err))
	}
}

func TestValidateCommandUnreadableSource(t *testing.T) {
	configPath, _ := writeTestDataset(t, "")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"validate", "--config", configPath, "--source", filepath.Join(t.TempDir(), "nope.csv")})

	err := root.Execute()
	if exitCode(err) != 1 {
		t.Errorf("exit code = %d, want 1 (err %v)", exitCode(err), err)
	}
}

func TestOpenStoreGivesUpOnSilentServer(t *testing.T) {
	// accepts connections and never answers the startup message
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}()

	cfg := config.DefaultConfig()
	cfg.Database.Driver = "pgx"
	cfg.Database.URL = fmt.Sprintf("postgres://ingest@%s/people?sslmode=disable", ln.Addr())
	cfg.Ingestion.RetryCount = 2
	cfg.Ingestion.RetryBaseDelayMS = 1
	cfg.Ingestion.Timeout = 1

	start := time.Now()
	db, err := openStore(context.Background(), cfg, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		db.Close()
		t.Fatal("openStore succeeded against a silent server")
	}
	if !errors.Is(err, dataset.ErrDestinationUnavailable) {
		t.Errorf("error = %v, want ErrDestinationUnavailable", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want an attempt timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("openStore took %s", elapsed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(conns) != 2 {
		t.Errorf("connections = %d, want one per attempt (2)", len(conns))
	}
}
