// Package config handles loading and managing mlingest configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/mlingest/mlingest/pkg/dataset"
	"github.com/mlingest/mlingest/pkg/schema"
	"github.com/mlingest/mlingest/pkg/source"
)

// ErrInvalidConfig is wrapped by every error returned from Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the top-level configuration for mlingest.
type Config struct {
	TableName string `yaml:"table_name"`
	// Env is "local" to run without the metadata API.
	Env         string            `yaml:"env"`
	Dataset     DatasetConfig     `yaml:"dataset"`
	Source      SourceConfig      `yaml:"source"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Image       ImageConfig       `yaml:"image"`
	Database    DatabaseConfig    `yaml:"database"`
	Destination DestinationConfig `yaml:"destination"`
	Reporter    ReporterConfig    `yaml:"reporter"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DatasetConfig describes the dataset being ingested.
type DatasetConfig struct {
	Format       string `yaml:"format"` // csv, json or image
	Category     string `yaml:"category"`
	Title        string `yaml:"title"`
	Organisation string `yaml:"organisation"`
	// Intent is the default intent when --intent is not given.
	Intent           string            `yaml:"intent"`
	UniqueIDColumn   string            `yaml:"unique_id_column"`
	LabelColumn      string            `yaml:"label_column"`
	IntentColumn     string            `yaml:"intent_column"`
	AnnotationColumn string            `yaml:"annotation_column"`
	Schema           map[string]string `yaml:"schema"`
	RequiredColumns  []string          `yaml:"required_columns"`
}

// SourceConfig controls how input files are read.
type SourceConfig struct {
	Path            string    `yaml:"path"`
	AnnotationsDir  string    `yaml:"annotations_dir"`
	ImageExtensions []string  `yaml:"image_extensions"`
	CSV             CSVConfig `yaml:"csv"`
}

// CSVConfig controls CSV parsing.
type CSVConfig struct {
	Delimiter        string `yaml:"delimiter"`
	Comment          string `yaml:"comment"`
	LazyQuotes       bool   `yaml:"lazy_quotes"`
	TrimLeadingSpace bool   `yaml:"trim_leading_space"`
}

// IngestionConfig controls chunking, batching and retries.
type IngestionConfig struct {
	ChunkSize        int `yaml:"chunk_size"`
	BatchSize        int `yaml:"batch_size"`
	Workers          int `yaml:"workers"`
	RetryCount       int `yaml:"retry_count"`
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS  int `yaml:"retry_max_delay_ms"`
	Timeout          int `yaml:"timeout"` // seconds, per batch attempt
	SampleSize       int `yaml:"sample_size"`
}

// ImageConfig controls image resizing.
type ImageConfig struct {
	TargetWidth  int `yaml:"target_width"`
	TargetHeight int `yaml:"target_height"`
	JPEGQuality  int `yaml:"jpeg_quality"`
}

// DatabaseConfig locates the destination database.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres (lib/pq) or pgx
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	// Migrate applies the bookkeeping migrations before each run.
	Migrate bool `yaml:"migrate"`
}

// DestinationConfig selects where processed images are stored.
type DestinationConfig struct {
	Backend   string `yaml:"backend"` // local, s3, gcs or minio
	Path      string `yaml:"path"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ReporterConfig controls the metadata API client.
type ReporterConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Username   string  `yaml:"username"`
	Password   string  `yaml:"password"`
	Timeout    int     `yaml:"timeout"` // seconds
	RetryCount int     `yaml:"retry_count"`
	RateLimit  float64 `yaml:"rate_limit"` // requests per second
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dataset: DatasetConfig{
			Format:         "csv",
			UniqueIDColumn: "data_id",
			Schema:         map[string]string{},
		},
		Source: SourceConfig{
			CSV: CSVConfig{Delimiter: ","},
		},
		Ingestion: IngestionConfig{
			ChunkSize:        1000,
			BatchSize:        100,
			Workers:          1,
			RetryCount:       3,
			RetryBaseDelayMS: 500,
			RetryMaxDelayMS:  10000,
			Timeout:          30,
			SampleSize:       5,
		},
		Image: ImageConfig{
			TargetWidth:  800,
			TargetHeight: 800,
			JPEGQuality:  90,
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 4,
		},
		Destination: DestinationConfig{
			Backend: "local",
		},
		Reporter: ReporterConfig{
			Enabled:    true,
			Timeout:    30,
			RetryCount: 3,
			RateLimit:  5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a config file from the given path.
// If the file does not exist, it returns the default config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides file settings from environment variables. getenv is
// usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	envOrDefault := func(key, defaultVal string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return defaultVal
	}

	c.Database.URL = envOrDefault("DATABASE_URL", c.Database.URL)
	c.TableName = envOrDefault("TABLE_NAME", c.TableName)
	c.Source.Path = envOrDefault("SRC_PATH", c.Source.Path)
	c.Destination.Path = envOrDefault("DEST_PATH", c.Destination.Path)
	c.Env = envOrDefault("CLIENT_ENV", c.Env)
	c.Reporter.Username = envOrDefault("CLIENT_ID", c.Reporter.Username)
	c.Reporter.Password = envOrDefault("CLIENT_PASSWORD", c.Reporter.Password)
	c.Reporter.Endpoint = envOrDefault("API_URL", c.Reporter.Endpoint)
	c.Logging.Level = envOrDefault("LOG_LEVEL", c.Logging.Level)

	if v := getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BATCH_SIZE: %w", err)
		}
		c.Ingestion.BatchSize = n
	}
	return nil
}

// LocalMode reports whether the run should skip the metadata API.
func (c *Config) LocalMode() bool {
	return strings.EqualFold(c.Env, "local") || !c.Reporter.Enabled
}

// SchemaOptions returns the validation options derived from the dataset
// settings.
func (c *Config) SchemaOptions() schema.Options {
	return schema.Options{
		IDColumn:     c.Dataset.UniqueIDColumn,
		LabelColumn:  c.Dataset.LabelColumn,
		IntentColumn: c.Dataset.IntentColumn,
		Required:     c.Dataset.RequiredColumns,
	}
}

// SourceOptions returns the reader options.
func (c *Config) SourceOptions() source.Options {
	return source.Options{
		CSV: source.CSVOptions{
			Delimiter:        firstRune(c.Source.CSV.Delimiter),
			Comment:          firstRune(c.Source.CSV.Comment),
			LazyQuotes:       c.Source.CSV.LazyQuotes,
			TrimLeadingSpace: c.Source.CSV.TrimLeadingSpace,
		},
		AnnotationsDir:  c.Source.AnnotationsDir,
		ImageExtensions: c.Source.ImageExtensions,
	}
}

func firstRune(s string) rune {
	if s == `\t` {
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return 0
	}
	return r
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.TableName == "" {
		add("table_name is required")
	} else if err := schema.ValidateTableName(c.TableName); err != nil {
		add("table_name: %v", err)
	}
	if _, err := source.ParseFormat(c.Dataset.Format); err != nil {
		add("dataset.format: %v", err)
	}
	if c.Dataset.Category != "" && !dataset.Category(c.Dataset.Category).Valid() {
		add("dataset.category: unknown category %q", c.Dataset.Category)
	}
	if c.Dataset.Intent != "" {
		if _, err := dataset.ParseIntent(c.Dataset.Intent); err != nil {
			add("dataset.intent: %v", err)
		}
	}
	if len(c.Dataset.Schema) == 0 {
		add("dataset.schema must declare at least one column")
	} else if _, err := schema.Parse(c.Dataset.Schema, c.SchemaOptions()); err != nil {
		add("dataset.schema: %v", err)
	}
	if utf8.RuneCountInString(c.Source.CSV.Delimiter) > 1 && c.Source.CSV.Delimiter != `\t` {
		add("source.csv.delimiter must be a single character")
	}

	if c.Ingestion.ChunkSize <= 0 {
		add("ingestion.chunk_size must be positive")
	}
	if c.Ingestion.BatchSize <= 0 {
		add("ingestion.batch_size must be positive")
	}
	if c.Ingestion.Workers <= 0 {
		add("ingestion.workers must be positive")
	}
	if c.Ingestion.RetryCount <= 0 {
		add("ingestion.retry_count must be positive")
	}
	if c.Ingestion.Timeout < 0 || c.Ingestion.RetryBaseDelayMS < 0 || c.Ingestion.RetryMaxDelayMS < 0 {
		add("ingestion timeouts and delays must not be negative")
	}

	switch c.Database.Driver {
	case "postgres", "pgx":
	default:
		add("database.driver: unsupported driver %q", c.Database.Driver)
	}
	switch c.Destination.Backend {
	case "local", "s3", "gcs", "minio":
	default:
		add("destination.backend: unsupported backend %q", c.Destination.Backend)
	}
	if !c.LocalMode() && c.Reporter.Endpoint == "" {
		add("reporter.endpoint is required unless running in local mode")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level: unknown level %q", c.Logging.Level)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// FindConfigFile looks for .mlingest/config.yaml in the given directory
// and its parents, returning the path if found, or "" if not.
func FindConfigFile(dir string) string {
	for {
		candidate := filepath.Join(dir, ".mlingest", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
