// Package reporter sends the dataset summary of a finished run to the
// metadata API.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mlingest/mlingest/internal/retry"
	"github.com/mlingest/mlingest/pkg/dataset"
)

// idsPerRequest bounds how many record ids are sent in one request.
const idsPerRequest = 500

// Config configures the HTTP reporter.
type Config struct {
	Endpoint   string
	Username   string
	Password   string
	Timeout    time.Duration
	RetryCount int
	// RateLimit is the maximum number of requests per second.
	RateLimit float64
	// BaseDelay is the first retry delay; it doubles on each retry.
	BaseDelay time.Duration
	Transport http.RoundTripper
}

// HTTPReporter publishes summaries with token authentication.
type HTTPReporter struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

// Option configures an HTTPReporter.
type Option func(*HTTPReporter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *HTTPReporter) {
		r.logger = logger
	}
}

// NewHTTPReporter creates a reporter for the API at cfg.Endpoint.
func NewHTTPReporter(cfg Config, opts ...Option) (*HTTPReporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("reporter endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("reporter endpoint: %w", err)
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}

	r := &HTTPReporter{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reporter")
	return r, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("metadata API error %d: %s", e.code, e.body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Report publishes the summary: the schema and dataset metadata, the record
// ids in chunks, the label and preparation triggers, then the dataset entry
// itself. It fails on the first request that exhausts its retries.
func (r *HTTPReporter) Report(ctx context.Context, s dataset.DatasetSummary) error {
	if err := r.report(ctx, s); err != nil {
		return fmt.Errorf("%w: %v", dataset.ErrMetadataReport, err)
	}
	return nil
}

func (r *HTTPReporter) report(ctx context.Context, s dataset.DatasetSummary) error {
	meta := map[string]any{
		"table_name": s.DatasetID,
		"schema":     s.Schema,
		"meta_data": map[string]any{
			"title":        s.Title,
			"category":     s.Category,
			"organisation": s.Organisation,
			"ingestor_id":  s.IngestorID,
			"labels":       s.Labels,
			"examples":     s.Examples,
			"record_count": len(s.UniqueIDs),
		},
	}
	if err := r.send(ctx, http.MethodPost, "/global_meta/global_metadata/", nil, meta); err != nil {
		return fmt.Errorf("send global metadata: %w", err)
	}

	refs := recordRefs(s)
	for start := 0; start < len(refs); start += idsPerRequest {
		end := min(start+idsPerRequest, len(refs))
		rows := make([]map[string]any, 0, end-start)
		for _, ref := range refs[start:end] {
			rows = append(rows, map[string]any{
				"data_id":     ref.DataID,
				"data_intent": ref.Intent,
				"label":       ref.Label,
				"is_sample":   false,
				"injestor_id": s.IngestorID,
			})
		}
		if err := r.send(ctx, http.MethodPost, "/global_meta/"+url.PathEscape(s.DatasetID)+"/", nil, rows); err != nil {
			return fmt.Errorf("send record ids %d-%d: %w", start, end, err)
		}
	}

	q := url.Values{}
	q.Set("table_name", s.DatasetID)
	q.Set("injestor_id", s.IngestorID)
	q.Set("data_intent", string(s.Intent))
	if err := r.send(ctx, http.MethodGet, "/global_meta/generate-edge-labels-meta/", q, nil); err != nil {
		return fmt.Errorf("generate label metadata: %w", err)
	}

	if s.Category != "" {
		q := url.Values{}
		q.Set("category", string(s.Category))
		q.Set("injestor_id", s.IngestorID)
		q.Set("data_format", s.Format)
		q.Set("data_intent", string(s.Intent))
		if err := r.send(ctx, http.MethodGet, "/global_meta/prepare/", q, nil); err != nil {
			return fmt.Errorf("prepare dataset: %w", err)
		}

		title := s.Title
		if title == "" {
			title = string(s.Category) + "_" + s.IngestorID
		}
		body := map[string]any{
			"title":                      title,
			"allow_feature_modification": s.Category == dataset.CategoryTabularClassification,
		}
		if err := r.send(ctx, http.MethodPost, "/dataset/", nil, body); err != nil {
			return fmt.Errorf("create dataset: %w", err)
		}
	}

	r.logger.Info("metadata reported", "dataset", s.DatasetID, "records", len(s.UniqueIDs), "labels", len(s.Labels))
	return nil
}

// recordRefs returns the per-record rows of s. Summaries built without
// records fall back to the ids with the run intent.
func recordRefs(s dataset.DatasetSummary) []dataset.RecordRef {
	if len(s.Records) > 0 {
		return s.Records
	}
	refs := make([]dataset.RecordRef, len(s.UniqueIDs))
	for i, id := range s.UniqueIDs {
		refs[i] = dataset.RecordRef{DataID: id, Intent: s.Intent}
	}
	return refs
}

// send performs one authenticated request with rate limiting and retries.
func (r *HTTPReporter) send(ctx context.Context, method, path string, query url.Values, body any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	policy := retry.Policy{Attempts: r.cfg.RetryCount, BaseDelay: r.cfg.BaseDelay}
	_, err := retry.Do(ctx, policy, r.logger, func(ctx context.Context) error {
		token, err := r.authenticate(ctx)
		if err != nil {
			return err
		}

		err = r.do(ctx, method, path, query, payload, token)
		var se *statusError
		if errors.As(err, &se) {
			if se.code == http.StatusUnauthorized {
				// force a fresh token on the next attempt
				r.setToken("")
				return err
			}
			if !retryable(se.code) {
				return retry.Permanent(err)
			}
		}
		return err
	})
	return err
}

func (r *HTTPReporter) do(ctx context.Context, method, path string, query url.Values, payload []byte, token string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := r.cfg.Endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "TOKEN "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// authenticate exchanges the configured credentials for an API token. The
// token is cached until the API rejects it.
func (r *HTTPReporter) authenticate(ctx context.Context) (string, error) {
	r.mu.Lock()
	token := r.token
	r.mu.Unlock()
	if token != "" || r.cfg.Username == "" {
		return token, nil
	}

	creds, err := json.Marshal(map[string]string{
		"username": r.cfg.Username,
		"password": r.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+"/api-token-auth/", bytes.NewReader(creds))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := &statusError{code: resp.StatusCode, body: string(respBody)}
		if retryable(resp.StatusCode) {
			return "", err
		}
		return "", retry.Permanent(fmt.Errorf("authentication failed: %w", err))
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if result.Token == "" {
		return "", retry.Permanent(errors.New("authentication response has no token"))
	}

	r.setToken(result.Token)
	return result.Token, nil
}

func (r *HTTPReporter) setToken(token string) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}
