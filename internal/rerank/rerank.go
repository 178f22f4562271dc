// Package rerank scores (query, candidate) pairs with a cross-encoder served
// over HTTP. The wire format is the /v1/rerank shape shared by Jina and
// Cohere.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dshills/kbretrieval/internal/retry"
)

// ErrRerankFailed wraps every scoring failure
var ErrRerankFailed = errors.New("rerank failed")

const (
	DefaultBaseURL = "https://api.jina.ai"
	DefaultModel   = "jina-reranker-v2-base-multilingual"
	DefaultTimeout = 10 * time.Second
)

// Reranker scores each candidate against the query, higher is more relevant.
// The returned slice is aligned with candidates.
type Reranker interface {
	Score(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// Config configures the HTTP reranker
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Retry   retry.Policy
}

// HTTPReranker calls a remote cross-encoder
type HTTPReranker struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	retry      retry.Policy
}

// New creates an HTTP reranker
func New(cfg Config) *HTTPReranker {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &HTTPReranker{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry: cfg.Retry,
	}
}

func (r *HTTPReranker) Score(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if len(candidates) == 0 {
		return []float64{}, nil
	}
	scores, err := retry.Do(ctx, r.retry, func(ctx context.Context) ([]float64, error) {
		return r.call(ctx, query, candidates)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRerankFailed, err)
	}
	return scores, nil
}

func (r *HTTPReranker) call(ctx context.Context, query string, candidates []string) ([]float64, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":     r.model,
		"query":     query,
		"documents": candidates,
		"top_n":     len(candidates),
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &retry.StatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var apiResp struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}

	scores := make([]float64, len(candidates))
	seen := make([]bool, len(candidates))
	for _, res := range apiResp.Results {
		if res.Index < 0 || res.Index >= len(candidates) || seen[res.Index] {
			return nil, retry.Permanent(fmt.Errorf("invalid result index %d", res.Index))
		}
		seen[res.Index] = true
		scores[res.Index] = res.RelevanceScore
	}
	if len(apiResp.Results) != len(candidates) {
		return nil, retry.Permanent(fmt.Errorf("expected %d scores, got %d", len(candidates), len(apiResp.Results)))
	}
	return scores, nil
}

// Close releases idle connections
func (r *HTTPReranker) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}
