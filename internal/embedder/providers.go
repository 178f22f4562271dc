package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/dshills/kbretrieval/internal/retry"
	"github.com/dshills/kbretrieval/internal/vecmath"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"

	// Default endpoints
	DefaultJinaBaseURL   = "https://api.jina.ai"
	DefaultOpenAIBaseURL = "https://api.openai.com"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	LocalDimension  = 384

	// Batch limits
	MaxBatchSize = 100

	// Requests per second when no limit is configured
	DefaultRatePerSecond = 10.0

	DefaultHTTPTimeout = 30 * time.Second
)

// ProviderOptions configures a remote embedding API
type ProviderOptions struct {
	APIKey        string
	BaseURL       string
	Model         string
	Dimension     int // Native dimension; provider default when zero
	BatchSize     int
	RatePerSecond float64
	Timeout       time.Duration
	Retry         retry.Policy
}

// apiClient is the HTTP plumbing shared by the remote providers
type apiClient struct {
	apiKey     string
	baseURL    string
	model      string
	dimension  int
	batchSize  int
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      retry.Policy
}

func newAPIClient(opts ProviderOptions, defaultURL, defaultModel string, defaultDim int) *apiClient {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultURL
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Dimension <= 0 {
		opts.Dimension = defaultDim
	}
	if opts.BatchSize <= 0 || opts.BatchSize > MaxBatchSize {
		opts.BatchSize = MaxBatchSize
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = DefaultRatePerSecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHTTPTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &apiClient{
		apiKey:    opts.APIKey,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		model:     opts.Model,
		dimension: opts.Dimension,
		batchSize: opts.BatchSize,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		retry:   opts.Retry,
	}
}

// embedBatches splits texts into API-sized batches and posts each one
func (c *apiClient) embedBatches(ctx context.Context, texts []string, body func(batch []string) map[string]interface{}) ([][]float32, error) {
	if err := ValidateTexts(texts); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", ErrProviderFailed, err)
		}
		vectors, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([][]float32, error) {
			return c.post(ctx, body(batch), len(batch))
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *apiClient) post(ctx context.Context, reqBody map[string]interface{}, want int) ([][]float32, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
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
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if len(apiResp.Data) != want {
		return nil, retry.Permanent(fmt.Errorf("expected %d embeddings, got %d", want, len(apiResp.Data)))
	}

	sort.SliceStable(apiResp.Data, func(i, j int) bool {
		return apiResp.Data[i].Index < apiResp.Data[j].Index
	})
	vectors := make([][]float32, len(apiResp.Data))
	for i, data := range apiResp.Data {
		vectors[i] = data.Embedding
	}
	return vectors, nil
}

func (c *apiClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// JinaProvider implements Embedder using the Jina AI API. The usage tag is
// forwarded as Jina's retrieval task so queries and passages are encoded by
// the matching adapter.
type JinaProvider struct {
	*apiClient
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(opts ProviderOptions) (*JinaProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: jina api key not set", ErrNoProviderEnabled)
	}
	return &JinaProvider{apiClient: newAPIClient(opts, DefaultJinaBaseURL, DefaultJinaModel, JinaDimension)}, nil
}

func (j *JinaProvider) Embed(ctx context.Context, texts []string, usage Usage) ([][]float32, error) {
	task := "retrieval.passage"
	if usage == UsageQuery {
		task = "retrieval.query"
	}
	return j.embedBatches(ctx, texts, func(batch []string) map[string]interface{} {
		return map[string]interface{}{
			"input":      batch,
			"model":      j.model,
			"task":       task,
			"dimensions": j.dimension,
		}
	})
}

func (j *JinaProvider) Dimension() int   { return j.dimension }
func (j *JinaProvider) Provider() string { return ProviderJina }
func (j *JinaProvider) Model() string    { return j.model }

// OpenAIProvider implements Embedder against any OpenAI-compatible
// /v1/embeddings endpoint, including self-hosted e5/bge gateways.
type OpenAIProvider struct {
	*apiClient
}

// NewOpenAIProvider creates a new OpenAI embedder. The key may be empty
// when BaseURL points at a gateway that does not authenticate.
func NewOpenAIProvider(opts ProviderOptions) (*OpenAIProvider, error) {
	if opts.APIKey == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: openai api key not set", ErrNoProviderEnabled)
	}
	return &OpenAIProvider{apiClient: newAPIClient(opts, DefaultOpenAIBaseURL, DefaultOpenAIModel, OpenAIDimension)}, nil
}

func (o *OpenAIProvider) Embed(ctx context.Context, texts []string, _ Usage) ([][]float32, error) {
	return o.embedBatches(ctx, texts, func(batch []string) map[string]interface{} {
		return map[string]interface{}{
			"input": batch,
			"model": o.model,
		}
	})
}

func (o *OpenAIProvider) Dimension() int   { return o.dimension }
func (o *OpenAIProvider) Provider() string { return ProviderOpenAI }
func (o *OpenAIProvider) Model() string    { return o.model }

// LocalProvider derives deterministic unit vectors from a text hash. It has
// no semantic quality and exists for offline runs and tests.
type LocalProvider struct {
	model     string
	dimension int
}

// NewLocalProvider creates a local embedder of the given dimension
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{model: "local-hash", dimension: dimension}
}

func (l *LocalProvider) Embed(ctx context.Context, texts []string, _ Usage) ([][]float32, error) {
	if err := ValidateTexts(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.vector(text)
	}
	return out, nil
}

func (l *LocalProvider) vector(text string) []float32 {
	v := make([]float32, l.dimension)
	seed := sha256.Sum256([]byte(text))
	var block [32]byte
	var counter [8]byte
	for i := range v {
		if i%32 == 0 {
			binary.LittleEndian.PutUint64(counter[:], uint64(i/32))
			block = sha256.Sum256(append(seed[:], counter[:]...))
		}
		v[i] = float32(block[i%32])/127.5 - 1
	}
	return vecmath.Normalize(v)
}

func (l *LocalProvider) Dimension() int   { return l.dimension }
func (l *LocalProvider) Provider() string { return ProviderLocal }
func (l *LocalProvider) Model() string    { return l.model }
func (l *LocalProvider) Close() error     { return nil }
