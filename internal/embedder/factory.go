package embedder

import (
	"fmt"
	"strings"
	"time"
)

// Config holds embedder configuration
type Config struct {
	Provider      string
	APIKey        string
	BaseURL       string
	Model         string
	Dimension     int
	BatchSize     int
	RatePerSecond float64
	Timeout       time.Duration
}

// New creates an embedder with explicit configuration
func New(cfg Config) (Embedder, error) {
	opts := ProviderOptions{
		APIKey:        cfg.APIKey,
		BaseURL:       cfg.BaseURL,
		Model:         cfg.Model,
		Dimension:     cfg.Dimension,
		BatchSize:     cfg.BatchSize,
		RatePerSecond: cfg.RatePerSecond,
		Timeout:       cfg.Timeout,
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderJina:
		return NewJinaProvider(opts)
	case ProviderOpenAI:
		return NewOpenAIProvider(opts)
	case ProviderLocal, "":
		return NewLocalProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}
}
