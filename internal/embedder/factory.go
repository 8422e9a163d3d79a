package embedder

import (
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
)

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	Dimension int
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
}

// New creates the embedder named by cfg.Provider. An empty provider selects
// the local one.
func New(cfg Config) (Embedder, error) {
	opts := Options{
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.Timeout,
	}

	var (
		p   *HTTPProvider
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderJina:
		p, err = NewJinaProvider(opts)
	case ProviderOpenAI:
		p, err = NewOpenAIProvider(opts)
	case ProviderLocal, "":
		return NewLocalProvider(cfg.Dimension), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedProvider, "%q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
