package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/Laisky/errors/v2"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultLocalModel  = "local-hash-v1"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize = 32
	MaxBatchSize     = 100

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0

	defaultTimeout = 30 * time.Second
)

const (
	jinaEndpoint   = "https://api.jina.ai/v1/embeddings"
	openAIEndpoint = "https://api.openai.com/v1/embeddings"
)

// Options configure a provider. Zero values select provider defaults.
type Options struct {
	Model     string
	Dimension int
	APIKey    string
	// BaseURL replaces the provider endpoint, e.g. for a compatible proxy.
	BaseURL string
	Timeout time.Duration
	Retry   *RetryConfig
}

// HTTPProvider implements Embedder against an OpenAI-compatible
// /v1/embeddings endpoint. Jina and OpenAI share the wire format.
type HTTPProvider struct {
	name       string
	endpoint   string
	apiKey     string
	model      string
	dimension  int
	sendDims   bool
	httpClient *http.Client
	retry      RetryConfig
}

// NewJinaProvider creates a Jina AI embedder.
func NewJinaProvider(opts Options) (*HTTPProvider, error) {
	return newHTTPProvider(ProviderJina, jinaEndpoint, DefaultJinaModel, JinaDimension, opts)
}

// NewOpenAIProvider creates an OpenAI embedder.
func NewOpenAIProvider(opts Options) (*HTTPProvider, error) {
	return newHTTPProvider(ProviderOpenAI, openAIEndpoint, DefaultOpenAIModel, OpenAIDimension, opts)
}

func newHTTPProvider(name, endpoint, model string, dimension int, opts Options) (*HTTPProvider, error) {
	if opts.APIKey == "" {
		return nil, errors.Wrapf(ErrNoAPIKey, "provider %s", name)
	}
	p := &HTTPProvider{
		name:      name,
		endpoint:  endpoint,
		apiKey:    opts.APIKey,
		model:     model,
		dimension: dimension,
		retry:     DefaultRetryConfig(),
	}
	if opts.BaseURL != "" {
		p.endpoint = strings.TrimRight(opts.BaseURL, "/") + "/v1/embeddings"
	}
	if opts.Model != "" {
		p.model = opts.Model
	}
	if opts.Dimension > 0 && opts.Dimension != dimension {
		p.dimension = opts.Dimension
		p.sendDims = true
	}
	if opts.Retry != nil {
		p.retry = *opts.Retry
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p.httpClient = &http.Client{Timeout: timeout}
	return p, nil
}

// GenerateEmbedding implements Embedder.
func (p *HTTPProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

// GenerateBatch implements Embedder.
func (p *HTTPProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	if len(req.Texts) > MaxBatchSize {
		return nil, errors.Wrapf(ErrBatchTooLarge, "%d texts, max %d", len(req.Texts), MaxBatchSize)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	embeddings, err := retryWithBackoff(ctx, p.retry, func() ([]*Embedding, error) {
		return p.callAPI(ctx, req.Texts, model)
	})
	if err != nil {
		return nil, errors.Wrapf(ErrProviderFailed, "%s: %v", p.name, err)
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   p.name,
		Model:      model,
	}, nil
}

type embeddingsRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func (p *HTTPProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	payload := embeddingsRequest{Input: texts, Model: model}
	if p.sendDims {
		payload.Dimensions = p.dimension
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, permanent(errors.Wrap(err, "marshal request"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(errors.Wrap(err, "create request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "api call")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := errors.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
		// 4xx other than 429 is not retried
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, permanent(err)
		}
		return nil, err
	}

	var apiResp embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	if len(apiResp.Data) != len(texts) {
		return nil, permanent(errors.Errorf("got %d embeddings for %d texts", len(apiResp.Data), len(texts)))
	}

	sort.Slice(apiResp.Data, func(i, j int) bool { return apiResp.Data[i].Index < apiResp.Data[j].Index })
	if apiResp.Model != "" {
		model = apiResp.Model
	}
	embeddings := make([]*Embedding, len(apiResp.Data))
	for i, data := range apiResp.Data {
		if len(data.Embedding) != p.dimension {
			return nil, permanent(errors.Wrapf(ErrDimensionMismatch, "got %d, want %d", len(data.Embedding), p.dimension))
		}
		embeddings[i] = &Embedding{
			Vector:    data.Embedding,
			Dimension: len(data.Embedding),
			Provider:  p.name,
			Model:     model,
		}
	}
	return embeddings, nil
}

// Dimension implements Embedder.
func (p *HTTPProvider) Dimension() int { return p.dimension }

// Provider implements Embedder.
func (p *HTTPProvider) Provider() string { return p.name }

// Model implements Embedder.
func (p *HTTPProvider) Model() string { return p.model }

// Close implements Embedder.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider embeds offline by hashing words and identifier parts into a
// fixed number of signed buckets. Texts sharing vocabulary land close
// together; it needs no network and is fully deterministic.
type LocalProvider struct {
	model     string
	dimension int
}

// NewLocalProvider creates the offline embedder. dimension <= 0 selects
// LocalDimension.
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{model: DefaultLocalModel, dimension: dimension}
}

// GenerateEmbedding implements Embedder.
func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Embedding{
		Vector:    l.embed(req.Text),
		Dimension: l.dimension,
		Provider:  ProviderLocal,
		Model:     l.model,
	}, nil
}

// GenerateBatch implements Embedder.
func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, errors.Wrapf(err, "embedding text %d", i)
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) embed(text string) []float32 {
	v := make([]float32, l.dimension)
	terms := Terms(text)
	if len(terms) == 0 {
		terms = []string{text}
	}
	for _, term := range terms {
		h := fnv.New64a()
		_, _ = h.Write([]byte(term))
		sum := h.Sum64()
		idx := int(sum % uint64(l.dimension))
		if sum>>63 == 0 {
			v[idx]++
		} else {
			v[idx]--
		}
	}
	return NormalizeVector(v)
}

// Dimension implements Embedder.
func (l *LocalProvider) Dimension() int { return l.dimension }

// Provider implements Embedder.
func (l *LocalProvider) Provider() string { return ProviderLocal }

// Model implements Embedder.
func (l *LocalProvider) Model() string { return l.model }

// Close implements Embedder.
func (l *LocalProvider) Close() error { return nil }

// Terms lower-cases the words of text and splits identifiers on camelCase
// and snake_case boundaries. Whole identifiers are kept alongside their
// parts, so "parseHTTPRequest" yields parsehttprequest, parse, http and
// request.
func Terms(text string) []string {
	var terms []string
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		parts := splitIdentifier(w)
		if len(parts) > 1 {
			terms = append(terms, strings.ToLower(strings.Trim(w, "_")))
		}
		for _, p := range parts {
			terms = append(terms, strings.ToLower(p))
		}
	}
	return terms
}

func splitIdentifier(word string) []string {
	var (
		parts []string
		cur   []rune
	)
	runes := []rune(word)
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, string(cur))
			cur = cur[:0]
		}
	}
	for i, r := range runes {
		switch {
		case r == '_':
			flush()
			continue
		case unicode.IsUpper(r) && len(cur) > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return parts
}

// NormalizeVector returns v scaled to unit length. A zero vector is
// returned unchanged.
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
