package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/Laisky/errors/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Common errors
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrProviderFailed      = errors.New("embedding provider failed")
	ErrUnsupportedProvider = errors.New("unsupported embedding provider")
	ErrEmptyText           = errors.New("text cannot be empty")
	ErrBatchTooLarge       = errors.New("batch size exceeds limit")
	ErrNoAPIKey            = errors.New("embedding api key not configured")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
)

// Embedding represents a vector embedding with metadata
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
}

// EmbeddingRequest represents a request to generate embeddings
type EmbeddingRequest struct {
	Text  string
	Model string // Optional: override default model
}

// BatchEmbeddingRequest represents a batch request
type BatchEmbeddingRequest struct {
	Texts []string
	Model string // Optional: override default model
}

// BatchEmbeddingResponse holds one embedding per input text, in input order.
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder interface defines methods for generating embeddings
type Embedder interface {
	// GenerateEmbedding generates a single embedding for the given text
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)

	// GenerateBatch generates embeddings for multiple texts efficiently
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	// Dimension returns the embedding dimension for this provider
	Dimension() int

	// Provider returns the provider name
	Provider() string

	// Model returns the model name
	Model() string

	// Close releases any resources held by the embedder
	Close() error
}

// Cache is a bounded, recency-ordered map from keys to vectors. One mutex
// guards every access. A nil *Cache is valid and never hits.
type Cache struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, []float32]
}

// NewCache creates a cache holding up to size vectors. size <= 0 disables
// caching and returns nil.
func NewCache(size int) *Cache {
	if size <= 0 {
		return nil
	}
	lru, err := simplelru.NewLRU[string, []float32](size, nil)
	if err != nil {
		return nil
	}
	return &Cache{lru: lru}
}

// Get returns a copy of the cached vector.
func (c *Cache) Get(key string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	v, ok := c.lru.Get(key)
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Set stores a copy of v, evicting the least recently used entry when full.
func (c *Cache) Set(key string, v []float32) {
	if c == nil {
		return
	}
	stored := make([]float32, len(v))
	copy(stored, v)
	c.mu.Lock()
	c.lru.Add(key, stored)
	c.mu.Unlock()
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// ComputeHash returns the hex SHA-256 of text.
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ValidateRequest validates an embedding request
func ValidateRequest(req EmbeddingRequest) error {
	if req.Text == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateBatchRequest validates a batch embedding request
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return errors.Wrap(ErrInvalidInput, "no texts provided")
	}

	for i, text := range req.Texts {
		if text == "" {
			return errors.Wrapf(ErrInvalidInput, "text at index %d is empty", i)
		}
	}

	return nil
}
