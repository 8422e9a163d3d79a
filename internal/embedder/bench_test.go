package embedder

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func BenchmarkLocalProvider(b *testing.B) {
	p := NewLocalProvider(0)
	text := strings.Repeat("func ParseFile(path string) (*ast.File, error) { return parser.ParseFile(fset, path, nil, 0) }\n", 20)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
	}
}

func BenchmarkCache(b *testing.B) {
	cache := NewCache(10000)
	v := make([]float32, 1024)

	b.Run("set", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			cache.Set(fmt.Sprintf("key-%d", i%1000), v)
		}
	})

	b.Run("get", func(b *testing.B) {
		for i := 0; i < 1000; i++ {
			cache.Set(fmt.Sprintf("key-%d", i), v)
		}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_, _ = cache.Get(fmt.Sprintf("key-%d", i%1000))
		}
	})
}

func BenchmarkBatcher_Cached(b *testing.B) {
	batcher := NewBatcher(NewLocalProvider(0), DefaultBatchSize, NewCache(1000), nil)
	chunks := testChunks("alpha", "beta", "gamma", "delta")
	ctx := context.Background()
	_, _ = batcher.EmbedChunks(ctx, "a.go", chunks)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = batcher.EmbedChunks(ctx, "a.go", chunks)
	}
}
