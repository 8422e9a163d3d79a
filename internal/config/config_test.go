package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	root := t.TempDir()

	cfg, err := Load(root, "")
	require.NoError(t, err)

	assert.Equal(t, root, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(root, ".ctxengine"), cfg.DataDir)
	assert.Equal(t, filepath.Join(root, ".ctxengine", "index.db"), cfg.DBPath)
	assert.Equal(t, 512, cfg.Chunking.MaxTokens)
	assert.InDelta(t, 0.15, cfg.Chunking.OverlapPercent, 1e-9)
	assert.Equal(t, "local", cfg.Embedding.Provider)
	assert.Equal(t, []string{ProviderVector, ProviderSymbol, ProviderFullText}, cfg.EnabledProviders())
}

func TestLoad_YAMLOverridesOnlyPresentKeys(t *testing.T) {
	root := t.TempDir()
	content := `
chunking:
  max_tokens: 256
retrieval:
  min_score: 0.2
  mmr:
    enabled: false
  providers:
    ann:
      enabled: true
watch:
  enabled: true
  debounce: 2s
`
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(content), 0o644))

	cfg, err := Load(root, "")
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Chunking.MaxTokens)
	assert.InDelta(t, 0.15, cfg.Chunking.OverlapPercent, 1e-9, "unset keys keep defaults")
	assert.InDelta(t, 0.2, cfg.Retrieval.MinScore, 1e-9)
	assert.False(t, cfg.Retrieval.MMR.Enabled)
	assert.InDelta(t, 0.7, cfg.Retrieval.MMR.Lambda, 1e-9)
	assert.True(t, cfg.Retrieval.Providers[ProviderANN].Enabled)
	assert.InDelta(t, 1.0, cfg.Retrieval.Providers[ProviderANN].Weight, 1e-9, "missing weight defaults to 1")
	assert.True(t, cfg.Retrieval.Providers[ProviderVector].Enabled)
	assert.True(t, cfg.Watch.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(t.TempDir(), "/nonexistent/ctxengine.yaml")
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvDBPath, "/tmp/override.db")
	t.Setenv(EnvEmbeddingProvider, "OpenAI")
	t.Setenv(EnvOpenAIKey, "sk-test")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.DBPath)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"tiny max tokens", func(c *Config) { c.Chunking.MaxTokens = 4 }},
		{"overlap too large", func(c *Config) { c.Chunking.OverlapPercent = 0.6 }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "cohere" }},
		{"zero parallelism", func(c *Config) { c.Indexing.Parallelism = 0 }},
		{"bad priority", func(c *Config) { c.Indexing.Prioritize = "random" }},
		{"budget inverted", func(c *Config) { c.Retrieval.MaxTokens = 10 }},
		{"min score above one", func(c *Config) { c.Retrieval.MinScore = 1.5 }},
		{"lambda negative", func(c *Config) { c.Retrieval.MMR.Lambda = -0.1 }},
		{"unknown context provider", func(c *Config) {
			c.Retrieval.Providers["graph"] = ProviderConfig{Enabled: true, Weight: 1}
		}},
		{"no providers enabled", func(c *Config) {
			for id, p := range c.Retrieval.Providers {
				p.Enabled = false
				c.Retrieval.Providers[id] = p
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := Default(root)
	cfg.Chunking.MaxTokens = 300
	path := filepath.Join(root, "out.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	loaded, err := Load(root, path)
	require.NoError(t, err)
	assert.Equal(t, 300, loaded.Chunking.MaxTokens)
}
