// Package config loads the engine configuration from YAML with environment
// overrides. The resulting Config is read-only once loaded.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"gopkg.in/yaml.v3"
)

// FileName is the project-level config file looked up in the project root.
const FileName = ".ctxengine.yaml"

// Environment overrides, highest priority.
const (
	EnvDBPath            = "CTXENGINE_DB_PATH"
	EnvEmbeddingProvider = "CTXENGINE_EMBEDDING_PROVIDER"
	EnvLogLevel          = "CTXENGINE_LOG_LEVEL"
	EnvOpenAIKey         = "OPENAI_API_KEY"
	EnvJinaKey           = "JINA_API_KEY"
)

// Provider ids known to the retrieval pipeline.
const (
	ProviderVector   = "vector"
	ProviderSymbol   = "symbol"
	ProviderFullText = "fulltext"
	ProviderANN      = "ann"
)

// Config is the complete engine configuration.
type Config struct {
	ProjectRoot string `yaml:"project_root"`
	// DataDir holds the database, full-text index and lock file.
	// Relative paths resolve against ProjectRoot.
	DataDir string `yaml:"data_dir"`
	// DBPath overrides the database location inside DataDir.
	DBPath string `yaml:"db_path"`

	Log       LogConfig       `yaml:"log"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Indexing  IndexingConfig  `yaml:"indexing"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Watch     WatchConfig     `yaml:"watch"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DiscoveryConfig controls which files are eligible for indexing.
type DiscoveryConfig struct {
	// Roots restricts scanning and watching to these directories, relative
	// to the project root. Empty means the project root itself. Roots outside
	// the project only admit symlink targets.
	Roots          []string `yaml:"roots"`
	IncludePaths   []string `yaml:"include_paths"`
	Ignore         []string `yaml:"ignore"`
	AllowExts      []string `yaml:"allow_extensions"`
	BlockExts      []string `yaml:"block_extensions"`
	MaxFileBytes   int64    `yaml:"max_file_bytes"`
	FollowSymlinks bool     `yaml:"follow_symlinks"`
	UseGitignore   bool     `yaml:"use_gitignore"`
}

// ChunkingConfig controls chunk sizes.
type ChunkingConfig struct {
	MaxTokens      int     `yaml:"max_tokens"`
	OverlapPercent float64 `yaml:"overlap_percent"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// Dimension overrides the provider's default vector size. 0 keeps it.
	Dimension int    `yaml:"dimension"`
	APIKey    string `yaml:"api_key"`
	// BaseURL points the HTTP providers at a compatible endpoint.
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	BatchSize int           `yaml:"batch_size"`
	CacheSize int           `yaml:"cache_size"`
}

// IndexingConfig tunes the indexing worker pool.
type IndexingConfig struct {
	Parallelism int `yaml:"parallelism"`
	// Prioritize orders bootstrap work: size, depth or none.
	Prioritize string `yaml:"prioritize"`
}

// ProviderConfig enables and weights one context provider.
type ProviderConfig struct {
	Enabled bool    `yaml:"enabled"`
	Weight  float64 `yaml:"weight"`
}

// MMRConfig gates maximal-marginal-relevance reranking.
type MMRConfig struct {
	Enabled bool    `yaml:"enabled"`
	Lambda  float64 `yaml:"lambda"`
}

// ExpansionConfig gates neighbor expansion.
type ExpansionConfig struct {
	Enabled bool `yaml:"enabled"`
	Window  int  `yaml:"window"`
}

// RetrievalConfig configures the query pipeline.
type RetrievalConfig struct {
	DefaultTokens int                       `yaml:"default_tokens"`
	MaxTokens     int                       `yaml:"max_tokens"`
	DefaultK      int                       `yaml:"default_k"`
	MinScore      float64                   `yaml:"min_score"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	MMR           MMRConfig                 `yaml:"mmr"`
	Expansion     ExpansionConfig           `yaml:"expansion"`
	// ProviderTimeout bounds each provider call during fan-out.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	// CacheSize bounds the query result cache. 0 disables it.
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// WatchConfig configures the file watcher.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns the built-in configuration for the given project root.
func Default(projectRoot string) *Config {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	return &Config{
		ProjectRoot: projectRoot,
		DataDir:     ".ctxengine",
		Log:         LogConfig{Level: "info"},
		Discovery: DiscoveryConfig{
			MaxFileBytes: 1 << 20,
			UseGitignore: true,
		},
		Chunking: ChunkingConfig{
			MaxTokens:      512,
			OverlapPercent: 0.15,
		},
		Embedding: EmbeddingConfig{
			Provider:  "local",
			Timeout:   30 * time.Second,
			BatchSize: 32,
			CacheSize: 4096,
		},
		Indexing: IndexingConfig{
			Parallelism: workers,
			Prioritize:  "size",
		},
		Retrieval: RetrievalConfig{
			DefaultTokens: 4000,
			MaxTokens:     32000,
			DefaultK:      20,
			MinScore:      0.05,
			Providers: map[string]ProviderConfig{
				ProviderVector:   {Enabled: true, Weight: 1.0},
				ProviderSymbol:   {Enabled: true, Weight: 0.8},
				ProviderFullText: {Enabled: true, Weight: 0.9},
				ProviderANN:      {Enabled: false, Weight: 1.0},
			},
			MMR:             MMRConfig{Enabled: true, Lambda: 0.7},
			Expansion:       ExpansionConfig{Enabled: true, Window: 1},
			ProviderTimeout: 10 * time.Second,
			CacheSize:       256,
			CacheTTL:        5 * time.Minute,
		},
		Watch: WatchConfig{
			Enabled:  false,
			Debounce: 500 * time.Millisecond,
		},
	}
}

// Load builds the configuration for projectRoot. path may be empty, in which
// case FileName inside projectRoot is used when present.
func Load(projectRoot, path string) (*Config, error) {
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, errors.Wrap(err, "resolve project root")
	}
	cfg := Default(absRoot)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(absRoot, FileName)
	}
	if err := cfg.loadYAML(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize(absRoot)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	// yaml.v3 only overwrites keys present in the document
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(EnvEmbeddingProvider); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if c.Embedding.APIKey == "" {
		switch strings.ToLower(c.Embedding.Provider) {
		case "openai":
			c.Embedding.APIKey = os.Getenv(EnvOpenAIKey)
		case "jina":
			c.Embedding.APIKey = os.Getenv(EnvJinaKey)
		}
	}
}

func (c *Config) normalize(absRoot string) {
	if c.ProjectRoot == "" {
		c.ProjectRoot = absRoot
	} else if !filepath.IsAbs(c.ProjectRoot) {
		c.ProjectRoot = filepath.Join(absRoot, c.ProjectRoot)
	}
	c.ProjectRoot = filepath.Clean(c.ProjectRoot)

	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(c.ProjectRoot, c.DataDir)
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "index.db")
	}

	c.Embedding.Provider = strings.ToLower(c.Embedding.Provider)
	for id, p := range c.Retrieval.Providers {
		if p.Weight == 0 {
			p.Weight = 1.0
		}
		c.Retrieval.Providers[id] = p
	}
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	if c.Chunking.MaxTokens < 16 {
		return errors.Errorf("chunking.max_tokens must be >= 16, got %d", c.Chunking.MaxTokens)
	}
	if c.Chunking.OverlapPercent < 0 || c.Chunking.OverlapPercent >= 0.5 {
		return errors.Errorf("chunking.overlap_percent must be in [0, 0.5), got %v", c.Chunking.OverlapPercent)
	}
	switch c.Embedding.Provider {
	case "local", "openai", "jina":
	default:
		return errors.Errorf("embedding.provider %q is not supported", c.Embedding.Provider)
	}
	if c.Embedding.Dimension < 0 {
		return errors.New("embedding.dimension must be >= 0")
	}
	if c.Embedding.BatchSize < 1 {
		return errors.New("embedding.batch_size must be >= 1")
	}
	if c.Embedding.CacheSize < 0 {
		return errors.New("embedding.cache_size must be >= 0")
	}
	if c.Indexing.Parallelism < 1 {
		return errors.New("indexing.parallelism must be >= 1")
	}
	switch c.Indexing.Prioritize {
	case "size", "depth", "none", "":
	default:
		return errors.Errorf("indexing.prioritize %q must be size, depth or none", c.Indexing.Prioritize)
	}

	r := c.Retrieval
	if r.DefaultTokens < 1 || r.MaxTokens < r.DefaultTokens {
		return errors.Errorf("retrieval budgets invalid: default_tokens=%d max_tokens=%d", r.DefaultTokens, r.MaxTokens)
	}
	if r.DefaultK < 1 {
		return errors.New("retrieval.default_k must be >= 1")
	}
	if r.MinScore < 0 || r.MinScore > 1 {
		return errors.Errorf("retrieval.min_score must be in [0, 1], got %v", r.MinScore)
	}
	if r.MMR.Lambda < 0 || r.MMR.Lambda > 1 {
		return errors.Errorf("retrieval.mmr.lambda must be in [0, 1], got %v", r.MMR.Lambda)
	}
	if r.Expansion.Window < 0 {
		return errors.New("retrieval.expansion.window must be >= 0")
	}
	if r.CacheSize < 0 || r.CacheTTL < 0 {
		return errors.New("retrieval cache size and ttl must be >= 0")
	}
	enabled := 0
	for id, p := range r.Providers {
		switch id {
		case ProviderVector, ProviderSymbol, ProviderFullText, ProviderANN:
		default:
			return errors.Errorf("retrieval.providers: unknown provider %q", id)
		}
		if p.Weight < 0 {
			return errors.Errorf("retrieval.providers.%s.weight must be >= 0", id)
		}
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("retrieval.providers: at least one provider must be enabled")
	}
	if c.Watch.Debounce < 0 {
		return errors.New("watch.debounce must be >= 0")
	}
	return nil
}

// EnabledProviders returns the ids of enabled providers.
func (c *Config) EnabledProviders() []string {
	var ids []string
	for _, id := range []string{ProviderVector, ProviderSymbol, ProviderFullText, ProviderANN} {
		if p, ok := c.Retrieval.Providers[id]; ok && p.Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// LockPath is the cross-process rebuild lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "rebuild.lock")
}

// FullTextPath is the on-disk bleve index directory.
func (c *Config) FullTextPath() string {
	return filepath.Join(c.DataDir, "fulltext.bleve")
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	return nil
}
