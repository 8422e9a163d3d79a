// Package engine wires configuration into a running indexing and retrieval
// engine: store, scanner, chunkers, embedder, indexer, providers, searcher,
// job controller and the optional file watcher.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/dshills/ctxengine/internal/chunker"
	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/discovery"
	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/internal/indexer"
	"github.com/dshills/ctxengine/internal/jobs"
	ctxlog "github.com/dshills/ctxengine/internal/log"
	"github.com/dshills/ctxengine/internal/searcher"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/internal/watcher"
)

// Options adjusts how New builds the engine.
type Options struct {
	Logger *zap.Logger
	// Watch overrides watch.enabled when non-nil.
	Watch *bool
	// Embedder replaces the configured provider, mainly for tests.
	Embedder embedder.Embedder
}

// Engine owns every long-lived component. Close releases them.
type Engine struct {
	Config     *config.Config
	Store      *storage.SQLiteStorage
	Scanner    *discovery.Scanner
	Embedder   embedder.Embedder
	Batcher    *embedder.Batcher
	Indexer    *indexer.Indexer
	Searcher   *searcher.Searcher
	Controller *jobs.Controller
	// Watcher is nil unless watching is enabled.
	Watcher *watcher.Watcher

	registry *searcher.Registry
	fulltext *searcher.FullText
	ann      *searcher.ANN
	logger   *zap.Logger
}

// New builds the engine for cfg and warms the in-memory providers.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Engine, err error) {
	logger := ctxlog.OrNop(opts.Logger)
	e := &Engine{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create database dir")
	}

	e.Embedder = opts.Embedder
	if e.Embedder == nil {
		e.Embedder, err = embedder.New(embedder.Config{
			Provider:  cfg.Embedding.Provider,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			APIKey:    cfg.Embedding.APIKey,
			BaseURL:   cfg.Embedding.BaseURL,
			Timeout:   cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create embedder")
		}
	}
	e.Batcher = embedder.NewBatcher(e.Embedder, cfg.Embedding.BatchSize, embedder.NewCache(cfg.Embedding.CacheSize), logger)

	e.Store, err = storage.NewSQLiteStorage(cfg.DBPath, storage.WithDimension(e.Embedder.Dimension()))
	if err != nil {
		return nil, errors.Wrapf(err, "open store %s", cfg.DBPath)
	}

	// roots inside the project are scanned and watched; roots outside it
	// only admit symlink targets
	var scanRoots, extraRoots []string
	for _, r := range cfg.Discovery.Roots {
		if !filepath.IsAbs(r) {
			r = filepath.Join(cfg.ProjectRoot, r)
		}
		extraRoots = append(extraRoots, r)
		if rel, err := filepath.Rel(cfg.ProjectRoot, r); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			scanRoots = append(scanRoots, filepath.ToSlash(rel))
		}
	}
	e.Scanner, err = discovery.New(cfg.ProjectRoot, discovery.Options{
		DataDir:        cfg.DataDir,
		Roots:          scanRoots,
		IncludePaths:   cfg.Discovery.IncludePaths,
		Ignore:         cfg.Discovery.Ignore,
		AllowExts:      cfg.Discovery.AllowExts,
		BlockExts:      cfg.Discovery.BlockExts,
		MaxFileBytes:   cfg.Discovery.MaxFileBytes,
		FollowSymlinks: cfg.Discovery.FollowSymlinks,
		UseGitignore:   cfg.Discovery.UseGitignore,
	}, logger, extraRoots...)
	if err != nil {
		return nil, err
	}

	chunkers := chunker.NewRegistry(chunker.Options{
		MaxTokens:      cfg.Chunking.MaxTokens,
		OverlapPercent: cfg.Chunking.OverlapPercent,
	}, logger)
	e.Indexer = indexer.New(e.Store, e.Scanner, chunkers, e.Batcher, indexer.Config{
		Parallelism: cfg.Indexing.Parallelism,
		Logger:      logger,
	})

	if err := e.buildSearcher(ctx); err != nil {
		return nil, err
	}

	watch := cfg.Watch.Enabled
	if opts.Watch != nil {
		watch = *opts.Watch
	}
	jobsCfg := jobs.Config{
		LockPath: cfg.LockPath(),
		Priority: cfg.Indexing.Prioritize,
		Logger:   logger,
	}
	if watch {
		e.Watcher, err = watcher.New(e.Scanner, e.onChange, watcher.Options{
			Debounce: cfg.Watch.Debounce,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		jobsCfg.Pauser = e.Watcher
	}
	e.Controller = jobs.NewController(e.Indexer, e.Store, jobsCfg)

	logger.Info("engine ready",
		zap.String("root", cfg.ProjectRoot),
		zap.String("db", cfg.DBPath),
		zap.String("embedder", e.Embedder.Provider()+"/"+e.Embedder.Model()),
		zap.Strings("providers", cfg.EnabledProviders()),
		zap.Bool("watch", watch))
	return e, nil
}

// buildSearcher registers the enabled providers. Providers that are also
// index sinks are warmed from the store and subscribed to the indexer.
func (e *Engine) buildSearcher(ctx context.Context) error {
	cfg := e.Config
	reg := searcher.NewRegistry()
	for _, id := range cfg.EnabledProviders() {
		var p searcher.Provider
		switch id {
		case config.ProviderVector:
			p = searcher.NewVectorProvider(e.Store, e.Batcher)
		case config.ProviderSymbol:
			p = searcher.NewSymbolProvider(e.Store)
		case config.ProviderFullText:
			ft, err := searcher.NewFullText(cfg.FullTextPath(), e.Store, e.logger)
			if err != nil {
				return err
			}
			e.fulltext = ft
			if err := ft.Warm(ctx); err != nil {
				return err
			}
			e.Indexer.AddSink(ft)
			p = ft
		case config.ProviderANN:
			ann := searcher.NewANN(e.Store, e.Batcher, e.logger)
			if err := ann.Warm(ctx); err != nil {
				return err
			}
			e.ann = ann
			e.Indexer.AddSink(ann)
			p = ann
		default:
			return errors.Errorf("unknown provider %q", id)
		}
		if err := reg.Register(p); err != nil {
			return err
		}
	}

	e.registry = reg
	s, err := searcher.New(e.Store, reg, searcher.SettingsFromConfig(cfg.Retrieval), e.logger)
	if err != nil {
		return err
	}
	e.Searcher = s
	e.Indexer.AddSink(s)
	return nil
}

// onChange refreshes the paths a watcher batch reported.
func (e *Engine) onChange(ctx context.Context, paths []string) {
	if e.Controller.RebuildInProgress() {
		return
	}
	res := e.Controller.Refresh(ctx, jobs.RefreshRequest{Paths: paths})
	fields := []zap.Field{
		zap.Int("paths", len(paths)),
		zap.String("status", string(res.Status)),
	}
	if r := res.Refresh; r != nil {
		fields = append(fields,
			zap.Int("new", r.New),
			zap.Int("modified", r.Modified),
			zap.Int("deleted", r.Deleted),
			zap.Int("failed", r.Failed))
	}
	if res.Error != nil {
		fields = append(fields, zap.String("error", res.Error.Message))
		e.logger.Warn("watch refresh failed", fields...)
		return
	}
	e.logger.Info("watch refresh", fields...)
}

// Run blocks until ctx ends, delivering watcher batches when watching.
func (e *Engine) Run(ctx context.Context) error {
	if e.Watcher == nil {
		<-ctx.Done()
		return nil
	}
	return e.Watcher.Run(ctx)
}

// Close releases the store and the providers' indexes.
func (e *Engine) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if e.Watcher != nil {
		if err := e.Watcher.Close(); err != nil {
			e.logger.Debug("close watcher", zap.Error(err))
		}
	}
	if e.fulltext != nil {
		keep(e.fulltext.Close())
	}
	if e.Store != nil {
		keep(e.Store.Close())
	}
	if e.Embedder != nil {
		keep(e.Embedder.Close())
	}
	return first
}

// Status is the combined health and progress report of the engine.
type Status struct {
	ProjectRoot       string      `json:"project_root"`
	DBPath            string      `json:"db_path"`
	SchemaVersion     string      `json:"schema_version"`
	BuildMode         string      `json:"build_mode"`
	Files             int         `json:"files"`
	DeletedFiles      int         `json:"deleted_files"`
	Chunks            int         `json:"chunks"`
	Embeddings        int         `json:"embeddings"`
	Links             int         `json:"links"`
	IndexSizeMB       float64     `json:"index_size_mb"`
	LastIndexedAt     *time.Time  `json:"last_indexed_at,omitempty"`
	Healthy           bool        `json:"healthy"`
	EmbeddingProvider string      `json:"embedding_provider"`
	EmbeddingModel    string      `json:"embedding_model"`
	Dimension         int         `json:"dimension"`
	Providers         []string    `json:"providers"`
	FullTextDocs      uint64      `json:"fulltext_docs,omitempty"`
	ANNVectors        int         `json:"ann_vectors,omitempty"`
	RebuildInProgress bool        `json:"rebuild_in_progress"`
	Watching          bool        `json:"watching"`
	Jobs              []*jobs.Job `json:"jobs,omitempty"`
}

// Status reports index contents and the state of every component.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st, err := e.Store.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := &Status{
		ProjectRoot:       e.Config.ProjectRoot,
		DBPath:            e.Config.DBPath,
		SchemaVersion:     st.SchemaVersion,
		BuildMode:         st.BuildMode,
		Files:             st.FilesCount,
		DeletedFiles:      st.DeletedFiles,
		Chunks:            st.ChunksCount,
		Embeddings:        st.EmbeddingsCount,
		Links:             st.LinksCount,
		IndexSizeMB:       st.IndexSizeMB,
		Healthy:           st.Health.DatabaseAccessible,
		EmbeddingProvider: e.Embedder.Provider(),
		EmbeddingModel:    e.Embedder.Model(),
		Dimension:         e.Embedder.Dimension(),
		Providers:         e.registry.IDs(),
		RebuildInProgress: e.Controller.RebuildInProgress(),
		Watching:          e.Watcher != nil,
		Jobs:              e.Controller.Jobs().List(),
	}
	if !st.LastIndexedAt.IsZero() {
		t := st.LastIndexedAt
		out.LastIndexedAt = &t
	}
	if e.fulltext != nil {
		if n, err := e.fulltext.DocCount(); err == nil {
			out.FullTextDocs = n
		}
	}
	if e.ann != nil {
		out.ANNVectors = e.ann.Len()
	}
	return out, nil
}
