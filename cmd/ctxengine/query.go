package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/internal/searcher"
	"github.com/dshills/ctxengine/internal/storage"
)

var (
	flagBudget    int
	flagK         int
	flagProviders []string
	flagPrefixes  []string
	flagLanguages []string
	flagKinds     []string
	flagExclude   []string
	flagNoMMR     bool
	flagNoExpand  bool
	flagJSON      bool
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve budgeted context for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noWatch := false
		e, _, err := openEngine(cmd.Context(), &noWatch)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		req := searcher.QueryRequest{
			Text:        strings.Join(args, " "),
			TokenBudget: flagBudget,
			K:           flagK,
			Providers:   flagProviders,
		}
		if len(flagPrefixes)+len(flagLanguages)+len(flagKinds)+len(flagExclude) > 0 {
			req.Scope = &storage.SearchFilters{
				PathPrefixes: flagPrefixes,
				Languages:    flagLanguages,
				Kinds:        flagKinds,
				ExcludeGlobs: flagExclude,
			}
		}
		if flagNoMMR {
			off := false
			req.MMR = &off
		}
		if flagNoExpand {
			off := false
			req.Expand = &off
		}

		resp, err := e.Searcher.Query(cmd.Context(), req)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(resp)
		}
		for i, h := range resp.Hits {
			fmt.Printf("%d. %s:%d-%d  score=%.3f tokens=%d [%s]\n",
				i+1, h.Path, h.StartLine, h.EndLine, h.Score, h.Tokens, strings.Join(h.Sources, ","))
			fmt.Println(indent(h.Text, "    "))
		}
		d := resp.Diagnostics
		fmt.Printf("\n%d hits, %d/%d tokens, %d candidates, %d deduplicated, %d filtered, %d dropped (%s)\n",
			len(resp.Hits), d.TokensUsed, d.TokenBudget, d.Candidates, d.Deduplicated, d.Filtered, d.Dropped, resp.Elapsed)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print index status as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		noWatch := false
		e, _, err := openEngine(cmd.Context(), &noWatch)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		st, err := e.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed <text>",
	Short: "Embed text with the configured provider and print a summary",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		emb, err := embedder.New(embedder.Config{
			Provider:  cfg.Embedding.Provider,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			APIKey:    cfg.Embedding.APIKey,
			BaseURL:   cfg.Embedding.BaseURL,
			Timeout:   cfg.Embedding.Timeout,
		})
		if err != nil {
			return err
		}
		defer func() { _ = emb.Close() }()

		text := strings.Join(args, " ")
		out, err := emb.GenerateEmbedding(cmd.Context(), embedder.EmbeddingRequest{Text: text})
		if err != nil {
			return err
		}
		var norm float64
		for _, x := range out.Vector {
			norm += float64(x) * float64(x)
		}
		head := out.Vector[:min(8, len(out.Vector))]
		fmt.Printf("provider:  %s\n", out.Provider)
		fmt.Printf("model:     %s\n", out.Model)
		fmt.Printf("dimension: %d\n", len(out.Vector))
		fmt.Printf("norm:      %.4f\n", math.Sqrt(norm))
		fmt.Printf("hash:      %s\n", embedder.ComputeHash(text))
		fmt.Printf("head:      %v\n", head)
		return nil
	},
}

func init() {
	f := queryCmd.Flags()
	f.IntVar(&flagBudget, "budget", 0, "token budget (default from config)")
	f.IntVar(&flagK, "k", 0, "maximum hits (default from config)")
	f.StringSliceVar(&flagProviders, "providers", nil, "providers to query (default: all enabled)")
	f.StringSliceVar(&flagPrefixes, "path", nil, "restrict to path prefixes")
	f.StringSliceVar(&flagLanguages, "lang", nil, "restrict to languages")
	f.StringSliceVar(&flagKinds, "kind", nil, "restrict to chunk kinds")
	f.StringSliceVar(&flagExclude, "exclude", nil, "exclude paths matching globs")
	f.BoolVar(&flagNoMMR, "no-mmr", false, "disable diversity reranking")
	f.BoolVar(&flagNoExpand, "no-expand", false, "disable neighbor expansion")
	f.BoolVar(&flagJSON, "json", false, "print the full response as JSON")
	rootCmd.AddCommand(queryCmd, statusCmd, embedCmd)
}

func indent(text, prefix string) string {
	return prefix + strings.ReplaceAll(strings.TrimRight(text, "\n"), "\n", "\n"+prefix)
}
