package main

import (
	"context"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/ctxengine/internal/jobs"
	"github.com/dshills/ctxengine/internal/mcp"
)

var (
	flagWatch     bool
	flagBootstrap bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tools over stdio",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&flagWatch, "watch", false, "refresh the index when files change")
	serveCmd.Flags().BoolVar(&flagBootstrap, "refresh", false, "refresh the index in the background on startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var watch *bool
	if cmd.Flags().Changed("watch") {
		watch = &flagWatch
	}
	e, logger, err := openEngine(cmd.Context(), watch)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	if flagBootstrap {
		res := e.Controller.Refresh(cmd.Context(), jobs.RefreshRequest{Background: true})
		logger.Info("startup refresh", zap.String("job_id", res.JobID), zap.String("status", string(res.Status)))
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		logger.Info("mcp server ready, listening on stdio")
		err := mcp.NewServer(e).Serve(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	err = g.Wait()
	logger.Info("server stopped")
	return err
}
