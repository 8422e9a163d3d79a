package main

import (
	"encoding/json"
	"os"

	"github.com/Laisky/errors/v2"
	"github.com/spf13/cobra"

	"github.com/dshills/ctxengine/internal/jobs"
	"github.com/dshills/ctxengine/pkg/types"
)

var (
	flagForce        bool
	flagParallelism  int
	flagConfirm      bool
	flagValidateOnly bool
)

var indexCmd = &cobra.Command{
	Use:   "index [paths...]",
	Short: "Incrementally refresh the index",
	Long:  "Index new and modified files and retire deleted ones. Paths are relative to the project root; none means the whole project.",
	RunE: func(cmd *cobra.Command, args []string) error {
		noWatch := false
		e, _, err := openEngine(cmd.Context(), &noWatch)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		res := e.Controller.Refresh(cmd.Context(), jobs.RefreshRequest{
			Paths:       args,
			Force:       flagForce,
			Parallelism: flagParallelism,
		})
		return report(res)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [paths...]",
	Short: "Wipe the index and rebuild it from scratch",
	RunE: func(cmd *cobra.Command, args []string) error {
		noWatch := false
		e, _, err := openEngine(cmd.Context(), &noWatch)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		res := e.Controller.Rebuild(cmd.Context(), jobs.RebuildRequest{
			Paths:        args,
			Confirm:      flagConfirm,
			ValidateOnly: flagValidateOnly,
			Parallelism:  flagParallelism,
		})
		return report(res)
	},
}

func init() {
	indexCmd.Flags().BoolVar(&flagForce, "force", false, "reindex files even when unchanged")
	indexCmd.Flags().IntVar(&flagParallelism, "parallelism", 0, "worker count (default from config)")
	rebuildCmd.Flags().BoolVar(&flagConfirm, "confirm", false, "confirm the destructive rebuild")
	rebuildCmd.Flags().BoolVar(&flagValidateOnly, "validate-only", false, "validate and count eligible files only")
	rebuildCmd.Flags().IntVar(&flagParallelism, "parallelism", 0, "worker count (default from config)")
	rootCmd.AddCommand(indexCmd, rebuildCmd)
}

// report prints res as JSON and turns a rejected or failed run into an error.
func report(res *jobs.OperationResult) error {
	if err := printJSON(res); err != nil {
		return err
	}
	switch res.Status {
	case types.StatusError, types.StatusFailed:
		if res.Error != nil {
			return errors.Errorf("%s %s: %s", res.Operation, res.Status, res.Error.Message)
		}
		return errors.Errorf("%s %s", res.Operation, res.Status)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode output")
	}
	return nil
}
