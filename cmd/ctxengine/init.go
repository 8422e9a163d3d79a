package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Laisky/errors/v2"
	"github.com/spf13/cobra"

	"github.com/dshills/ctxengine/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default " + config.FileName + " into the project root",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(flagRoot)
		if err != nil {
			return errors.Wrap(err, "resolve project root")
		}
		path := filepath.Join(root, config.FileName)
		if _, err := os.Stat(path); err == nil && !initForce {
			return errors.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := config.Default(root)
		// resolved against the directory the file lives in
		cfg.ProjectRoot = ""
		if err := cfg.WriteYAML(path); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing configuration file")
	rootCmd.AddCommand(initCmd)
}
