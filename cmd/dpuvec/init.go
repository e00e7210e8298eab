package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxnlabs/dpuvec/fixtures"
	"github.com/fxnlabs/dpuvec/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default config file into the home directory",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing config file",
			},
		},
		Action: func(c *cli.Context) error {
			log := c.App.Metadata["logger"].(*zap.Logger)
			homeDir := c.App.Metadata["homeDir"].(string)

			if err := os.MkdirAll(homeDir, 0o755); err != nil {
				return fmt.Errorf("failed to create home directory: %w", err)
			}
			path := filepath.Join(homeDir, config.FileName)
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			log.Info("Wrote config", zap.String("path", path))
			return nil
		},
	}
}
