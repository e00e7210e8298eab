package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxnlabs/dpuvec/internal/config"
	"github.com/fxnlabs/dpuvec/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func newApp() *cli.App {
	var home string

	return &cli.App{
		Name:     "dpuvec",
		Usage:    "Run distributed vector kernels on a set of compute units",
		Metadata: map[string]interface{}{},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "home",
				Value:       config.GetDefaultConfigHome(),
				Usage:       "Path to the dpuvec home directory",
				EnvVars:     []string{"DPUVEC_HOME"},
				Destination: &home,
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(home)
			if errors.Is(err, fs.ErrNotExist) {
				// Nothing written yet; init creates the file and the rest run on defaults.
				cfg, err = config.Default(), nil
			}
			if err != nil {
				return err
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			c.App.Metadata["homeDir"] = home
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = zapLogger.Named("cli")
			return nil
		},
		After: func(c *cli.Context) error {
			if log, ok := c.App.Metadata["logger"].(*zap.Logger); ok {
				_ = log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			infoCommand(),
			selftestCommand(),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
