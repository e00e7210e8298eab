package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/dpuvec/internal/app"
	"github.com/fxnlabs/dpuvec/internal/config"
	"github.com/fxnlabs/dpuvec/internal/kernel"
	"github.com/fxnlabs/dpuvec/internal/runtime"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

// startRuntime builds the application for cfg and starts it. The returned
// stop function shuts the runtime down.
func startRuntime(ctx context.Context, cfg *config.Config) (*runtime.Context, func() error, error) {
	var rt *runtime.Context
	fxApp := app.New(cfg, fx.Populate(&rt))
	if err := fxApp.Start(ctx); err != nil {
		return nil, nil, err
	}
	stop := func() error {
		return fxApp.Stop(context.Background())
	}
	return rt, stop, nil
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Acquire the configured units and describe them",
		Action: func(c *cli.Context) (err error) {
			cfg := c.App.Metadata["config"].(*config.Config)
			out := c.App.Writer

			fmt.Fprintln(out, figure.NewFigure("dpuvec", "", true).String())

			rt, stop, err := startRuntime(c.Context, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if stopErr := stop(); err == nil {
					err = stopErr
				}
			}()

			if err := rt.EnsureInit(); err != nil {
				return err
			}
			info, err := rt.Info()
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Device:        %s (%s)\n", info.Name, info.Backend)
			fmt.Fprintf(out, "Units:         %d\n", info.Units)
			fmt.Fprintf(out, "Unit capacity: %d bytes\n", info.UnitCapacity)
			fmt.Fprintf(out, "Lanes:         %d\n", info.Lanes)
			fmt.Fprintf(out, "Kernel image:  %s\n\n", info.KernelImage)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKERNEL\tOPERANDS")
			for id := kernel.ID(0); id < kernel.Count; id++ {
				operands := 1
				if id.IsBinary() {
					operands = 2
				}
				fmt.Fprintf(w, "%d\t%s\t%d\n", uint32(id), id, operands)
			}
			return w.Flush()
		},
	}
}
