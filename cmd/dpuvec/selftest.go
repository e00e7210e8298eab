package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fxnlabs/dpuvec/internal/config"
	"github.com/fxnlabs/dpuvec/internal/verify"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func selftestCommand() *cli.Command {
	return &cli.Command{
		Name:  "selftest",
		Usage: "Run every kernel against host-computed results",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "elements",
				Value: verify.DefaultElements,
				Usage: "Vector length used by each case",
			},
			&cli.Int64Flag{
				Name:  "seed",
				Value: 1,
				Usage: "Seed for the generated operands",
			},
			&cli.StringSliceFlag{
				Name:  "case",
				Usage: "Run only the named case (repeatable)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve /metrics on this address while the suite runs",
			},
		},
		Action: func(c *cli.Context) (err error) {
			cfg := *c.App.Metadata["config"].(*config.Config)
			log := c.App.Metadata["logger"].(*zap.Logger)
			if addr := c.String("metrics-addr"); addr != "" {
				cfg.Metrics.ListenAddress = addr
			}

			rt, stop, err := startRuntime(c.Context, &cfg)
			if err != nil {
				return err
			}
			defer func() {
				if stopErr := stop(); err == nil {
					err = stopErr
				}
			}()

			results, err := verify.RunSuite(c.Context, rt, verify.SuiteOptions{
				Elements: c.Int("elements"),
				Seed:     c.Int64("seed"),
				Only:     c.StringSlice("case"),
			}, log.Named("selftest"))
			if results == nil {
				return err
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CASE\tSTATUS\tELEMENTS\tDURATION\tDIGEST")
			for _, res := range results {
				status := "ok"
				switch {
				case res.Err != nil:
					status = "error: " + res.Err.Error()
				case !res.Report.OK():
					status = fmt.Sprintf("%d mismatches, first at %d", res.Report.Mismatches, res.Report.FirstMismatch)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", res.Name, status, res.Report.Elements, res.Duration, res.Report.Digest)
			}
			if flushErr := w.Flush(); flushErr != nil && err == nil {
				err = flushErr
			}
			return err
		},
	}
}
