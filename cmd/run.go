package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one scheduler tick, ingest its observations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		catalogPath, _ := cmd.Flags().GetString("catalog")
		if catalogPath == "" {
			catalogPath = cfg.Catalog.Path
		}
		cat, err := env.loadCatalog(ctx, catalogPath)
		if err != nil {
			return err
		}
		p := env.newPipeline(cat)

		var g errgroup.Group
		g.Go(func() error { return p.Worker.Run(ctx) })

		res, tickErr := p.Scheduler.Tick(ctx)
		p.Queue.Close()
		if err := g.Wait(); err != nil {
			return err
		}
		if tickErr != nil {
			return tickErr
		}

		fmt.Fprintf(os.Stdout, "due=%d dispatched=%d completed=%d failed=%d rate_limited=%d circuit_open=%d busy=%d\n",
			res.Due, res.Dispatched, res.Completed, res.Failed, res.RateLimited, res.CircuitOpen, res.Busy)
		return nil
	},
}

func init() {
	runCmd.Flags().String("catalog", "", "catalog file (overrides catalog.path)")
	rootCmd.AddCommand(runCmd)
}
