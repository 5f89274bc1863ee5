package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/model"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect and control price sources",
}

// -- sources list --

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources, highest priority first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		sources := env.Registry.List()
		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "No sources registered. Run `pricewatch sources seed` first.")
			return nil
		}
		formatSourcesList(os.Stdout, sources)
		return nil
	},
}

// -- sources enable / disable --

func toggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <source-id>",
		Short: fmt.Sprintf("%s scraping for a source", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initApp(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			src, err := env.Registry.SetEnabled(cmd.Context(), args[0], enabled)
			if err != nil {
				return eris.Wrapf(err, "sources %s", use)
			}
			fmt.Fprintf(os.Stdout, "%s: scraping_enabled=%t\n", src.ID, src.ScrapingEnabled)
			return nil
		},
	}
}

// -- sources priority --

var sourcesPriorityCmd = &cobra.Command{
	Use:   "priority <source-id> <score>",
	Short: "Set the dispatch priority of a source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.Atoi(args[1])
		if err != nil {
			return eris.Wrapf(err, "sources priority: invalid score %q", args[1])
		}

		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.Registry.SetPriority(cmd.Context(), args[0], score)
		if err != nil {
			return eris.Wrap(err, "sources priority")
		}
		fmt.Fprintf(os.Stdout, "%s: priority_score=%d\n", src.ID, src.PriorityScore)
		return nil
	},
}

// -- sources seed --

var sourcesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Merge the catalog file into the registry",
	Long:  "Adds new sources and updates configured attributes of existing ones. Learned reliability, failure counts, the enabled flag and priority of existing sources are kept; use enable, disable and priority to change those.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		path, _ := cmd.Flags().GetString("catalog")
		if path == "" {
			path = cfg.Catalog.Path
		}
		cat, err := env.loadCatalog(cmd.Context(), path)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "seeded %d sources, %d watchlist entries from %s\n",
			len(cat.Sources), len(cat.Watchlist), path)
		return nil
	},
}

func formatSourcesList(out io.Writer, sources []model.Source) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tRELIABILITY\tRATE/H\tENABLED\tFAILURES\tLAST_SUCCESS")
	_, _ = fmt.Fprintln(w, "--\t----\t--------\t-----------\t------\t-------\t--------\t------------")

	for _, s := range sources {
		last := "never"
		if s.LastSuccessAt != nil {
			last = s.LastSuccessAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.3f\t%d\t%t\t%d\t%s\n",
			s.ID,
			s.Type,
			s.PriorityScore,
			s.ReliabilityScore,
			s.RateLimitPerHour,
			s.ScrapingEnabled,
			s.ConsecutiveFailures,
			last,
		)
	}
	_ = w.Flush()
}

func init() {
	sourcesSeedCmd.Flags().String("catalog", "", "catalog file (overrides catalog.path)")

	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(toggleCmd("enable", true))
	sourcesCmd.AddCommand(toggleCmd("disable", false))
	sourcesCmd.AddCommand(sourcesPriorityCmd)
	sourcesCmd.AddCommand(sourcesSeedCmd)
	rootCmd.AddCommand(sourcesCmd)
}
