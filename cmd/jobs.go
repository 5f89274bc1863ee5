package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent scrape jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		jobs, err := env.Query.ListRecentJobs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

func formatJobsList(out io.Writer, jobs []model.ScrapeJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tKIND\tATTEMPTS\tOBS\tDEFERRED\tCREATED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t----\t--------\t---\t--------\t-------\t--------\t-----")

	for _, j := range jobs {
		dur := ""
		if j.StartedAt != nil && j.CompletedAt != nil {
			dur = j.CompletedAt.Sub(*j.StartedAt).Round(time.Millisecond).String()
		}
		errText := j.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			truncateID(j.ID),
			j.SourceID,
			j.Status,
			j.FailureKind,
			j.Attempts,
			j.ObservationCount,
			j.Deferred,
			j.CreatedAt.Format("2006-01-02 15:04"),
			dur,
			errText,
		)
	}
	_ = w.Flush()
}

// truncateID shortens a UUID to its first 8 characters for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	jobsCmd.Flags().Int("limit", 50, "max number of jobs to display")
	rootCmd.AddCommand(jobsCmd)
}
