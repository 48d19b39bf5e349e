package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/smartbroker/internal/config"
	"github.com/sells-group/smartbroker/internal/model"
	"github.com/sells-group/smartbroker/internal/sink"
	"github.com/sells-group/smartbroker/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect investigation run history",
	Long:  "Commands for listing, viewing, exporting and pruning persisted investigation runs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate(config.ModeRuns)
	},
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List investigation runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its result table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := loadReport(cmd, st, args[0])
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return sink.WriteJSON(os.Stdout, report)
		}
		formatReport(os.Stdout, report)
		return nil
	},
}

// -- runs export --

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's result table to .xlsx or .json",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := loadReport(cmd, st, args[0])
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = fmt.Sprintf("smartbroker-%s.xlsx", truncateID(report.Run.ID))
		}
		if err := writeReport(out, report); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %s\n", out)
		return nil
	},
}

// -- runs prune-cache --

var runsPruneCmd = &cobra.Command{
	Use:   "prune-cache",
	Short: "Delete expired search cache entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.DeleteExpiredSearches(ctx)
		if err != nil {
			return eris.Wrap(err, "prune search cache")
		}
		fmt.Fprintf(os.Stderr, "Deleted %d expired search results.\n", n)
		return nil
	},
}

func loadReport(cmd *cobra.Command, st store.Store, id string) (sink.Report, error) {
	ctx := cmd.Context()
	run, err := st.GetRun(ctx, id)
	if err != nil {
		return sink.Report{}, eris.Wrap(err, "runs: get run")
	}
	attempts, err := st.ListAttempts(ctx, id)
	if err != nil {
		return sink.Report{}, eris.Wrap(err, "runs: list attempts")
	}
	return sink.ReportFromAttempts(*run, attempts), nil
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, paused, completed, cancelled, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().Bool("json", false, "print the full report as JSON")

	runsExportCmd.Flags().StringP("output", "o", "", "output path (.xlsx or .json)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsExportCmd)
	runsCmd.AddCommand(runsPruneCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tMODE\tSTATUS\tENTITIES\tQUALIFIED\tDISQUALIFIED\tCOST\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t---------\t------------\t----\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t$%.4f\t%s\t%s\n",
			truncateID(r.ID),
			r.Mode,
			r.Status,
			r.Entities,
			r.Qualified,
			r.Disqualified,
			r.CostUSD,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatReport writes a run header and its result table to w.
func formatReport(out io.Writer, r sink.Report) {
	run := r.Run
	_, _ = fmt.Fprintf(out, "Run %s (%s) %s\n", run.ID, run.Mode, run.Status)
	_, _ = fmt.Fprintf(out, "Entities: %d  Qualified: %d  Disqualified: %d  Attempts: %d  Cost: $%.4f\n",
		run.Entities, run.Qualified, run.Disqualified, run.Attempts, run.CostUSD)
	if run.Error != "" {
		_, _ = fmt.Fprintf(out, "Error: %s\n", run.Error)
	}
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprint(w, "ENTITY\tSTATUS")
	for _, q := range r.Questions {
		_, _ = fmt.Fprintf(w, "\t%s", q.ID)
	}
	_, _ = fmt.Fprintln(w)
	for _, row := range r.Rows {
		_, _ = fmt.Fprintf(w, "%s\t%s", row.EntityName, row.Status)
		for _, q := range r.Questions {
			v := "-"
			if a, ok := row.Answers[q.ID]; ok {
				v = a.Value
				if a.Error != "" {
					v = "error"
				}
			}
			_, _ = fmt.Fprintf(w, "\t%s", v)
		}
		_, _ = fmt.Fprintln(w)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
