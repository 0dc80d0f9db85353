package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/subsetjobs/internal/core"
)

// Show recorded runs
func newHistoryCmd(stdout io.Writer, started *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List runs recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			*started = true
			limit, _ := cmd.Flags().GetInt("limit")
			runID, _ := cmd.Flags().GetString("run")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			path := ledgerPath(cmd, cfg)
			if path == "" {
				return errors.New("no ledger configured (use --ledger or the ledger config key)")
			}
			store, err := core.NewStore(path)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID != "" {
				jobs, err := store.ListJobs(cmd.Context(), runID)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					return fmt.Errorf("no jobs recorded for run %s", runID)
				}
				renderJobs(stdout, jobs)
				return nil
			}
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			renderRuns(stdout, runs)
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to list")
	cmd.Flags().String("run", "", "show the jobs of one run")
	return cmd
}

func renderRuns(w io.Writer, runs []core.RunRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Run", "Started", "Duration", "Jobs", "Mode", "Status", "Command"})
	for _, r := range runs {
		dur := "-"
		if !r.FinishedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{r.ID, r.StartedAt.Format(time.RFC3339), dur, r.JobCount, r.Mode, r.Status, r.Command})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func renderJobs(w io.Writer, jobs []core.JobRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Subset", "Exit", "Duration", "Error"})
	for _, j := range jobs {
		t.AppendRow(table.Row{j.Subset, j.ExitCode, j.Duration.String(), j.Error})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}
