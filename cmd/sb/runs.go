package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/simbridge/internal/db"
	"github.com/zulandar/simbridge/internal/models"
)

func newRunsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent engine runs from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd, configPath, cmd.Flags().Changed("config"), limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to simbridge config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func runRuns(cmd *cobra.Command, configPath string, explicit bool, limit int) error {
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}
	if cfg.Ledger.Driver == db.DriverNone {
		return fmt.Errorf("runs: the ledger is disabled (ledger.driver: none)")
	}

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	ledger, gdb, err := openLedger(cfg, quiet)
	if err != nil {
		return fmt.Errorf("runs: %w", err)
	}
	defer db.Close(gdb)

	runs, err := ledger.RecentRuns(limit)
	if err != nil {
		return fmt.Errorf("runs: %w", err)
	}
	printRuns(cmd.OutOrStdout(), runs)
	return nil
}

func printRuns(out io.Writer, runs []models.EngineRun) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPID\tSTARTED\tDURATION\tCONFIG")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			shortID(r.ID), r.Status, r.PID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			runDuration(r), r.ConfigPath)
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// runDuration is the run's wall time, or "-" while it is still active.
func runDuration(r models.EngineRun) string {
	if r.StoppedAt == nil {
		return "-"
	}
	return r.StoppedAt.Sub(r.StartedAt).Round(time.Second).String()
}
