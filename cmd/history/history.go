package history

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/replicate/batchget/pkg/cli"
	"github.com/replicate/batchget/pkg/config"
	"github.com/replicate/batchget/pkg/journal"
)

const (
	HistoryCMDName = "history"

	optRun = "run"
)

const historyLongDesc = `
history

Print the outcomes recorded in a history database by earlier runs, one line per URL and attempt. The history is only
a record: it is never consulted when deciding what to download.

The database is taken from --history-db, then BATCHGET_HISTORY_DATABASE, then [history] database in the optional
configuration file.
`

func GetCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [flags] [config-file]",
		Short: "Show recorded download outcomes",
		Long:  historyLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runHistoryCMD(cmd, v, args)
		},
		Example: `  batchget history --history-db history.db
  batchget history config.ini`,
	}
	cmd.Flags().String(config.OptHistoryDB, "", "SQLite database written by batchget --history-db")
	cmd.Flags().String(optRun, "", "Run ID to show, the latest run when empty")
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func runHistoryCMD(cmd *cobra.Command, v *viper.Viper, args []string) error {
	path, err := cmd.Flags().GetString(config.OptHistoryDB)
	if err != nil {
		return err
	}
	if path == "" {
		if err := v.BindEnv(config.KeyHistoryDatabase, "BATCHGET_HISTORY_DATABASE"); err != nil {
			return err
		}
		if len(args) == 1 {
			if err := config.ReadConfigFile(v, args[0]); err != nil {
				return err
			}
		}
		path = v.GetString(config.KeyHistoryDatabase)
	}
	if path == "" {
		return fmt.Errorf("%w: no history database, set --%s or [history] database", config.ErrInvalidConfig, config.OptHistoryDB)
	}

	j, err := journal.Open(path)
	if err != nil {
		return fmt.Errorf("error opening history database: %w", err)
	}
	defer j.Close()

	runID, err := cmd.Flags().GetString(optRun)
	if err != nil {
		return err
	}
	if runID == "" {
		runID, err = j.LatestRun(cmd.Context())
		if errors.Is(err, journal.ErrNoRuns) {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
			return nil
		}
		if err != nil {
			return err
		}
	}

	entries, err := j.Outcomes(cmd.Context(), runID)
	if err != nil {
		return err
	}
	return printEntries(cmd.OutOrStdout(), runID, entries)
}

func printEntries(out io.Writer, runID string, entries []journal.Entry) error {
	fmt.Fprintf(out, "Run %s\n", runID)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tSTATUS\tSIZE\tURL\tDETAIL")
	for _, e := range entries {
		status, detail := "ok", e.Path
		if !e.Success {
			status, detail = "failed", e.Error
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.Attempt, status, humanize.Bytes(uint64(e.Bytes)), e.URL, detail)
	}
	return w.Flush()
}
