package commands

import (
	"os"

	"studipsync-backend/lib/configutil"
	"studipsync-backend/lib/serviceutil"
	"studipsync-backend/services/sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var historyConfigPath *string
var historyLimit *int

func init() {
	historyConfigPath = historyCmd.Flags().String("config", "config.json5", "The config file naming the history database.")
	historyLimit = historyCmd.Flags().Int("limit", 10, "How many runs to show.")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [--limit <n>]",
	Short: "Shows the most recent sync runs and their per-course outcomes.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg, err := configutil.ReadConfig[Config](*historyConfigPath)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		history := openHistoryDb(cfg)
		if history == nil {
			serviceutil.Fatal("no history database", os.ErrNotExist)
		}
		defer history.Close()

		records, err := sync.RecentRuns(ctx, history, *historyLimit)
		if err != nil {
			serviceutil.Fatal("failed to read sync history", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Finished", "Course", "Status", "Merge Error"})
		for _, record := range records {
			finished := record.FinishedAt.Format("2006-01-02 15:04:05")
			if len(record.Outcomes) == 0 {
				t.AppendRow(table.Row{finished, "-", "-", record.MergeError})
				continue
			}
			for _, outcome := range record.Outcomes {
				t.AppendRow(table.Row{finished, outcome.SaveAs, string(outcome.Status), record.MergeError})
			}
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
