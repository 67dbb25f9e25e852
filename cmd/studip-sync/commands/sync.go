package commands

import (
	"context"
	"database/sql"
	"errors"
	"os"

	"studipsync-backend/lib/configutil"
	"studipsync-backend/lib/serviceutil"
	"studipsync-backend/lib/sqliteutil"
	"studipsync-backend/lib/telemetry"
	"studipsync-backend/services/sync"
	syncdb "studipsync-backend/services/sync/db"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var syncConfigPath *string

func init() {
	syncConfigPath = syncCmd.Flags().String("config", "config.json5", "The config file holding credentials, destination and courses.")
	rootCmd.AddCommand(syncCmd)
}

func setupTelemetry(ctx context.Context) func() {
	t, err := telemetry.SetupFromEnv(ctx, "studip-sync")
	if errors.Is(err, os.ErrNotExist) {
		return func() {}
	}
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	telemetry.InstrumentPerfStats(ctx)
	return func() {
		t.Shutdown(context.Background())
	}
}

func openHistoryDb(cfg Config) *sql.DB {
	if cfg.HistoryDb == "" {
		return nil
	}
	db, err := sqliteutil.OpenDB(syncdb.Schema, cfg.HistoryDb)
	if err != nil {
		serviceutil.Fatal("failed to open history database", err)
	}
	return db
}

func renderOutcomes(report sync.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Course", "Save As", "Status"})
	for _, outcome := range report.Outcomes {
		t.AppendRow(table.Row{outcome.CourseId, outcome.SaveAs, string(outcome.Status)})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

var syncCmd = &cobra.Command{
	Use:   "sync [--config <path/to/config.json5>]",
	Short: "Downloads the configured course archives and merges them into the destination tree.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg, err := configutil.ReadConfig[Config](*syncConfigPath)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		err = cfg.Validate()
		if err != nil {
			serviceutil.Fatal("invalid config", err)
		}

		cleanup := setupTelemetry(ctx)
		defer cleanup()

		history := openHistoryDb(cfg)
		if history != nil {
			defer history.Close()
		}

		service := sync.NewService(sync.StudipProvider{BaseUrl: cfg.baseUrl()}, history)
		report, err := service.Run(ctx, sync.RunOptions{
			Username:    cfg.Username,
			Password:    cfg.Password,
			Destination: cfg.FilesDestination,
			Courses:     cfg.Courses,
		})

		renderOutcomes(report)
		if err != nil {
			serviceutil.Fatal("sync run failed", err)
		}
	},
}
