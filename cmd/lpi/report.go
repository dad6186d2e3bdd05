package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/live-indexer/internal/report"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	RunE:  runStats,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write a Markdown summary of the index and the last scan",
	Long: `Generate a summary report in Markdown format.

The report includes project, plugin and sample counts, the most used and the
missing plugins, missing samples and, when an event log is available, the
outcome of the last scan with its most common errors.

The event log defaults to the newest events-*.jsonl in events_dir. The report
is saved to artifacts/reports/<timestamp>/summary.md unless --out is given.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().String("out", "", "output directory (default: artifacts/reports/<timestamp>)")
	reportCmd.Flags().String("event-log", "", "event log to summarize (default: newest in events_dir)")
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.db.GetStats()
	if err != nil {
		return err
	}

	util.InfoLog("=== Index Statistics ===")
	util.InfoLog("Database: %s", a.cfg.DB)
	util.InfoLog("")
	util.InfoLog("Projects:    %s active, %s archived, %s deleted",
		humanize.Comma(int64(stats.Projects[store.StatusActive])),
		humanize.Comma(int64(stats.Projects[store.StatusArchived])),
		humanize.Comma(int64(stats.Projects[store.StatusDeleted])))
	util.InfoLog("Plugins:     %s (%d missing)", humanize.Comma(int64(stats.Plugins)), stats.MissingPlugins)
	util.InfoLog("Samples:     %s (%d missing)", humanize.Comma(int64(stats.Samples)), stats.MissingSamples)
	util.InfoLog("Tags:        %d", stats.Tags)
	util.InfoLog("Collections: %d", stats.Collections)

	if len(stats.TopPlugins) > 0 {
		util.InfoLog("")
		util.InfoLog("Most used plugins:")
		for _, pl := range stats.TopPlugins {
			util.InfoLog("  %4d  %s (%s)", pl.ProjectCount, pl.Name, pl.Format)
		}
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	eventLogPath, _ := cmd.Flags().GetString("event-log")
	if eventLogPath == "" {
		eventLogPath = latestEventLog(a.cfg.EventsDir)
	}

	util.InfoLog("Analyzing index...")
	summary, err := report.GenerateSummaryReport(a.db, eventLogPath)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	summary.DatabasePath = a.cfg.DB
	if info, err := os.Stat(a.cfg.DB); err == nil {
		summary.DatabaseSize = info.Size()
	}

	outputDir, _ := cmd.Flags().GetString("out")
	if outputDir == "" {
		outputDir = filepath.Join("artifacts", "reports", time.Now().Format("20060102-150405"))
	}
	outputPath := filepath.Join(outputDir, "summary.md")

	if err := report.WriteMarkdownReport(summary, outputPath); err != nil {
		return err
	}

	util.SuccessLog("Report saved to: %s", outputPath)
	util.InfoLog("  Active projects: %s", humanize.Comma(int64(summary.Projects[store.StatusActive])))
	if summary.MissingPlugins > 0 || summary.MissingSamples > 0 {
		util.WarnLog("  Missing: %d plugin(s), %d sample(s)", summary.MissingPlugins, summary.MissingSamples)
	}
	if run := summary.LastScan; run != nil && run.Failed > 0 {
		util.WarnLog("  Last scan failures: %d", run.Failed)
	}
	return nil
}

// latestEventLog returns the newest event log in dir, or "" when there is none
func latestEventLog(dir string) string {
	if dir == "" {
		return ""
	}
	matches, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	// the timestamp in the name sorts chronologically
	sort.Strings(matches)
	return matches[len(matches)-1]
}
