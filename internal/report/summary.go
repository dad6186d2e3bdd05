package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/franz/live-indexer/internal/store"
)

// SummaryReport describes the state of an index and, optionally, the most
// recent scan recorded in an event log
type SummaryReport struct {
	GeneratedAt time.Time

	Projects       map[store.Status]int
	Plugins        int
	MissingPlugins int
	Samples        int
	MissingSamples int
	Tags           int
	Collections    int

	TopPlugins    []store.PluginUsage
	MissingPlugin []store.PluginUsage
	MissingSample []store.Sample
	LastScan      *ScanRun
	TopErrors     []ErrorSummary

	DatabasePath string
	DatabaseSize int64
	EventLogPath string
}

// ScanRun is the outcome of one scan reconstructed from the event log
type ScanRun struct {
	ScanID   string
	State    string
	Started  time.Time
	Duration time.Duration
	Parsed   int
	Skipped  int
	Failed   int
	Pruned   int
}

// ErrorSummary represents an error with its count
type ErrorSummary struct {
	Error string
	Count int
}

// StatsSource is the subset of the store a summary is built from
type StatsSource interface {
	GetStats() (*store.Stats, error)
	GetPlugins(filter store.PluginFilter, page store.Page) ([]store.PluginUsage, error)
	GetSamples(filter store.SampleFilter, page store.Page) ([]store.Sample, error)
}

// GenerateSummaryReport gathers index statistics from db and, when
// eventLogPath is non-empty, the last scan and its most common errors
func GenerateSummaryReport(db StatsSource, eventLogPath string) (*SummaryReport, error) {
	stats, err := db.GetStats()
	if err != nil {
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	}

	report := &SummaryReport{
		GeneratedAt:    time.Now(),
		Projects:       stats.Projects,
		Plugins:        stats.Plugins,
		MissingPlugins: stats.MissingPlugins,
		Samples:        stats.Samples,
		MissingSamples: stats.MissingSamples,
		Tags:           stats.Tags,
		Collections:    stats.Collections,
		TopPlugins:     stats.TopPlugins,
		EventLogPath:   eventLogPath,
	}

	if report.MissingPlugin, err = db.GetPlugins(store.PluginFilter{MissingOnly: true}, store.Page{Limit: 20}); err != nil {
		return nil, err
	}
	if report.MissingSample, err = db.GetSamples(store.SampleFilter{MissingOnly: true}, store.Page{Limit: 20}); err != nil {
		return nil, err
	}

	if eventLogPath != "" {
		events, err := ReadEvents(eventLogPath)
		if err != nil {
			return nil, err
		}
		report.LastScan = lastScan(events)
		report.TopErrors = topErrors(events, 10)
	}

	return report, nil
}

// lastScan folds the events of the most recently started scan
func lastScan(events []Event) *ScanRun {
	var run *ScanRun
	for _, ev := range events {
		switch ev.Event {
		case EventScanStart:
			run = &ScanRun{ScanID: ev.ScanID, State: "running", Started: ev.Timestamp}
		case EventScanEnd:
			if run == nil || ev.ScanID != run.ScanID {
				continue
			}
			run.State = ev.State
			run.Duration = time.Duration(ev.Duration) * time.Millisecond
		case EventParsed, EventSkipped, EventFailed, EventPruned:
			if run == nil || ev.ScanID != run.ScanID {
				continue
			}
			switch ev.Event {
			case EventParsed:
				run.Parsed++
			case EventSkipped:
				run.Skipped++
			case EventFailed:
				run.Failed++
			case EventPruned:
				run.Pruned++
			}
		}
	}
	return run
}

// topErrors counts failure messages across every scan in the log
func topErrors(events []Event, limit int) []ErrorSummary {
	counts := make(map[string]int)
	for _, ev := range events {
		if ev.Event == EventFailed && ev.Error != "" {
			counts[ev.Error]++
		}
	}

	errors := make([]ErrorSummary, 0, len(counts))
	for msg, count := range counts {
		errors = append(errors, ErrorSummary{Error: msg, Count: count})
	}
	sort.Slice(errors, func(i, j int) bool {
		if errors[i].Count != errors[j].Count {
			return errors[i].Count > errors[j].Count
		}
		return errors[i].Error < errors[j].Error
	})

	if len(errors) > limit {
		errors = errors[:limit]
	}
	return errors
}

// WriteMarkdownReport writes the summary report as Markdown
func WriteMarkdownReport(report *SummaryReport, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(outputPath, []byte(RenderMarkdown(report)), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// RenderMarkdown formats the report as a Markdown document
func RenderMarkdown(report *SummaryReport) string {
	var md strings.Builder

	md.WriteString("# Live Project Index - Summary Report\n\n")
	fmt.Fprintf(&md, "**Generated:** %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05"))
	if report.DatabasePath != "" {
		fmt.Fprintf(&md, "**Database:** `%s`", report.DatabasePath)
		if report.DatabaseSize > 0 {
			fmt.Fprintf(&md, " (%s)", humanize.Bytes(uint64(report.DatabaseSize)))
		}
		md.WriteString("\n\n")
	}
	if report.EventLogPath != "" {
		fmt.Fprintf(&md, "**Event Log:** `%s`\n\n", report.EventLogPath)
	}
	md.WriteString("---\n\n")

	md.WriteString("## 📊 Overview\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	fmt.Fprintf(&md, "| Active Projects | %s |\n", humanize.Comma(int64(report.Projects[store.StatusActive])))
	if n := report.Projects[store.StatusArchived]; n > 0 {
		fmt.Fprintf(&md, "| Archived Projects | %s |\n", humanize.Comma(int64(n)))
	}
	if n := report.Projects[store.StatusDeleted]; n > 0 {
		fmt.Fprintf(&md, "| Deleted Projects | %s |\n", humanize.Comma(int64(n)))
	}
	fmt.Fprintf(&md, "| Plugins | %s (%d missing) |\n", humanize.Comma(int64(report.Plugins)), report.MissingPlugins)
	fmt.Fprintf(&md, "| Samples | %s (%d missing) |\n", humanize.Comma(int64(report.Samples)), report.MissingSamples)
	fmt.Fprintf(&md, "| Tags | %d |\n", report.Tags)
	fmt.Fprintf(&md, "| Collections | %d |\n", report.Collections)
	md.WriteString("\n")

	if run := report.LastScan; run != nil {
		md.WriteString("## 🔎 Last Scan\n\n")
		md.WriteString("| Metric | Value |\n")
		md.WriteString("|--------|-------|\n")
		fmt.Fprintf(&md, "| Started | %s |\n", humanize.Time(run.Started))
		fmt.Fprintf(&md, "| State | %s |\n", run.State)
		if run.Duration > 0 {
			fmt.Fprintf(&md, "| Duration | %s |\n", run.Duration.Round(time.Millisecond))
		}
		fmt.Fprintf(&md, "| Parsed | %d |\n", run.Parsed)
		fmt.Fprintf(&md, "| Unchanged | %d |\n", run.Skipped)
		if run.Failed > 0 {
			fmt.Fprintf(&md, "| Failed | %d |\n", run.Failed)
		}
		if run.Pruned > 0 {
			fmt.Fprintf(&md, "| Pruned | %d |\n", run.Pruned)
		}
		md.WriteString("\n")
	}

	if len(report.TopPlugins) > 0 {
		md.WriteString("## 🎛️ Most Used Plugins\n\n")
		md.WriteString("| Plugin | Vendor | Format | Projects |\n")
		md.WriteString("|--------|--------|--------|----------|\n")
		for _, pl := range report.TopPlugins {
			fmt.Fprintf(&md, "| %s | %s | %s | %d |\n", pl.Name, pl.Vendor, pl.Format, pl.ProjectCount)
		}
		md.WriteString("\n")
	}

	if len(report.MissingPlugin) > 0 {
		md.WriteString("## ❌ Missing Plugins\n\n")
		md.WriteString("| Plugin | Format | Projects |\n")
		md.WriteString("|--------|--------|----------|\n")
		for _, pl := range report.MissingPlugin {
			fmt.Fprintf(&md, "| %s | %s | %d |\n", pl.Name, pl.Format, pl.ProjectCount)
		}
		md.WriteString("\n")
	}

	if len(report.MissingSample) > 0 {
		md.WriteString("## 🔇 Missing Samples\n\n")
		for _, sa := range report.MissingSample {
			fmt.Fprintf(&md, "- `%s`\n", truncatePath(sa.Path, 80))
		}
		md.WriteString("\n")
	}

	if len(report.TopErrors) > 0 {
		md.WriteString("## ⚠️ Top Errors\n\n")
		md.WriteString("| Count | Error |\n")
		md.WriteString("|-------|-------|\n")
		for _, err := range report.TopErrors {
			fmt.Fprintf(&md, "| %d | %s |\n", err.Count, err.Error)
		}
		md.WriteString("\n")
	}

	md.WriteString("---\n\n")
	md.WriteString("*Generated by lpi*\n")
	return md.String()
}

// truncatePath truncates a file path to a maximum length
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	// keep both ends, they carry the root and the file name
	start := maxLen/2 - 2
	end := len(path) - (maxLen/2 - 2)
	return path[:start] + "..." + path[end:]
}
