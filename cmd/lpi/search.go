package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/franz/live-indexer/internal/search"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed projects",
	Long: `Search projects with free text and field filters.

Bare words match project names, paths, notes, plugins, samples and tags and
tolerate small typos. Quote a term for an exact match.

Fields:
  name: path: notes: plugin: sample: tag: version:   text
  key:A  key:"C# Minor"                                  key signature
  bpm:128  tempo:120-130  bpm:>=140                      tempo
  ts:3/4                                                 time signature
  duration:>300                                          length in seconds
  missing:true                                           missing plugins or samples

Alternatives: plugin:(Serum | Vital)`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().Bool("deleted", false, "include deleted and archived projects")
	searchCmd.Flags().Int("limit", 0, "maximum number of results (default from config)")
	searchCmd.Flags().Int("offset", 0, "skip this many results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	deleted, _ := cmd.Flags().GetBool("deleted")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	opts := search.Options{Limit: limit, Offset: offset}
	if deleted {
		opts.Statuses = []store.Status{store.StatusActive, store.StatusArchived, store.StatusDeleted}
	}

	query := strings.Join(args, " ")
	results, total, err := a.searchEngine().Search(context.Background(), query, opts)
	if err != nil {
		return err
	}

	if total == 0 {
		util.InfoLog("No projects match %q", query)
		return nil
	}
	util.InfoLog("%d project(s) match %q", total, query)
	fmt.Println()
	for _, r := range results {
		printSearchResult(r)
	}
	if shown := offset + len(results); shown < total {
		util.InfoLog("Showing %d-%d of %d, use --offset to see more", offset+1, shown, total)
	}
	return nil
}

func printSearchResult(r search.Result) {
	p := r.Project
	fmt.Printf("  %5.1f%%  %s", r.Score, p.Name)
	if p.Status != store.StatusActive {
		fmt.Printf(" [%s]", p.Status)
	}
	fmt.Println()
	fmt.Printf("          %s\n", p.Path)
	fmt.Printf("          %s\n", projectLine(p))
	for _, m := range r.Matches {
		field := string(m.Field)
		if field == "" {
			field = "text"
		}
		fmt.Printf("          %s: %q ~ %q (%.0f%%)\n", field, m.Term, m.Value, m.Score)
	}
	fmt.Println()
}

// projectLine is the one-line musical summary of a project
func projectLine(p *store.Project) string {
	parts := []string{
		fmt.Sprintf("%.2f BPM", p.Tempo),
		p.TimeSignature.String(),
	}
	if p.Key != nil {
		parts = append(parts, p.Key.String())
	}
	if p.DurationSeconds != nil {
		parts = append(parts, formatDuration(*p.DurationSeconds))
	}
	parts = append(parts, "Live "+p.Version.String())
	return strings.Join(parts, " | ")
}

func formatDuration(seconds float64) string {
	s := int(seconds + 0.5)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
