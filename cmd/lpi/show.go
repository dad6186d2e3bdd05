package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

var showCmd = &cobra.Command{
	Use:   "show <id|path>",
	Short: "Show everything indexed about one project",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed projects",
	Long: `List projects page by page.

By default only active projects are listed. Use --status archived, deleted
or any to see the others.`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().String("status", "active", "active, archived, deleted or any")
	listCmd.Flags().String("sort", "name", "name, path, created, modified, tempo or duration")
	listCmd.Flags().Bool("desc", false, "sort descending")
	listCmd.Flags().Int("limit", 50, "page size (0 = all)")
	listCmd.Flags().Int("offset", 0, "skip this many projects")
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := resolveProject(a.db, args[0])
	if err != nil {
		return err
	}
	tasks, err := a.db.GetTasks(p.ID)
	if err != nil {
		return err
	}

	fmt.Printf("%s", p.Name)
	if p.Status != store.StatusActive {
		fmt.Printf(" [%s]", p.Status)
	}
	fmt.Println()
	fmt.Printf("  ID:        %s\n", p.ID)
	fmt.Printf("  Path:      %s\n", p.Path)
	fmt.Printf("  Music:     %s\n", projectLine(p))
	if p.FurthestBar != nil {
		fmt.Printf("  Bars:      %.0f\n", *p.FurthestBar)
	}
	fmt.Printf("  Modified:  %s (%s)\n", p.ModifiedAt.Format("2006-01-02 15:04"), humanize.Time(p.ModifiedAt))
	fmt.Printf("  Indexed:   %s\n", humanize.Time(p.LastParsedAt))
	fmt.Printf("  Hash:      %s\n", p.Hash)

	if len(p.Tags) > 0 {
		names := make([]string, len(p.Tags))
		for i, t := range p.Tags {
			names[i] = t.Name
		}
		fmt.Printf("  Tags:      %s\n", strings.Join(names, ", "))
	}
	if p.Notes != "" {
		fmt.Printf("  Notes:     %s\n", p.Notes)
	}

	if len(p.Plugins) > 0 {
		fmt.Printf("\nPlugins (%d):\n", len(p.Plugins))
		for _, pl := range p.Plugins {
			fmt.Printf("  %s %-30s %-16s %s\n", presenceMark(pl.Installed), pl.Name, pl.Format, pl.Vendor)
		}
	}
	if len(p.Samples) > 0 {
		fmt.Printf("\nSamples (%d):\n", len(p.Samples))
		for _, sa := range p.Samples {
			fmt.Printf("  %s %s\n", presenceMark(sa.Present), sa.Path)
		}
	}
	if len(tasks) > 0 {
		fmt.Printf("\nTasks:\n")
		for _, t := range tasks {
			box := "[ ]"
			if t.Completed {
				box = "[x]"
			}
			fmt.Printf("  %s %s\n", box, t.Description)
		}
	}
	return nil
}

func presenceMark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func runList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	sortBy, _ := cmd.Flags().GetString("sort")
	desc, _ := cmd.Flags().GetBool("desc")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	statuses, err := parseStatuses(status)
	if err != nil {
		return err
	}

	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	projects, total, err := a.db.GetProjects(
		store.ProjectFilter{Statuses: statuses},
		store.Page{Limit: limit, Offset: offset, SortBy: store.SortKey(sortBy), Desc: desc},
	)
	if err != nil {
		return err
	}

	util.InfoLog("%s project(s)", humanize.Comma(int64(total)))
	for _, p := range projects {
		fmt.Printf("  %-36s  %-40s %s\n", p.ID, p.Name, projectLine(p))
	}
	if shown := offset + len(projects); shown < total {
		util.InfoLog("Showing %d-%d of %d", offset+1, shown, total)
	}
	return nil
}

// parseStatuses maps the --status flag onto a status filter
func parseStatuses(s string) ([]store.Status, error) {
	if s == "any" || s == "all" {
		return []store.Status{store.StatusActive, store.StatusArchived, store.StatusDeleted}, nil
	}
	st := store.Status(s)
	if !st.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", s, util.ErrInvalidConfig)
	}
	return []store.Status{st}, nil
}
