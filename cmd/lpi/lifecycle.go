package main

import (
	"github.com/spf13/cobra"

	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

// statusCommand builds a command that moves one project to another state
func statusCommand(use, short, done string, apply func(db *store.Store, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id|path>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := resolveProject(a.db, args[0])
			if err != nil {
				return err
			}
			if err := apply(a.db, p.ID); err != nil {
				return err
			}
			util.SuccessLog("%s: %s", done, p.Name)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(statusCommand("delete", "Mark a project as deleted (keeps its data)", "Deleted",
		(*store.Store).MarkDeleted))
	rootCmd.AddCommand(statusCommand("restore", "Return a deleted or archived project to the active list", "Restored",
		(*store.Store).Reactivate))
	rootCmd.AddCommand(statusCommand("archive", "Hide a project from default listings", "Archived",
		(*store.Store).Archive))
	rootCmd.AddCommand(statusCommand("purge", "Permanently remove a project and everything attached to it", "Purged",
		(*store.Store).PurgeProject))
}
