package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/franz/live-indexer/internal/util"
)

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Check which plugins are installed and which samples still exist",
}

var presenceRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-check every indexed plugin and sample",
	Long: `Re-check every plugin against the installed-plugin database
(plugin_db_dir) and every sample against the file system.

Plugins are left untouched when no plugin database is configured.`,
	RunE: runPresenceRefresh,
}

func init() {
	rootCmd.AddCommand(presenceCmd)
	presenceCmd.AddCommand(presenceRefreshCmd)

	presenceRefreshCmd.Flags().Bool("clean", false, "also delete plugins and samples no project references")
}

func runPresenceRefresh(cmd *cobra.Command, args []string) error {
	clean, _ := cmd.Flags().GetBool("clean")

	a, err := openApp(appOptions{events: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if clean {
		plugins, samples, err := a.db.DeleteUnreferenced()
		if err != nil {
			return err
		}
		util.InfoLog("Removed %d unused plugin(s) and %d unused sample(s)", plugins, samples)
	}

	if !a.presence.HasRegistry() {
		util.WarnLog("No plugin database configured (plugin_db_dir), checking samples only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := a.presence.Refresh(ctx, a.db)
	if res != nil {
		a.events.LogPresence(res.Plugins, res.PluginsInstalled, res.Samples, res.SamplesPresent)
	}
	if err != nil {
		return fmt.Errorf("presence refresh failed: %w", err)
	}

	util.SuccessLog("Presence refreshed")
	if a.presence.HasRegistry() {
		util.InfoLog("  Plugins: %d installed of %d (%d changed)", res.PluginsInstalled, res.Plugins, res.PluginsChanged)
	}
	util.InfoLog("  Samples: %d present of %d (%d changed)", res.SamplesPresent, res.Samples, res.SamplesChanged)
	for _, e := range res.Errors {
		util.WarnLog("  %v", e)
	}
	return nil
}
