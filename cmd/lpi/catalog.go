package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List plugins used by indexed projects, most used first",
	RunE:  runPlugins,
}

var pluginProjectsCmd = &cobra.Command{
	Use:   "plugin-projects <plugin-id|dev-identifier>",
	Short: "List the projects that use a plugin",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginProjects,
}

var samplesCmd = &cobra.Command{
	Use:   "samples",
	Short: "List samples referenced by indexed projects",
	RunE:  runSamples,
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(pluginProjectsCmd)
	rootCmd.AddCommand(samplesCmd)

	pluginsCmd.Flags().Bool("missing", false, "only plugins that are not installed")
	pluginsCmd.Flags().String("name", "", "only plugins whose name contains this text")
	pluginsCmd.Flags().Int("limit", 0, "maximum number of plugins (0 = all)")
	pluginProjectsCmd.Flags().Int("limit", 50, "page size (0 = all)")
	samplesCmd.Flags().Bool("missing", false, "only samples whose file is gone")
	samplesCmd.Flags().Int("limit", 0, "maximum number of samples (0 = all)")
}

func runPlugins(cmd *cobra.Command, args []string) error {
	missing, _ := cmd.Flags().GetBool("missing")
	name, _ := cmd.Flags().GetString("name")
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	plugins, err := a.db.GetPlugins(store.PluginFilter{MissingOnly: missing, Name: name}, store.Page{Limit: limit})
	if err != nil {
		return err
	}
	if len(plugins) == 0 {
		util.InfoLog("No plugins found")
		return nil
	}
	for _, pl := range plugins {
		fmt.Printf("  %s %-32s %-16s %-20s %4d  %s\n",
			presenceMark(pl.Installed), pl.Name, pl.Format, pl.Vendor, pl.ProjectCount, pl.ID)
	}
	return nil
}

func runPluginProjects(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	pl, err := a.db.GetPlugin(args[0])
	if err == nil && pl == nil {
		pl, err = a.db.GetPluginByDevIdentifier(args[0])
	}
	if err != nil {
		return err
	}
	if pl == nil {
		return fmt.Errorf("plugin %q: %w", args[0], util.ErrNotFound)
	}

	projects, total, err := a.db.GetProjectsByPlugin(pl.ID, store.Page{Limit: limit})
	if err != nil {
		return err
	}
	util.InfoLog("%s (%s) is used by %d project(s)", pl.Name, pl.Format, total)
	for _, p := range projects {
		fmt.Printf("  %-40s %s\n", p.Name, p.Path)
	}
	return nil
}

func runSamples(cmd *cobra.Command, args []string) error {
	missing, _ := cmd.Flags().GetBool("missing")
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	samples, err := a.db.GetSamples(store.SampleFilter{MissingOnly: missing}, store.Page{Limit: limit})
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		util.InfoLog("No samples found")
		return nil
	}
	for _, sa := range samples {
		format := sa.Format
		if format == "" {
			format = "-"
		}
		fmt.Printf("  %s %-6s %s\n", presenceMark(sa.Present), format, sa.Path)
	}
	return nil
}
