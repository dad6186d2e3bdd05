package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/franz/live-indexer/internal/scan"
	"github.com/franz/live-indexer/internal/util"
	"github.com/franz/live-indexer/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [roots...]",
	Short: "Keep the index up to date while projects change",
	Long: `Watch the project roots and re-index projects as they are saved,
moved, renamed or deleted. A catch-up scan runs first so changes made while
nothing was watching are picked up too. Stop with Ctrl-C.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Bool("no-scan", false, "skip the catch-up scan")
}

func runWatch(cmd *cobra.Command, args []string) error {
	noScan, _ := cmd.Flags().GetBool("no-scan")

	a, err := openApp(appOptions{events: true, serveMetrics: true})
	if err != nil {
		return err
	}
	defer a.Close()

	roots, err := a.roots(args)
	if err != nil {
		return err
	}
	o, err := a.orchestrator()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := watch.New(&watch.Config{
		Indexer:  o,
		Store:    a.db,
		Roots:    roots,
		Debounce: a.cfg.Watch.Debounce,
		Metrics:  a.metrics,
		Events:   a.events,
		OnEvent: func(ev watch.Event, err error) {
			if err != nil {
				util.WarnLog("%s %s: %v", ev.Op, ev.Path, err)
				return
			}
			if ev.Op == watch.OpRenamed {
				util.InfoLog("renamed %s -> %s", ev.OldPath, ev.Path)
				return
			}
			util.InfoLog("%s %s", ev.Op, ev.Path)
		},
	})
	if err != nil {
		return err
	}
	// start before the catch-up scan so no change falls between the two
	if err := w.Start(ctx); err != nil {
		w.Close()
		return err
	}
	defer w.Close()

	if !noScan {
		go func() {
			<-ctx.Done()
			o.Stop()
		}()
		res, err := o.Scan(ctx, roots, scan.Options{Prune: true})
		if err != nil {
			return fmt.Errorf("catch-up scan failed: %w", err)
		}
		printScanResult(res)
	}

	util.InfoLog("Watching %d root(s), press Ctrl-C to stop", len(roots))
	<-ctx.Done()
	util.InfoLog("Stopping watcher")
	return nil
}
