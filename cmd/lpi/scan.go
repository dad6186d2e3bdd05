package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/franz/live-indexer/internal/scan"
	"github.com/franz/live-indexer/internal/util"
)

var scanCmd = &cobra.Command{
	Use:   "scan [roots...]",
	Short: "Index the Live projects below the given roots",
	Long: `Walk the project roots and index every Live Set found.

Projects whose fingerprint is unchanged since the last scan are skipped, so
re-running scan is cheap. Files that cannot be read are reported and do not
stop the scan. Press Ctrl-C to stop; projects already processed stay indexed.

Roots default to the 'roots' list in the config file.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Bool("force", false, "re-extract every project even when unchanged")
	scanCmd.Flags().Bool("prune", false, "mark projects whose files are gone as deleted")
}

func runScan(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	prune, _ := cmd.Flags().GetBool("prune")

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
	go func() {
		<-ctx.Done()
		if o.Stop() {
			util.WarnLog("Stopping scan, finishing files in flight...")
		}
	}()

	util.InfoLog("Scanning %d root(s) into %s", len(roots), a.cfg.DB)
	done := make(chan struct{})
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		renderProgress(o.Progress(), done)
	}()

	res, err := o.Scan(context.Background(), roots, scan.Options{Force: force, Prune: prune})
	close(done)
	<-rendered
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	printScanResult(res)
	if res.State == scan.StateError {
		return fmt.Errorf("scan ended in error state")
	}
	return nil
}

// renderProgress draws the progress stream as a bar on a terminal and as
// periodic log lines otherwise, until done is closed
func renderProgress(progress <-chan scan.Progress, done <-chan struct{}) {
	var bar *progressbar.ProgressBar
	isTTY := util.IsTerminal(os.Stdout.Fd())
	lastLog := time.Now()

	for {
		select {
		case <-done:
			if bar != nil {
				bar.Finish()
			}
			return
		case p := <-progress:
			if util.IsQuiet() {
				continue
			}
			if !isTTY {
				if p.State != scan.StateParsing || time.Since(lastLog) > 2*time.Second {
					util.InfoLog("[%s] %d/%d %s", p.State, p.Completed, p.Total, p.Message)
					lastLog = time.Now()
				}
				continue
			}
			if bar == nil && p.Total > 0 {
				bar = progressbar.NewOptions(p.Total,
					progressbar.OptionSetDescription("Indexing"),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("projects"),
					progressbar.OptionThrottle(100*time.Millisecond),
					progressbar.OptionClearOnFinish(),
					progressbar.OptionSetRenderBlankState(true),
				)
			}
			if bar != nil {
				bar.Describe(fmt.Sprintf("Indexing (%s)", p.State))
				bar.Set(p.Completed)
			}
		}
	}
}

func printScanResult(res *scan.Result) {
	switch res.State {
	case scan.StateCompleted:
		util.SuccessLog("Scan complete in %v", res.Duration.Round(time.Millisecond))
	case scan.StateCancelled:
		util.WarnLog("Scan cancelled after %v", res.Duration.Round(time.Millisecond))
	default:
		util.ErrorLog("Scan ended in state %s after %v", res.State, res.Duration.Round(time.Millisecond))
	}
	util.InfoLog("  Projects found:  %s", humanize.Comma(int64(res.Discovered)))
	util.InfoLog("  Indexed:         %s", humanize.Comma(int64(res.Parsed)))
	util.InfoLog("  Unchanged:       %s", humanize.Comma(int64(res.Skipped)))
	if res.Pruned > 0 {
		util.InfoLog("  Marked deleted:  %s", humanize.Comma(int64(res.Pruned)))
	}
	if len(res.Failed) > 0 {
		util.WarnLog("  Failed:          %s", humanize.Comma(int64(len(res.Failed))))
		for i, fe := range res.Failed {
			if i == 10 {
				util.WarnLog("    ... and %d more (see the event log)", len(res.Failed)-10)
				break
			}
			util.WarnLog("    %s", fe.Error())
		}
	}
}
