package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/live-indexer/internal/presence"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks on the environment and configuration",
	Long: `Run diagnostic checks to ensure lpi can operate correctly.

This command checks:
- SQLite version and full-text search support
- Database accessibility and integrity
- Project roots are readable directories
- The installed-plugin database, when configured
- The event log directory is writable
- Disk space next to the database

Use this command to troubleshoot issues before scanning.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	util.InfoLog("=== lpi doctor - System Diagnostics ===")
	util.InfoLog("")

	results := []checkResult{
		checkSQLite(),
		checkFTS(),
		checkDatabase(cfg.DB),
	}
	if len(cfg.Roots) == 0 {
		results = append(results, checkResult{
			name:    "Project roots",
			warning: true,
			message: "none configured (pass roots to scan or set roots in config)",
		})
	}
	for _, root := range cfg.Roots {
		results = append(results, checkRootDirectory(root))
	}
	results = append(results, checkPluginDatabase(cfg.PluginDBDir))
	if cfg.EventsDir != "" {
		results = append(results, checkEventsDirectory(cfg.EventsDir))
	}
	results = append(results, checkDiskSpace(filepath.Dir(util.NormalizePath(cfg.DB, "")), "database"))

	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("❌ Some critical checks failed. Please resolve errors before scanning.")
		return fmt.Errorf("system diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("⚠️  Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("✅ All checks passed! lpi is ready to index.")
	}

	return nil
}

// checkSQLite reports the embedded SQLite version
func checkSQLite() checkResult {
	version := store.SQLiteVersion()
	if version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: "unable to determine version",
		}
	}

	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkFTS verifies the FTS5 trigram tokenizer search relies on
func checkFTS() checkResult {
	if !store.FTS5Available() {
		return checkResult{
			name:    "Full-text search",
			error:   true,
			message: "FTS5 with the trigram tokenizer is not available",
		}
	}
	return checkResult{name: "Full-text search", message: "FTS5 trigram"}
}

// checkDatabase verifies the index database can be opened and is intact
func checkDatabase(dbPath string) checkResult {
	if dbPath == "" {
		return checkResult{
			name:    "Database",
			warning: true,
			message: "no database path specified (use --db flag or config)",
		}
	}

	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return checkResult{
				name:    "Database",
				message: fmt.Sprintf("%s (will be created on first scan)", dbPath),
			}
		}
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", dbPath, err),
		}
	}

	if !info.Mode().IsRegular() {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("%s is not a regular file", dbPath),
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot open %s: %v", dbPath, err),
		}
	}
	defer db.Close()

	if err := db.CheckIntegrity(); err != nil {
		return checkResult{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %v", err),
		}
	}

	counts, _ := db.CountProjectsByStatus()
	return checkResult{
		name: "Database",
		message: fmt.Sprintf("%s (%s, %s projects)", dbPath,
			humanize.Bytes(uint64(info.Size())), humanize.Comma(int64(counts[store.StatusActive]))),
	}
}

// checkRootDirectory verifies a project root is a readable directory
func checkRootDirectory(path string) checkResult {
	name := fmt.Sprintf("Root %s", path)
	info, err := os.Stat(path)
	if err != nil {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("cannot access: %v", err),
		}
	}

	if !info.IsDir() {
		return checkResult{
			name:    name,
			error:   true,
			message: "not a directory",
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return checkResult{
			name:    name,
			error:   true,
			message: fmt.Sprintf("cannot read: %v", err),
		}
	}

	return checkResult{
		name:    name,
		message: fmt.Sprintf("%d entries", len(entries)),
	}
}

// checkPluginDatabase verifies the installed-plugin database can be read
func checkPluginDatabase(dir string) checkResult {
	if dir == "" {
		return checkResult{
			name:    "Plugin database",
			warning: true,
			message: "plugin_db_dir not set, plugin presence will not be checked",
		}
	}

	reg, err := presence.OpenSQLiteRegistry(dir)
	if err != nil {
		return checkResult{
			name:    "Plugin database",
			error:   true,
			message: err.Error(),
		}
	}
	defer reg.Close()

	return checkResult{
		name:    "Plugin database",
		message: reg.Path(),
	}
}

// checkEventsDirectory verifies the event log directory is writable
func checkEventsDirectory(path string) checkResult {
	if err := os.MkdirAll(path, 0755); err != nil {
		return checkResult{
			name:    "Event log directory",
			error:   true,
			message: fmt.Sprintf("cannot create %s: %v", path, err),
		}
	}

	testFile := filepath.Join(path, ".lpi_write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return checkResult{
			name:    "Event log directory",
			error:   true,
			message: fmt.Sprintf("cannot write to %s: %v", path, err),
		}
	}
	f.Close()
	os.Remove(testFile)

	return checkResult{
		name:    "Event log directory",
		message: fmt.Sprintf("%s (writable)", path),
	}
}

// checkDiskSpace verifies available disk space
func checkDiskSpace(path string, label string) checkResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return checkResult{
			name:    fmt.Sprintf("Disk space (%s)", label),
			warning: true,
			message: fmt.Sprintf("cannot determine disk space: %v", err),
		}
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	totalBytes := stat.Blocks * uint64(stat.Bsize)
	usedBytes := totalBytes - (stat.Bfree * uint64(stat.Bsize))
	usedPercent := float64(usedBytes) / float64(totalBytes) * 100

	// an index is small, but WAL checkpoints need headroom
	warning := false
	warningMsg := ""
	if availBytes < 1<<30 {
		warning = true
		warningMsg = " (low space!)"
	} else if usedPercent > 95 {
		warning = true
		warningMsg = " (>95% used)"
	}

	return checkResult{
		name:    fmt.Sprintf("Disk space (%s)", label),
		warning: warning,
		message: fmt.Sprintf("%s available%s", humanize.IBytes(availBytes), warningMsg),
	}
}
