package presence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/franz/live-indexer/internal/util"
	_ "modernc.org/sqlite" // SQLite driver
)

// PluginInfo is what an installed-plugin registry knows about a plugin
type PluginInfo struct {
	Name       string
	Vendor     string
	Version    string
	SDKVersion string
}

// PluginRegistry is the read-only source of plugin installation truth.
// Lookup returns nil when the plugin is not installed.
type PluginRegistry interface {
	Lookup(ctx context.Context, devIdentifier string) (*PluginInfo, error)
}

// StaticRegistry is a fixed set of installed plugins keyed by developer identifier
type StaticRegistry map[string]PluginInfo

// Lookup implements PluginRegistry
func (r StaticRegistry) Lookup(_ context.Context, devIdentifier string) (*PluginInfo, error) {
	info, ok := r[devIdentifier]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// SQLiteRegistry reads the plugin database Live maintains for its plugin
// scanner. Only plugins that scanned successfully and are enabled count
// as installed.
type SQLiteRegistry struct {
	db   *sql.DB
	path string
}

// OpenSQLiteRegistry opens the most recently modified *.db file in dir
// read-only.
func OpenSQLiteRegistry(dir string) (*SQLiteRegistry, error) {
	path, err := latestDatabase(dir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin registry: %w", err)
	}
	db.SetMaxOpenConns(2)

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='plugins'").Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read plugin registry %s: %w", path, err)
	}
	if n == 0 {
		db.Close()
		return nil, fmt.Errorf("plugin registry %s has no plugins table: %w", path, util.ErrInvalidConfig)
	}

	util.DebugLog("Using plugin registry %s", path)
	return &SQLiteRegistry{db: db, path: path}, nil
}

// latestDatabase returns the newest *.db file directly inside dir
func latestDatabase(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read plugin registry directory: %w", err)
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".db") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, e.Name())
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no plugin registry in %s: %w", dir, util.ErrNotFound)
	}
	return newest, nil
}

// Path returns the database file in use
func (r *SQLiteRegistry) Path() string { return r.path }

// Close closes the registry database
func (r *SQLiteRegistry) Close() error { return r.db.Close() }

// Lookup implements PluginRegistry
func (r *SQLiteRegistry) Lookup(ctx context.Context, devIdentifier string) (*PluginInfo, error) {
	info := &PluginInfo{}
	err := r.db.QueryRowContext(ctx, `
		SELECT name, COALESCE(vendor, ''), COALESCE(version, ''), COALESCE(sdk_version, '')
		FROM plugins
		WHERE dev_identifier = ? AND scanstate = 1 AND enabled = 1
		LIMIT 1
	`, devIdentifier).Scan(&info.Name, &info.Vendor, &info.Version, &info.SDKVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("plugin registry lookup %s: %w", devIdentifier, err)
	}
	return info, nil
}
