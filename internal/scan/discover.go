package scan

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/franz/live-indexer/internal/util"
)

// backupPattern matches the timestamp Live appends to automatic backups,
// e.g. "Song [2024-03-01 101530].als"
var backupPattern = regexp.MustCompile(`\[\d{4}-\d{2}-\d{2}\s\d{6}\]`)

// Accepts reports whether path is a project file the orchestrator indexes
func (o *Orchestrator) Accepts(path string) bool {
	if !o.extensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	if backupPattern.MatchString(filepath.Base(path)) {
		return false
	}
	return !o.excluded(path, "")
}

// excluded matches the exclude patterns against the root-relative path when
// known and against the absolute path without its leading separator
func (o *Orchestrator) excluded(path, rel string) bool {
	candidates := []string{strings.TrimPrefix(filepath.ToSlash(path), "/")}
	if rel != "" {
		candidates = append(candidates, filepath.ToSlash(rel))
	}
	for _, pattern := range o.exclude {
		for _, c := range candidates {
			if matched, _ := doublestar.Match(pattern, c); matched {
				return true
			}
		}
	}
	return false
}

// discover walks every root and returns the sorted, de-duplicated set of
// project files. A root that cannot be read aborts discovery; unreadable
// entries below it are logged and skipped.
func (o *Orchestrator) discover(ctx context.Context, roots []string) ([]string, error) {
	seen := make(map[string]bool)
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if path == root {
					return fmt.Errorf("scan root %s: %w", root, err)
				}
				o.log.Warn("cannot access path", zap.String("path", path), zap.Error(err))
				return nil
			}

			rel, _ := filepath.Rel(root, path)
			if d.IsDir() {
				if path != root && o.excluded(path, rel+"/") {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			if !o.extensions[strings.ToLower(filepath.Ext(path))] || backupPattern.MatchString(d.Name()) {
				return nil
			}
			if o.excluded(path, rel) {
				return nil
			}
			seen[util.NormalizePath(path, "")] = true
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}
