// Package watch keeps the index current between scans by reacting to
// file-system events under the scan roots.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/franz/live-indexer/internal/metrics"
	"github.com/franz/live-indexer/internal/report"
	"github.com/franz/live-indexer/internal/scan"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

// DefaultDebounce is how long a path must stay quiet before it is handled
const DefaultDebounce = 500 * time.Millisecond

// Op is the kind of change applied to the index
type Op string

const (
	OpCreated  Op = "created"
	OpModified Op = "modified"
	OpDeleted  Op = "deleted"
	OpRenamed  Op = "renamed"
)

// Event is one change to a project file. OldPath is set for renames.
type Event struct {
	Op      Op
	Path    string
	OldPath string
}

// Indexer re-extracts single files
type Indexer interface {
	Accepts(path string) bool
	ProcessFile(ctx context.Context, path string, force bool) (scan.Outcome, *store.Project, error)
}

// Store is the persistence the watcher updates directly
type Store interface {
	GetProjectByPath(path string) (*store.Project, error)
	GetFingerprint(path string) (string, error)
	GetPathsUnder(root string) ([]string, error)
	MarkDeletedByPath(path string) (bool, error)
	RenamePath(oldPath, newPath string) (bool, error)
	Reactivate(id string) error
}

// Config holds watcher configuration
type Config struct {
	Indexer  Indexer
	Store    Store
	Roots    []string
	Debounce time.Duration

	Metrics *metrics.Metrics
	Events  *report.EventLogger
	// OnEvent is called after each event has been applied
	OnEvent func(Event, error)
}

// Watcher translates fsnotify events into index updates. Events for a path
// are coalesced until the path has been quiet for the debounce interval.
type Watcher struct {
	fsw      *fsnotify.Watcher
	indexer  Indexer
	store    Store
	roots    []string
	debounce time.Duration
	metrics  *metrics.Metrics
	events   *report.EventLogger
	onEvent  func(Event, error)
	log      *zap.Logger

	// pending is owned by the event loop
	pending map[string]Op

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher. Call Start to begin watching.
func New(cfg *Config) (*Watcher, error) {
	if cfg.Indexer == nil || cfg.Store == nil {
		return nil, fmt.Errorf("watch: indexer and store are required: %w", util.ErrInvalidConfig)
	}
	if len(cfg.Roots) == 0 {
		return nil, fmt.Errorf("watch: no roots configured: %w", util.ErrInvalidConfig)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	roots := make([]string, len(cfg.Roots))
	for i, root := range cfg.Roots {
		roots[i] = util.NormalizePath(root, "")
	}

	return &Watcher{
		fsw:      fsw,
		indexer:  cfg.Indexer,
		store:    cfg.Store,
		roots:    roots,
		debounce: debounce,
		metrics:  cfg.Metrics,
		events:   cfg.Events,
		onEvent:  cfg.OnEvent,
		log:      util.Logger().Named("watch"),
		pending:  make(map[string]Op),
	}, nil
}

// Start watches every directory below the roots and processes events until
// ctx is done or Close is called
func (w *Watcher) Start(ctx context.Context) error {
	for _, root := range w.roots {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("watch root %s: %w", root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("watch root %s is not a directory: %w", root, util.ErrInvalidConfig)
		}
		w.addWatches(root, nil)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	w.log.Info("watching project roots", zap.Strings("roots", w.roots), zap.Duration("debounce", w.debounce))
	return nil
}

// Close stops the watcher. Pending events that have not been flushed are
// dropped; the next scan picks them up.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

// addWatches watches dir and every directory below it. When found is not
// nil, project files encountered on the way are passed to it.
func (w *Watcher) addWatches(dir string, found func(path string)) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.log.Warn("failed to watch directory", zap.String("path", path), zap.Error(err))
			}
			return nil
		}
		if found != nil && w.indexer.Accepts(path) {
			found(path)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.record(ev) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", zap.Error(err))

		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// record folds one fsnotify event into the pending set and reports whether
// anything changed
func (w *Watcher) record(ev fsnotify.Event) bool {
	path := util.NormalizePath(ev.Name, "")

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.IsDir() {
			// files may land before the watch is in place
			w.addWatches(path, func(p string) { w.mark(p, OpCreated) })
			return true
		}
		if !w.indexer.Accepts(path) {
			return false
		}
		w.mark(path, OpCreated)
		return true

	case ev.Has(fsnotify.Write):
		if !w.indexer.Accepts(path) {
			return false
		}
		w.mark(path, OpModified)
		return true

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if w.indexer.Accepts(path) {
			w.mark(path, OpDeleted)
			return true
		}
		// possibly a directory; whatever was indexed below it went with it
		indexed, err := w.store.GetPathsUnder(path)
		if err != nil {
			w.log.Warn("failed to list indexed projects", zap.String("path", path), zap.Error(err))
			return false
		}
		for _, p := range indexed {
			w.mark(p, OpDeleted)
		}
		return len(indexed) > 0
	}
	return false
}

// mark records op for path. A create followed by writes stays a create.
func (w *Watcher) mark(path string, op Op) {
	if op == OpModified && w.pending[path] == OpCreated {
		return
	}
	w.pending[path] = op
}

// flush applies the pending set. A file that vanished and a new unindexed
// file with the same fingerprint are treated as a rename, so the project
// keeps its identity, notes and tags.
func (w *Watcher) flush(ctx context.Context) {
	pending := w.pending
	w.pending = make(map[string]Op)

	var appeared, gone []string
	for path, op := range pending {
		exists := util.PathExists(path)
		switch {
		case !exists:
			gone = append(gone, path)
		case op == OpDeleted:
			// replaced in place, e.g. an atomic save
			pending[path] = OpModified
			appeared = append(appeared, path)
		default:
			appeared = append(appeared, path)
		}
	}
	sort.Strings(appeared)
	sort.Strings(gone)

	byHash := make(map[string]string)
	for _, path := range gone {
		if hash, err := w.store.GetFingerprint(path); err == nil && hash != "" {
			byHash[hash] = path
		}
	}

	renamed := make(map[string]bool)
	for _, path := range appeared {
		ev := Event{Op: pending[path], Path: path}
		if old := w.renameSource(path, byHash); old != "" {
			ev = Event{Op: OpRenamed, Path: path, OldPath: old}
			renamed[old] = true
		}
		w.dispatch(ctx, ev)
	}
	for _, path := range gone {
		if !renamed[path] {
			w.dispatch(ctx, Event{Op: OpDeleted, Path: path})
		}
	}
}

// renameSource returns the vanished path whose stored fingerprint matches
// the file at path, if path itself is not indexed yet
func (w *Watcher) renameSource(path string, byHash map[string]string) string {
	if len(byHash) == 0 {
		return ""
	}
	if known, err := w.store.GetFingerprint(path); err != nil || known != "" {
		return ""
	}
	hash, err := util.Fingerprint(path)
	if err != nil {
		return ""
	}
	old := byHash[hash]
	delete(byHash, hash)
	return old
}

func (w *Watcher) dispatch(ctx context.Context, ev Event) {
	if err := w.Apply(ctx, ev); err != nil {
		w.log.Warn("failed to apply file event",
			zap.String("op", string(ev.Op)), zap.String("path", ev.Path), zap.Error(err))
	}
}

// Apply updates the index for one event:
// created and modified files are re-extracted when their fingerprint changed,
// a created file whose project was soft-deleted is reactivated first,
// deleted files soft-delete their project,
// renamed files move their project to the new path, or are indexed afresh
// when the old path was unknown.
func (w *Watcher) Apply(ctx context.Context, ev Event) (err error) {
	ev.Path = util.NormalizePath(ev.Path, "")
	if ev.OldPath != "" {
		ev.OldPath = util.NormalizePath(ev.OldPath, "")
	}

	defer func() {
		w.metrics.RecordWatchEvent(string(ev.Op))
		w.events.LogWatch(string(ev.Op), ev.Path, ev.OldPath, err)
		if err == nil {
			w.log.Debug("file event applied", zap.String("op", string(ev.Op)), zap.String("path", ev.Path))
		}
		if w.onEvent != nil {
			w.onEvent(ev, err)
		}
	}()

	switch ev.Op {
	case OpCreated:
		if err := w.reactivate(ev.Path); err != nil {
			return err
		}
		return w.process(ctx, ev.Path)

	case OpModified:
		return w.process(ctx, ev.Path)

	case OpDeleted:
		_, err := w.store.MarkDeletedByPath(ev.Path)
		return err

	case OpRenamed:
		return w.rename(ctx, ev.OldPath, ev.Path)
	}
	return fmt.Errorf("unknown file event %q", ev.Op)
}

func (w *Watcher) process(ctx context.Context, path string) error {
	_, _, err := w.indexer.ProcessFile(ctx, path, false)
	return err
}

func (w *Watcher) reactivate(path string) error {
	p, err := w.store.GetProjectByPath(path)
	if err != nil || p == nil || p.Status != store.StatusDeleted {
		return err
	}
	return w.store.Reactivate(p.ID)
}

func (w *Watcher) rename(ctx context.Context, oldPath, newPath string) error {
	if oldPath == "" {
		return w.process(ctx, newPath)
	}

	existing, err := w.store.GetProjectByPath(newPath)
	if err != nil {
		return err
	}
	if existing != nil {
		// moved over an indexed file: the old entry is gone, the target is refreshed
		if _, err := w.store.MarkDeletedByPath(oldPath); err != nil {
			return err
		}
		if err := w.reactivate(newPath); err != nil {
			return err
		}
		return w.process(ctx, newPath)
	}

	if _, err := w.store.RenamePath(oldPath, newPath); err != nil {
		return err
	}
	// picks up content changes made along with the move, or indexes the
	// file when the old path was never indexed
	return w.process(ctx, newPath)
}
