// Package scan keeps the index in step with the project files under a set
// of root directories.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/franz/live-indexer/internal/metrics"
	"github.com/franz/live-indexer/internal/presence"
	"github.com/franz/live-indexer/internal/report"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

// DefaultExtensions are the project file extensions scanned when none are configured
var DefaultExtensions = []string{".als"}

// DefaultProgressBuffer is the capacity of the progress channel
const DefaultProgressBuffer = 256

// State is the phase of a scan
type State string

const (
	StateStarting    State = "starting"
	StateDiscovering State = "discovering"
	StateParsing     State = "parsing"
	StateInserting   State = "inserting"
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
	StateError       State = "error"
)

// Terminal reports whether no further transitions follow s
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// Progress is one entry of the progress stream. Completed never decreases
// within a scan.
type Progress struct {
	ScanID    string
	State     State
	Completed int
	Total     int
	Message   string
}

// Ratio returns Completed/Total, or 0 before the total is known
func (p Progress) Ratio() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total)
}

// FileError records why a single project could not be indexed
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e *FileError) Unwrap() error { return e.Err }

// Result summarizes a scan
type Result struct {
	ScanID     string
	State      State
	Roots      []string
	Discovered int
	Parsed     int
	Skipped    int
	Pruned     int
	Failed     []*FileError
	StartedAt  time.Time
	Duration   time.Duration
}

// Store is the persistence the orchestrator needs
type Store interface {
	presence.Store
	GetFingerprints() (map[string]string, error)
	GetFingerprint(path string) (string, error)
	UpsertProject(p *store.Project) error
	GetPathsUnder(root string) ([]string, error)
	MarkDeletedByPath(path string) (bool, error)
}

// Config holds orchestrator configuration
type Config struct {
	Store       Store
	Extensions  []string
	Exclude     []string // doublestar patterns matched against root-relative paths
	Concurrency int

	// Optional collaborators
	Presence       *presence.Validator
	Metrics        *metrics.Metrics
	Events         *report.EventLogger
	ProgressBuffer int
}

// Options tune a single scan
type Options struct {
	Force bool // re-extract even when fingerprints match
	Prune bool // soft-delete projects whose files are gone
}

// Orchestrator runs scans. At most one scan is active at a time; single
// files may be processed concurrently with it.
type Orchestrator struct {
	store       Store
	extensions  map[string]bool
	exclude     []string
	concurrency int
	presence    *presence.Validator
	metrics     *metrics.Metrics
	events      *report.EventLogger
	log         *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc

	progress chan Progress
	emitMu   sync.Mutex

	locks pathLocks
}

// New creates an Orchestrator
func New(cfg *Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("scan: store is required: %w", util.ErrInvalidConfig)
	}
	for _, pattern := range cfg.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("scan: bad exclude pattern %q: %w", pattern, util.ErrInvalidConfig)
		}
	}

	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	extMap := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extMap[ext] = true
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	buffer := cfg.ProgressBuffer
	if buffer <= 0 {
		buffer = DefaultProgressBuffer
	}

	return &Orchestrator{
		store:       cfg.Store,
		extensions:  extMap,
		exclude:     cfg.Exclude,
		concurrency: concurrency,
		presence:    cfg.Presence,
		metrics:     cfg.Metrics,
		events:      cfg.Events,
		log:         util.Logger().Named("scan"),
		progress:    make(chan Progress, buffer),
	}, nil
}

// Progress returns the progress stream shared by all scans. Events are
// dropped when nobody reads; state transitions displace the oldest entry.
func (o *Orchestrator) Progress() <-chan Progress {
	return o.progress
}

// Running reports whether a scan is active
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Stop asks the active scan to dispatch no further files. Files already
// being processed are finished. Returns false when no scan is running.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

// Scan indexes every project file under roots and blocks until the scan
// reaches a terminal state. It fails fast with util.ErrScanInProgress when
// another scan is active and with an error when a root is not a readable
// directory. Per-file failures are reported in Result.Failed.
func (o *Orchestrator) Scan(ctx context.Context, roots []string, opts Options) (*Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, util.ErrScanInProgress
	}
	defer o.running.Store(false)

	resolved, err := resolveRoots(roots)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
		cancel()
	}()

	r := &run{
		o:    o,
		opts: opts,
		res: &Result{
			ScanID:    uuid.NewString(),
			Roots:     resolved,
			StartedAt: time.Now(),
		},
	}
	return r.execute(ctx)
}

func resolveRoots(roots []string) ([]string, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("no scan roots configured: %w", util.ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(roots))
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		abs := util.NormalizePath(root, "")
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("scan root %s: %w", abs, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("scan root %s is not a directory: %w", abs, util.ErrInvalidConfig)
		}
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
	}
	return out, nil
}

// run is the state of one scan
type run struct {
	o    *Orchestrator
	opts Options
	res  *Result

	total     int
	state     State // guarded by Orchestrator.emitMu
	completed atomic.Int64
	parsed    atomic.Int64
	skipped   atomic.Int64

	failMu sync.Mutex
}

type job struct {
	project *store.Project
	started time.Time
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	o := r.o
	o.metrics.ScanStarted()
	o.events.LogScanStart(r.res.ScanID, r.res.Roots, r.opts.Force)
	o.log.Info("scan started",
		zap.String("scan_id", r.res.ScanID),
		zap.Strings("roots", r.res.Roots),
		zap.Bool("force", r.opts.Force))

	r.transition(StateStarting, "loading fingerprints")
	known, err := o.store.GetFingerprints()
	if err != nil {
		return r.fail(fmt.Errorf("failed to load fingerprints: %w", err))
	}

	r.transition(StateDiscovering, "discovering projects")
	paths, err := o.discover(ctx, r.res.Roots)
	if err != nil {
		if ctx.Err() != nil {
			return r.finish(StateCancelled, nil), nil
		}
		return r.fail(err)
	}
	r.total = len(paths)
	r.res.Discovered = len(paths)

	r.transition(StateParsing, fmt.Sprintf("parsing %d projects", len(paths)))

	jobs := make(chan *job, o.concurrency*2)
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		// in-flight extractions are always stored, even after Stop
		storeCtx := context.WithoutCancel(ctx)
		for j := range jobs {
			r.commit(storeCtx, j)
		}
	}()

	workers := pool.New().WithMaxGoroutines(o.concurrency)
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		workers.Go(func() {
			if ctx.Err() != nil {
				return
			}
			r.prepare(path, known[path], jobs)
		})
	}
	workers.Wait()

	r.transition(StateInserting, "storing remaining projects")
	close(jobs)
	writer.Wait()

	if ctx.Err() != nil {
		return r.finish(StateCancelled, nil), nil
	}
	if r.opts.Prune {
		r.prune(paths)
	}
	return r.finish(StateCompleted, nil), nil
}

// prepare fingerprints and extracts one file. The fingerprint is taken
// before extraction so a concurrent edit can only cause a redundant
// re-extraction later, never a stale row that looks current.
func (r *run) prepare(path, known string, jobs chan<- *job) {
	started := time.Now()
	p, err := r.o.extract(path, known, r.opts.Force)
	if err != nil {
		r.failFile(path, err)
		return
	}
	if p == nil {
		r.skip(path)
		return
	}
	jobs <- &job{project: p, started: started}
}

func (r *run) commit(ctx context.Context, j *job) {
	p := j.project
	stored, err := r.o.persist(ctx, p, r.opts.Force)
	if err != nil {
		r.failFile(p.Path, err)
		return
	}
	if !stored {
		r.skip(p.Path)
		return
	}

	r.parsed.Add(1)
	r.o.metrics.RecordFile(metrics.OutcomeParsed)
	r.o.events.LogParsed(r.res.ScanID, p.Path, p.ID, len(p.Plugins), len(p.Samples), time.Since(j.started))
	r.o.log.Debug("project indexed", zap.String("path", p.Path), zap.String("id", p.ID))
	r.step(p.Path)
}

func (r *run) skip(path string) {
	r.skipped.Add(1)
	r.o.metrics.RecordFile(metrics.OutcomeSkipped)
	r.o.events.LogSkipped(r.res.ScanID, path, "unchanged")
	r.step(path)
}

func (r *run) failFile(path string, err error) {
	r.recordFailure(path, err)
	r.step(path)
}

// recordFailure adds err to the result without counting a finished file
func (r *run) recordFailure(path string, err error) {
	r.failMu.Lock()
	r.res.Failed = append(r.res.Failed, &FileError{Path: path, Err: err})
	r.failMu.Unlock()

	r.o.metrics.RecordFile(metrics.OutcomeFailed)
	r.o.events.LogFailed(r.res.ScanID, path, err)
	r.o.log.Warn("project failed", zap.String("path", path), zap.Error(err))
}

func (r *run) prune(seen []string) {
	present := make(map[string]bool, len(seen))
	for _, path := range seen {
		present[path] = true
	}

	for _, root := range r.res.Roots {
		stored, err := r.o.store.GetPathsUnder(root)
		if err != nil {
			r.recordFailure(root, fmt.Errorf("failed to list indexed projects: %w", err))
			continue
		}
		for _, path := range stored {
			if present[path] || !isMissing(path) {
				continue
			}
			deleted, err := r.o.store.MarkDeletedByPath(path)
			if err != nil {
				r.recordFailure(path, err)
				continue
			}
			if deleted {
				r.res.Pruned++
				r.o.events.LogPruned(r.res.ScanID, path)
				r.o.log.Info("project pruned", zap.String("path", path))
			}
		}
	}
}

func isMissing(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}

// step counts one finished file and reports it
func (r *run) step(path string) {
	r.completed.Add(1)
	r.emit(path, "")
}

func (r *run) transition(state State, message string) {
	r.o.events.LogState(r.res.ScanID, string(state))
	r.o.log.Debug("scan state", zap.String("scan_id", r.res.ScanID), zap.String("state", string(state)))
	r.emit(message, state)
}

// emit publishes a progress entry, switching to next first when it is set.
// Holding emitMu keeps Completed ordered across workers.
func (r *run) emit(message string, next State) {
	o := r.o
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	if next != "" {
		r.state = next
	}
	p := Progress{
		ScanID:    r.res.ScanID,
		State:     r.state,
		Completed: int(r.completed.Load()),
		Total:     r.total,
		Message:   message,
	}
	select {
	case o.progress <- p:
		return
	default:
	}
	if next == "" {
		return
	}
	select {
	case <-o.progress:
	default:
	}
	select {
	case o.progress <- p:
	default:
	}
}

func (r *run) fail(err error) (*Result, error) {
	r.finish(StateError, err)
	return r.res, err
}

func (r *run) finish(state State, err error) *Result {
	res := r.res
	res.State = state
	res.Parsed = int(r.parsed.Load())
	res.Skipped = int(r.skipped.Load())
	res.Duration = time.Since(res.StartedAt)
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Path < res.Failed[j].Path })

	r.transition(state, fmt.Sprintf("%d parsed, %d unchanged, %d failed", res.Parsed, res.Skipped, len(res.Failed)))
	r.o.metrics.ScanFinished(string(state), res.Duration)
	r.o.events.LogScanEnd(res.ScanID, string(state), res.Parsed, res.Skipped, len(res.Failed), res.Pruned, res.Duration, err)

	fields := []zap.Field{
		zap.String("scan_id", res.ScanID),
		zap.String("state", string(state)),
		zap.Int("discovered", res.Discovered),
		zap.Int("parsed", res.Parsed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", len(res.Failed)),
		zap.Int("pruned", res.Pruned),
		zap.Duration("duration", res.Duration),
	}
	if err != nil {
		r.o.log.Error("scan failed", append(fields, zap.Error(err))...)
	} else {
		r.o.log.Info("scan finished", fields...)
	}
	return res
}
