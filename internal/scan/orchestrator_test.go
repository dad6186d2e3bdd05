package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/franz/live-indexer/internal/container/containertest"
	"github.com/franz/live-indexer/internal/metrics"
	"github.com/franz/live-indexer/internal/presence"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go-cache stops its janitor from a finalizer
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newOrchestrator(t *testing.T, cfg *Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func serumSet(tempo string) containertest.LiveSet {
	return containertest.LiveSet{
		Tempo: tempo,
		Tracks: []containertest.Track{{
			Plugins: []containertest.Plugin{{ID: "device:vst3:instr:serum", Name: "Serum"}},
			Clips:   []containertest.Clip{{Midi: true, End: 64}},
		}},
	}
}

func writeProjects(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = containertest.Write(t, dir, name, serumSet("120"))
	}
	return paths
}

// gatedStore blocks every upsert until release is closed
type gatedStore struct {
	*store.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore(t *testing.T) *gatedStore {
	return &gatedStore{
		Store:   newTestStore(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) UpsertProject(p *store.Project) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Store.UpsertProject(p)
}

// pruneFailingStore cannot soft-delete projects
type pruneFailingStore struct {
	*store.Store
}

func (pruneFailingStore) MarkDeletedByPath(string) (bool, error) {
	return false, errors.New("database is locked")
}

type scanOutcome struct {
	res *Result
	err error
}

func TestScanIndexesProjects(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	writeProjects(t, dir, "a.als", "nested/deeper/b.als")

	o := newOrchestrator(t, &Config{Store: st, Concurrency: 2})
	res, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, res.Discovered)
	assert.Equal(t, 2, res.Parsed)
	assert.Empty(t, res.Failed)
	assert.NotEmpty(t, res.ScanID)

	p, err := st.GetProjectByPath(filepath.Join(dir, "nested", "deeper", "b.als"))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "b", p.Name)
	require.Len(t, p.Plugins, 1)
	assert.Equal(t, "Serum", p.Plugins[0].Name)
	assert.NotEmpty(t, p.Hash)
}

func TestScanIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	paths := writeProjects(t, dir, "a.als", "b.als")
	o := newOrchestrator(t, &Config{Store: st})

	_, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)
	before, err := st.GetProjectByPath(paths[0])
	require.NoError(t, err)

	res, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Parsed)
	assert.Equal(t, 2, res.Skipped)

	after, err := st.GetProjectByPath(paths[0])
	require.NoError(t, err)
	assert.True(t, before.LastParsedAt.Equal(after.LastParsedAt))
	assert.Equal(t, before.ID, after.ID)
}

func TestScanDetectsChanges(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	paths := writeProjects(t, dir, "a.als", "b.als")
	o := newOrchestrator(t, &Config{Store: st})

	_, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)

	containertest.Write(t, dir, "b.als", serumSet("140"))

	res, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Parsed)
	assert.Equal(t, 1, res.Skipped)

	p, err := st.GetProjectByPath(paths[1])
	require.NoError(t, err)
	assert.Equal(t, 140.0, p.Tempo)
}

func TestScanForce(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	writeProjects(t, dir, "a.als", "b.als")
	o := newOrchestrator(t, &Config{Store: st})

	_, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)

	res, err := o.Scan(context.Background(), []string{dir}, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Parsed)
	assert.Equal(t, 0, res.Skipped)
}

func TestScanIsolatesBrokenFiles(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	writeProjects(t, dir, "good.als")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.als"), []byte("this is definitely not gzip data"), 0644))
	containertest.Write(t, dir, "noversion.als", containertest.LiveSet{OmitCreator: true})

	o := newOrchestrator(t, &Config{Store: st, Concurrency: 3})
	res, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Parsed)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, filepath.Join(dir, "bad.als"), res.Failed[0].Path)
	assert.ErrorIs(t, res.Failed[0], util.ErrCorruptContainer)
	assert.ErrorIs(t, res.Failed[1], util.ErrMalformedContent)

	counts, err := st.CountProjectsByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.StatusActive])
}

func TestScanRejectsConcurrentScan(t *testing.T) {
	gs := newGatedStore(t)
	dir := t.TempDir()
	writeProjects(t, dir, "a.als", "b.als", "c.als")
	o := newOrchestrator(t, &Config{Store: gs, Concurrency: 1})

	done := make(chan scanOutcome, 1)
	go func() {
		res, err := o.Scan(context.Background(), []string{dir}, Options{})
		done <- scanOutcome{res, err}
	}()
	<-gs.entered

	assert.True(t, o.Running())
	_, err := o.Scan(context.Background(), []string{dir}, Options{})
	assert.ErrorIs(t, err, util.ErrScanInProgress)

	close(gs.release)
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, StateCompleted, out.res.State)
	assert.Equal(t, 3, out.res.Parsed)
	assert.False(t, o.Running())
}

func TestScanStop(t *testing.T) {
	gs := newGatedStore(t)
	dir := t.TempDir()
	names := make([]string, 12)
	for i := range names {
		names[i] = filepath.Join("p", string(rune('a'+i))+".als")
	}
	writeProjects(t, dir, names...)
	o := newOrchestrator(t, &Config{Store: gs, Concurrency: 1})

	assert.False(t, o.Stop())

	done := make(chan scanOutcome, 1)
	go func() {
		res, err := o.Scan(context.Background(), []string{dir}, Options{})
		done <- scanOutcome{res, err}
	}()
	<-gs.entered
	assert.True(t, o.Stop())
	close(gs.release)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, StateCancelled, out.res.State)
	assert.GreaterOrEqual(t, out.res.Parsed, 1)
	assert.Less(t, out.res.Parsed, len(names))

	// every stored project is complete
	projects, total, err := gs.GetProjects(store.ProjectFilter{}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, out.res.Parsed, total)
	require.NoError(t, gs.LoadRelations(projects))
	for _, p := range projects {
		assert.Len(t, p.Plugins, 1, p.Path)
	}
	assert.False(t, o.Running())
}

func TestScanCancelledContext(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	writeProjects(t, dir, "a.als")
	o := newOrchestrator(t, &Config{Store: st})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.Scan(ctx, []string{dir}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, 0, res.Parsed)
}

func TestScanRootErrors(t *testing.T) {
	st := newTestStore(t)
	o := newOrchestrator(t, &Config{Store: st})

	_, err := o.Scan(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, Options{})
	assert.Error(t, err)
	assert.False(t, o.Running())

	_, err = o.Scan(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, util.ErrInvalidConfig)

	file := filepath.Join(t.TempDir(), "file.als")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = o.Scan(context.Background(), []string{file}, Options{})
	assert.ErrorIs(t, err, util.ErrInvalidConfig)
}

func TestScanProgressStream(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	writeProjects(t, dir, "a.als", "b.als", "c.als")
	o := newOrchestrator(t, &Config{Store: st, Concurrency: 2})

	_, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)

	var events []Progress
	for len(o.Progress()) > 0 {
		events = append(events, <-o.Progress())
	}
	require.NotEmpty(t, events)

	var states []State
	last := -1
	for _, ev := range events {
		if len(states) == 0 || states[len(states)-1] != ev.State {
			states = append(states, ev.State)
		}
		assert.GreaterOrEqual(t, ev.Completed, last)
		last = ev.Completed
	}
	assert.Equal(t, []State{StateStarting, StateDiscovering, StateParsing, StateInserting, StateCompleted}, states)

	final := events[len(events)-1]
	assert.Equal(t, 3, final.Completed)
	assert.Equal(t, 3, final.Total)
	assert.Equal(t, 1.0, final.Ratio())
}

func TestScanProgressNeverBlocks(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	writeProjects(t, dir, "a.als", "b.als", "c.als", "d.als")
	o := newOrchestrator(t, &Config{Store: st, ProgressBuffer: 1})

	res, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Parsed)

	// the newest transition displaced everything before it
	ev := <-o.Progress()
	assert.Equal(t, StateCompleted, ev.State)
}

func TestScanPrune(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	paths := writeProjects(t, dir, "keep.als", "gone.als")
	o := newOrchestrator(t, &Config{Store: st})

	_, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(paths[1]))

	res, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pruned)

	res, err = o.Scan(context.Background(), []string{dir}, Options{Prune: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned)

	gone, err := st.GetProjectByPath(paths[1])
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeleted, gone.Status)
	kept, err := st.GetProjectByPath(paths[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, kept.Status)
}

func TestScanPruneFailureKeepsProgressInBounds(t *testing.T) {
	st := pruneFailingStore{newTestStore(t)}
	dir := t.TempDir()
	paths := writeProjects(t, dir, "keep.als", "gone1.als", "gone2.als")
	o := newOrchestrator(t, &Config{Store: st})

	_, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(paths[1]))
	require.NoError(t, os.Remove(paths[2]))
	for len(o.Progress()) > 0 {
		<-o.Progress()
	}

	res, err := o.Scan(context.Background(), []string{dir}, Options{Prune: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 0, res.Pruned)
	require.Len(t, res.Failed, 2)
	assert.ErrorContains(t, res.Failed[0], "database is locked")

	var events []Progress
	for len(o.Progress()) > 0 {
		events = append(events, <-o.Progress())
	}
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.LessOrEqual(t, ev.Completed, ev.Total, "progress in state %s", ev.State)
	}
	final := events[len(events)-1]
	assert.Equal(t, 1, final.Completed)
	assert.Equal(t, 1, final.Total)
}

func TestScanDecomposedFileName(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	// "e" + combining acute, as macOS-originated copies are often named
	paths := writeProjects(t, dir, "Cafe\u0301.als")
	o := newOrchestrator(t, &Config{Store: st})

	res, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discovered)
	assert.Equal(t, 1, res.Parsed)
	assert.Empty(t, res.Failed)

	p, err := st.GetProjectByPath(paths[0])
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Cafe\u0301", p.Name)

	res, err = o.Scan(context.Background(), []string{dir}, Options{Prune: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Pruned)

	outcome, _, err := o.ProcessFile(context.Background(), paths[0], true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeParsed, outcome)
}

func TestScanFiltersFiles(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	writeProjects(t, dir,
		"a.als",
		"Sub/B.ALS",
		"Backup/a [2024-03-01 101530].als",
		"Archive/old.als",
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644))

	o := newOrchestrator(t, &Config{Store: st, Exclude: []string{"Archive/**"}})
	res, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Discovered)
	assert.Equal(t, 2, res.Parsed)

	assert.True(t, o.Accepts(filepath.Join(dir, "x.als")))
	assert.False(t, o.Accepts(filepath.Join(dir, "x [2024-03-01 101530].als")))
	assert.False(t, o.Accepts(filepath.Join(dir, "x.wav")))
}

func TestScanOverlappingRoots(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	writeProjects(t, dir, "a.als", "sub/b.als")
	o := newOrchestrator(t, &Config{Store: st})

	res, err := o.Scan(context.Background(), []string{dir, filepath.Join(dir, "sub"), dir}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Discovered)
	assert.Len(t, res.Roots, 2)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(&Config{})
	assert.ErrorIs(t, err, util.ErrInvalidConfig)

	_, err = New(&Config{Store: newTestStore(t), Exclude: []string{"[unclosed"}})
	assert.ErrorIs(t, err, util.ErrInvalidConfig)
}

func TestProcessFile(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	path := writeProjects(t, dir, "a.als")[0]
	o := newOrchestrator(t, &Config{Store: st})
	ctx := context.Background()

	outcome, p, err := o.ProcessFile(ctx, path, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeParsed, outcome)
	require.NotNil(t, p)
	assert.NotEmpty(t, p.ID)

	outcome, _, err = o.ProcessFile(ctx, path, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	containertest.Write(t, dir, "a.als", serumSet("98"))
	outcome, p, err = o.ProcessFile(ctx, path, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeParsed, outcome)
	assert.Equal(t, 98.0, p.Tempo)

	outcome, _, err = o.ProcessFile(ctx, filepath.Join(dir, "readme.txt"), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	bad := filepath.Join(dir, "bad.als")
	require.NoError(t, os.WriteFile(bad, []byte("this is definitely not gzip data"), 0644))
	_, _, err = o.ProcessFile(ctx, bad, false)
	var fe *FileError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, bad, fe.Path)
	assert.ErrorIs(t, err, util.ErrCorruptContainer)
}

func TestProcessFileDuringScan(t *testing.T) {
	gs := newGatedStore(t)
	dir := t.TempDir()
	paths := writeProjects(t, dir, "a.als", "b.als")
	o := newOrchestrator(t, &Config{Store: gs, Concurrency: 1})

	done := make(chan scanOutcome, 1)
	go func() {
		res, err := o.Scan(context.Background(), []string{dir}, Options{})
		done <- scanOutcome{res, err}
	}()
	<-gs.entered

	single := make(chan error, 1)
	go func() {
		_, _, err := o.ProcessFile(context.Background(), paths[1], false)
		single <- err
	}()

	close(gs.release)
	require.NoError(t, <-single)
	out := <-done
	require.NoError(t, out.err)

	// whichever writer came second saw the stored fingerprint and skipped
	assert.Equal(t, 2, out.res.Parsed+out.res.Skipped)
	counts, err := gs.CountProjectsByStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[store.StatusActive])
}

func TestScanAnnotatesPresence(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	sample := filepath.Join(dir, "kick.wav")
	require.NoError(t, os.WriteFile(sample, []byte("RIFF....WAVE"), 0644))
	containertest.Write(t, dir, "a.als", containertest.LiveSet{
		Tracks: []containertest.Track{{
			Plugins: []containertest.Plugin{
				{ID: "device:vst3:instr:serum", Name: "Serum"},
				{ID: "device:vst3:instr:massive", Name: "Massive"},
			},
			Clips: []containertest.Clip{{End: 16, Samples: []string{sample}}},
		}},
	})

	validator := presence.New(&presence.Config{
		Registry: presence.StaticRegistry{
			"device:vst3:instr:serum": {Name: "Serum", Vendor: "Xfer Records"},
		},
		CacheTTL: time.Minute,
	})
	o := newOrchestrator(t, &Config{Store: st, Presence: validator})

	_, err := o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)

	serum, err := st.GetPluginByDevIdentifier("device:vst3:instr:serum")
	require.NoError(t, err)
	assert.True(t, serum.Installed)
	assert.Equal(t, "Xfer Records", serum.Vendor)

	massive, err := st.GetPluginByDevIdentifier("device:vst3:instr:massive")
	require.NoError(t, err)
	assert.False(t, massive.Installed)

	samples, err := st.GetSamples(store.SampleFilter{}, store.Page{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Present)
}

func TestScanRecordsMetrics(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	writeProjects(t, dir, "a.als", "b.als")

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	require.NoError(t, err)
	o := newOrchestrator(t, &Config{Store: st, Metrics: m})

	_, err = o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)
	_, err = o.Scan(context.Background(), []string{dir}, Options{})
	require.NoError(t, err)

	families, err := registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		if fam.GetName() != "lpi_scan_files_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			values[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, values[metrics.OutcomeParsed])
	assert.Equal(t, 2.0, values[metrics.OutcomeSkipped])
}
