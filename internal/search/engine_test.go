package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franz/live-indexer/internal/metrics"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

type fixture struct {
	store *store.Store
	ids   map[string]string
}

func plugin(name string) store.Plugin {
	return store.Plugin{DevIdentifier: "device:vst3:instr:" + name, Name: name, Format: store.FormatVST3Instrument}
}

// newFixture indexes four projects:
//
//	bass   Serum, 128 BPM, A Minor       newest
//	pad    Vital, 90 BPM, 3/4
//	lead   Serun (a near-miss spelling), 140 BPM
//	drums  no plugins, 174 BPM           oldest
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(name string, age int, tempo float64, plugins ...store.Plugin) *store.Project {
		return &store.Project{
			Path:          "/projects/" + name + ".als",
			Hash:          name,
			Name:          name,
			ModifiedAt:    base.Add(-time.Duration(age) * time.Hour),
			Tempo:         tempo,
			TimeSignature: store.DefaultTimeSignature,
			Version:       store.Version{Major: 11, Minor: 3, Patch: 13},
			Plugins:       plugins,
		}
	}

	bass := mk("bass", 0, 128, plugin("Serum"))
	bass.Key = &store.KeySignature{Tonic: "A", Scale: "Minor"}
	pad := mk("pad", 1, 90, plugin("Vital"))
	pad.TimeSignature = store.TimeSignature{Numerator: 3, Denominator: 4}
	lead := mk("lead", 2, 140, plugin("Serun"))
	drums := mk("drums", 3, 174)
	drums.Samples = []store.Sample{{Name: "kick.wav", Path: "/samples/kick.wav"}}

	f := &fixture{store: s, ids: map[string]string{}}
	for _, p := range []*store.Project{bass, pad, lead, drums} {
		require.NoError(t, s.UpsertProject(p))
		f.ids[p.Name] = p.ID
	}
	return f
}

func (f *fixture) search(t *testing.T, query string, opts Options) []Result {
	t.Helper()
	e := New(&Config{Store: f.store})
	results, _, err := e.Search(context.Background(), query, opts)
	require.NoError(t, err)
	return results
}

func names(results []Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Project.Name)
	}
	return out
}

func TestSearchPluginField(t *testing.T) {
	f := newFixture(t)

	results := f.search(t, "plugin:Serum", Options{})
	require.NotEmpty(t, results)
	assert.Equal(t, "bass", results[0].Project.Name)
	assert.Equal(t, 100.0, results[0].Score)
	assert.NotContains(t, names(results), "pad")
	assert.NotContains(t, names(results), "drums")

	require.Len(t, results[0].Matches, 1)
	assert.Equal(t, Match{Field: FieldPlugin, Term: "Serum", Value: "Serum", Score: 100}, results[0].Matches[0])
}

func TestSearchExactNonASCIIPlugin(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := &store.Project{
		Path:          "/projects/filter.als",
		Hash:          "filter",
		Name:          "filter",
		Tempo:         120,
		TimeSignature: store.DefaultTimeSignature,
		Plugins:       []store.Plugin{plugin("Ölfilter")},
	}
	require.NoError(t, s.UpsertProject(p))

	e := New(&Config{Store: s})
	for _, query := range []string{`plugin:"Ölfilter"`, `plugin:"ÖLFILTER"`, `plugin:Ölfilter`, `"Ölfilter"`} {
		results, total, err := e.Search(context.Background(), query, Options{})
		require.NoError(t, err, query)
		assert.Equal(t, 1, total, query)
		require.Len(t, results, 1, query)
		assert.Equal(t, p.ID, results[0].Project.ID)
	}
}

func TestSearchDates(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, year := range []int{2022, 2023, 2024} {
		p := &store.Project{
			Path:          fmt.Sprintf("/projects/%d.als", year),
			Hash:          fmt.Sprint(year),
			Name:          fmt.Sprint(year),
			ModifiedAt:    time.Date(year, 6, 15, 12, 0, 0, 0, time.UTC),
			Tempo:         120,
			TimeSignature: store.DefaultTimeSignature,
			Plugins:       []store.Plugin{plugin("Serum")},
		}
		require.NoError(t, s.UpsertProject(p))
	}

	e := New(&Config{Store: s})
	tests := []struct {
		query string
		want  []string
	}{
		{"dm:2023", []string{"2023"}},
		{"dm:2023-06", []string{"2023"}},
		{"dm:>=2023-06", []string{"2024", "2023"}},
		{"dm:>2023", []string{"2024"}},
		{"dm:<2023", []string{"2022"}},
		{"dm:<=2023", []string{"2023", "2022"}},
		{"dm:2022..2023-06", []string{"2023", "2022"}},
		{"dm:(2022 | 2024)", []string{"2024", "2022"}},
		{"dm:2023-07", nil},
		{`plugin:"Serum" dm:2024`, []string{"2024"}},
		{"dc:>=2000", []string{"2024", "2023", "2022"}},
		{"dc:<2000", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			results, total, err := e.Search(context.Background(), tt.query, Options{})
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), total)
			if tt.want == nil {
				assert.Empty(t, results)
				return
			}
			assert.Equal(t, tt.want, names(results))
		})
	}
}

func TestSearchAlternatives(t *testing.T) {
	f := newFixture(t)

	results := f.search(t, "plugin:(Serum | Vital)", Options{})
	got := names(results)
	assert.Contains(t, got, "bass")
	assert.Contains(t, got, "pad")
	assert.NotContains(t, got, "drums")

	// both exact matches score 100, so recency decides
	assert.Equal(t, []string{"bass", "pad"}, got[:2])
}

func TestSearchExactExcludesNearMiss(t *testing.T) {
	f := newFixture(t)

	fuzzy := names(f.search(t, "Serum", Options{}))
	assert.Equal(t, []string{"bass", "lead"}, fuzzy, "bare term tolerates one edit")

	exact := names(f.search(t, `"Serum"`, Options{}))
	assert.Equal(t, []string{"bass"}, exact)

	exactField := names(f.search(t, `plugin:"serum"`, Options{}))
	assert.Equal(t, []string{"bass"}, exactField, "exact names compare case-insensitively")
}

func TestSearchRanking(t *testing.T) {
	f := newFixture(t)

	results := f.search(t, "Serum", Options{})
	require.Len(t, results, 2)
	assert.Equal(t, 100.0, results[0].Score)
	assert.InDelta(t, 80.0, results[1].Score, 0.01)

	// identical queries give identical order
	again := f.search(t, "Serum", Options{})
	assert.Equal(t, names(results), names(again))
}

func TestSearchFilters(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		query string
		want  []string
	}{
		{"tempo:>125", []string{"bass", "lead", "drums"}},
		{"bpm:120-130", []string{"bass"}},
		{"tempo:(90 | >=170)", []string{"pad", "drums"}},
		{"key:Am", []string{"bass"}},
		{"key:A", []string{"bass"}},
		{"ts:3/4", []string{"pad"}},
		{"missing:true", []string{"bass", "pad", "lead", "drums"}},
		{"sample:kick", []string{"drums"}},
		{"tempo:>125 plugin:Serum", []string{"bass", "lead"}},
		{"ts:7/8", nil},
		{"", []string{"bass", "pad", "lead", "drums"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := names(f.search(t, tt.query, Options{}))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchMissing(t *testing.T) {
	f := newFixture(t)

	bass, err := f.store.GetProject(f.ids["bass"])
	require.NoError(t, err)
	require.NoError(t, f.store.SetPluginPresence(bass.Plugins[0].ID, store.PluginPresence{Installed: true}))

	assert.Equal(t, []string{"pad", "lead", "drums"}, names(f.search(t, "missing:true", Options{})))
	assert.Equal(t, []string{"bass"}, names(f.search(t, "missing:no", Options{})))
}

func TestSearchStatuses(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.MarkDeleted(f.ids["bass"]))

	assert.Equal(t, []string{"lead"}, names(f.search(t, "Serum", Options{})))

	all := []store.Status{store.StatusActive, store.StatusArchived, store.StatusDeleted}
	assert.Equal(t, []string{"bass", "lead"}, names(f.search(t, "Serum", Options{Statuses: all})))
}

func TestSearchPagination(t *testing.T) {
	f := newFixture(t)
	e := New(&Config{Store: f.store, Limit: 2})

	page, total, err := e.Search(context.Background(), "", Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"bass", "pad"}, names(page))

	page, total, err = e.Search(context.Background(), "", Options{Limit: 1, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"drums"}, names(page))

	page, _, err = e.Search(context.Background(), "", Options{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestSearchThreshold(t *testing.T) {
	f := newFixture(t)
	strict := New(&Config{Store: f.store, MinSimilarity: 0.9})

	results, _, err := strict.Search(context.Background(), "Serum", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"bass"}, names(results))
}

type failingSearcher struct{ calls int }

func (f *failingSearcher) ExecuteSearch(store.SearchFilter) ([]*store.Project, error) {
	f.calls++
	return nil, errors.New("disk on fire")
}

func TestSearchErrors(t *testing.T) {
	fs := &failingSearcher{}
	e := New(&Config{Store: fs})

	_, _, err := e.Search(context.Background(), "plugin:(Serum", Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrQuerySyntax))
	assert.Equal(t, 0, fs.calls, "syntax errors never reach the store")

	_, _, err = e.Search(context.Background(), "Serum", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = e.Search(ctx, "Serum", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	require.NoError(t, err)
	e := New(&Config{Store: f.store, Metrics: m})

	_, total, err := e.Search(context.Background(), `plugin:"Serum"`, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	_, _, err = e.Search(context.Background(), "tempo:fast", Options{})
	require.Error(t, err)

	families, err := registry.Gather()
	require.NoError(t, err)
	byStatus := map[string]float64{}
	for _, fam := range families {
		if fam.GetName() != "lpi_searches_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			byStatus[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{"ok": 1, "syntax_error": 1}, byStatus)

	count, err := testutil.GatherAndCount(registry, "lpi_search_results")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTermScore(t *testing.T) {
	r := &ranker{minSimilarity: DefaultMinSimilarity, folder: newFolder()}

	assert.Equal(t, 1.0, r.termScore("serum", "serum", true, true))
	assert.Equal(t, 0.0, r.termScore("serum", "serum fx", true, true))
	assert.Equal(t, 1.0, r.termScore("serum", "serum fx", true, false))
	assert.Equal(t, 1.0, r.termScore("bass", "deep bass loop", false, false))
	assert.InDelta(t, 0.8, r.termScore("serun", "serum", false, false), 0.001)
	assert.InDelta(t, 0.8, r.termScore("serun", "my serum patch", false, false), 0.001)

	assert.Equal(t, "café", r.folder.fold("CAFÉ"))
}
