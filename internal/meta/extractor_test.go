package meta

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/franz/live-indexer/internal/container"
	"github.com/franz/live-indexer/internal/container/containertest"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extractSet(t *testing.T, set containertest.LiveSet) (*store.Project, error) {
	t.Helper()
	return extractXML(t, set.XML())
}

func extractXML(t *testing.T, doc string) (*store.Project, error) {
	t.Helper()
	dec, err := container.NewDecoder(bytes.NewReader(containertest.Gzip(t, doc)))
	require.NoError(t, err)
	defer dec.Close()
	return Extract(dec, filepath.FromSlash("/projects/song Project"))
}

func TestExtractMinimalRoundTrip(t *testing.T) {
	p, err := extractSet(t, containertest.LiveSet{
		Creator:       "Ableton Live 11.3.13",
		Tempo:         "128.0",
		TimeSignature: "201",
	})
	require.NoError(t, err)

	assert.Equal(t, 128.0, p.Tempo)
	assert.Equal(t, store.TimeSignature{Numerator: 4, Denominator: 4}, p.TimeSignature)
	assert.Equal(t, store.Version{Major: 11, Minor: 3, Patch: 13}, p.Version)
	assert.Nil(t, p.Key)
	assert.Nil(t, p.DurationSeconds, "no clips means no duration")
	assert.Nil(t, p.FurthestBar)
	assert.Empty(t, p.Plugins)
	assert.Empty(t, p.Samples)
	assert.Equal(t, store.StatusActive, p.Status)
}

func TestExtractDeduplicatesPlugins(t *testing.T) {
	serum := containertest.Plugin{ID: "device:vst3:instr:5653545856535473657275", Name: "Serum"}
	p, err := extractSet(t, containertest.LiveSet{Tracks: []containertest.Track{
		{Plugins: []containertest.Plugin{serum}},
		{Plugins: []containertest.Plugin{serum}},
		{Plugins: []containertest.Plugin{serum}},
	}})
	require.NoError(t, err)

	require.Len(t, p.Plugins, 1)
	assert.Equal(t, "Serum", p.Plugins[0].Name)
	assert.Equal(t, store.FormatVST3Instrument, p.Plugins[0].Format)
}

func TestExtractPluginFormats(t *testing.T) {
	p, err := extractSet(t, containertest.LiveSet{Tracks: []containertest.Track{{
		Plugins: []containertest.Plugin{
			{ID: "device:vst:instr:1097298739", Name: "Massive"},
			{ID: "device:vst:audiofx:1886548584", Name: "ValhallaRoom"},
			{ID: "device:vst3:audiofx:ABCDEF", Name: "Pro-Q 3"},
			{ID: "device:au:instr:aumu:Vita:Vtal", Name: "Vital"},
			{ID: "device:ableton:audiofx:Reverb", Name: "Reverb"},
		},
	}}})
	require.NoError(t, err)

	got := map[string]store.PluginFormat{}
	for _, pl := range p.Plugins {
		got[pl.Name] = pl.Format
	}
	assert.Equal(t, map[string]store.PluginFormat{
		"Massive":      store.FormatVST2Instrument,
		"ValhallaRoom": store.FormatVST2Effect,
		"Pro-Q 3":      store.FormatVST3Effect,
		"Vital":        store.FormatAUInstrument,
	}, got)
}

func TestExtractSamples(t *testing.T) {
	abs := filepath.FromSlash("/library/kicks/kick 01.wav")
	p, err := extractSet(t, containertest.LiveSet{Tracks: []containertest.Track{
		{Clips: []containertest.Clip{
			{End: 8, Samples: []string{abs}},
			{End: 8, Samples: []string{abs}},
			{End: 4, Samples: []string{"Samples/Recorded/vox.wav"}},
		}},
	}})
	require.NoError(t, err)

	require.Len(t, p.Samples, 2)
	assert.Equal(t, abs, p.Samples[0].Path)
	assert.Equal(t, "kick 01.wav", p.Samples[0].Name)
	assert.Equal(t, filepath.Join(filepath.FromSlash("/projects/song Project"), "Samples", "Recorded", "vox.wav"), p.Samples[1].Path)
}

func TestExtractLegacySampleData(t *testing.T) {
	path := filepath.FromSlash("/library/snare.aif")
	p, err := extractSet(t, containertest.LiveSet{
		Creator: "Ableton Live 10.1.30",
		Tracks: []containertest.Track{{Clips: []containertest.Clip{
			{End: 4, Samples: []string{path}, Legacy: true},
		}}},
	})
	require.NoError(t, err)
	require.Len(t, p.Samples, 1)
	assert.Equal(t, path, p.Samples[0].Path)
}

func TestExtractKeySignature(t *testing.T) {
	aMinor := &containertest.Key{Root: 9, Scale: "Minor", InKey: true}
	cMajor := &containertest.Key{Root: 60, Scale: "Major", InKey: true}
	notInKey := &containertest.Key{Root: 2, Scale: "Dorian", InKey: false}

	tracks := []containertest.Track{{Clips: []containertest.Clip{
		{Midi: true, End: 4, Key: aMinor},
		{Midi: true, End: 4, Key: aMinor},
		{Midi: true, End: 4, Key: cMajor},
		{Midi: true, End: 4, Key: notInKey},
		{Midi: true, End: 4, Key: notInKey},
		{Midi: true, End: 4, Key: notInKey},
	}}}

	p, err := extractSet(t, containertest.LiveSet{Tracks: tracks})
	require.NoError(t, err)
	require.NotNil(t, p.Key)
	assert.Equal(t, store.KeySignature{Tonic: "A", Scale: "Minor"}, *p.Key)

	// scale information predates Live 11 only as noise
	p, err = extractSet(t, containertest.LiveSet{Creator: "Ableton Live 10.1.30", Tracks: tracks})
	require.NoError(t, err)
	assert.Nil(t, p.Key)
}

func TestExtractKeyTieBreak(t *testing.T) {
	p, err := extractSet(t, containertest.LiveSet{Tracks: []containertest.Track{{Clips: []containertest.Clip{
		{Midi: true, End: 4, Key: &containertest.Key{Root: 7, Scale: "Major", InKey: true}},
		{Midi: true, End: 4, Key: &containertest.Key{Root: 2, Scale: "Minor", InKey: true}},
	}}}})
	require.NoError(t, err)
	require.NotNil(t, p.Key)
	assert.Equal(t, "D Minor", p.Key.String())
}

func TestExtractDuration(t *testing.T) {
	tests := []struct {
		name    string
		ts      string
		tempo   string
		ends    []float64
		seconds float64
		bar     float64
	}{
		{"four four", "201", "120", []float64{16, 32, 8}, 16, 8},
		{"three four", "200", "90", []float64{24}, 16, 8},
		{"six eight", "302", "120", []float64{12}, 6, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var clips []containertest.Clip
			for _, e := range tt.ends {
				clips = append(clips, containertest.Clip{End: e})
			}
			p, err := extractSet(t, containertest.LiveSet{
				Tempo:         tt.tempo,
				TimeSignature: tt.ts,
				Tracks:        []containertest.Track{{Clips: clips}},
			})
			require.NoError(t, err)
			require.NotNil(t, p.DurationSeconds)
			require.NotNil(t, p.FurthestBar)
			assert.InDelta(t, tt.seconds, *p.DurationSeconds, 1e-9)
			assert.InDelta(t, tt.bar, *p.FurthestBar, 1e-9)
		})
	}
}

func TestExtractTempoRules(t *testing.T) {
	p, err := extractSet(t, containertest.LiveSet{Tempo: "128", AutomationTempo: "90"})
	require.NoError(t, err)
	assert.Equal(t, 128.0, p.Tempo, "automation events must not override the base tempo")

	doc := `<Ableton Creator="Ableton Live 11.1.0"><LiveSet><Tracks/>` +
		`<MasterTrack><DeviceChain><Mixer><Tempo><Manual Value="100"/></Tempo></Mixer></DeviceChain></MasterTrack>` +
		`<AutomationEnvelopes><Tempo><Manual Value="60"/></Tempo></AutomationEnvelopes>` +
		`<MasterTrack><DeviceChain><Mixer><Tempo><Manual Value="140"/></Tempo></Mixer></DeviceChain></MasterTrack>` +
		`</LiveSet></Ableton>`
	p, err = extractXML(t, doc)
	require.NoError(t, err)
	assert.Equal(t, 140.0, p.Tempo, "last declaration wins")
}

func TestExtractTimeSignatureFallback(t *testing.T) {
	p, err := extractSet(t, containertest.LiveSet{TimeSignature: "999"})
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTimeSignature, p.TimeSignature)

	p, err = extractSet(t, containertest.LiveSet{})
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTimeSignature, p.TimeSignature)

	p, err = extractSet(t, containertest.LiveSet{TimeSignature: "304"})
	require.NoError(t, err)
	assert.Equal(t, store.TimeSignature{Numerator: 8, Denominator: 8}, p.TimeSignature)
}

func TestExtractFailures(t *testing.T) {
	tests := []struct {
		name    string
		set     containertest.LiveSet
		target  error
		element string
	}{
		{"missing creator", containertest.LiveSet{OmitCreator: true}, util.ErrMalformedContent, "Ableton"},
		{"unparseable creator", containertest.LiveSet{Creator: "Ableton Live abc"}, util.ErrMalformedContent, "Ableton"},
		{"too old", containertest.LiveSet{Creator: "Ableton Live 8.4.2"}, util.ErrUnsupportedVersion, ""},
		{"too new", containertest.LiveSet{Creator: "Ableton Live 13.0.1"}, util.ErrUnsupportedVersion, ""},
		{"missing tempo", containertest.LiveSet{OmitTempo: true}, util.ErrMalformedContent, "Tempo"},
		{"garbage tempo", containertest.LiveSet{Tempo: "fast"}, util.ErrMalformedContent, "Tempo"},
		{"tempo out of range", containertest.LiveSet{Tempo: "5"}, util.ErrMalformedContent, "Tempo"},
		{"missing tracks", containertest.LiveSet{OmitTracks: true}, util.ErrMalformedContent, "Tracks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := extractSet(t, tt.set)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)

			var ce *ContentError
			if tt.element != "" {
				require.True(t, errors.As(err, &ce))
				assert.Equal(t, tt.element, ce.Element)
			}
		})
	}

	_, err := extractXML(t, `<LiveSet><Tracks/></LiveSet>`)
	var ce *ContentError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "LiveSet", ce.Element)
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		creator string
		want    store.Version
	}{
		{"Ableton Live 11.3.13", store.Version{Major: 11, Minor: 3, Patch: 13}},
		{"Ableton Live 9.7.7", store.Version{Major: 9, Minor: 7, Patch: 7}},
		{"Ableton Live 12.0", store.Version{Major: 12}},
		{"Ableton Live 12.0b15", store.Version{Major: 12, Beta: true}},
		{"Ableton Live 11.0.1 Beta", store.Version{Major: 11, Patch: 1, Beta: true}},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.creator)
		require.NoError(t, err, tt.creator)
		assert.Equal(t, tt.want, got, tt.creator)
	}
}

func TestTimeSignatureCodec(t *testing.T) {
	signatures := []store.TimeSignature{
		{Numerator: 4, Denominator: 4},
		{Numerator: 3, Denominator: 4},
		{Numerator: 7, Denominator: 8},
		{Numerator: 12, Denominator: 16},
		{Numerator: 1, Denominator: 1},
		{Numerator: 99, Denominator: 16},
	}
	for _, ts := range signatures {
		got, ok := DecodeTimeSignature(strconv.Itoa(EncodeTimeSignature(ts)))
		require.True(t, ok, ts.String())
		assert.Equal(t, ts, got)
	}
	for _, bad := range []string{"-1", "495", "x", ""} {
		_, ok := DecodeTimeSignature(bad)
		assert.False(t, ok, bad)
	}
}

func TestExtractFile(t *testing.T) {
	dir := t.TempDir()
	path := containertest.Write(t, dir, "Beat Sketch.als", containertest.LiveSet{Tempo: "174"})

	p, err := ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Beat Sketch", p.Name)
	assert.Equal(t, util.NormalizePath(path, ""), p.Path)
	assert.False(t, p.ModifiedAt.IsZero())
	assert.Equal(t, 174.0, p.Tempo)

	truncated := filepath.Join(dir, "broken.als")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(truncated, raw[:len(raw)-20], 0644))
	_, err = ExtractFile(truncated)
	assert.True(t, errors.Is(err, util.ErrTruncatedData), "got %v", err)
}
