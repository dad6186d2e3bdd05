// Package meta extracts project metadata from the token stream of a Live Set
// without building the document tree.
package meta

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/franz/live-indexer/internal/container"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

// keyScanMinMajor is the first release that stores clip scale information
const keyScanMinMajor = 11

// TokenSource is a pull-based stream of markup tokens
type TokenSource interface {
	Next() (container.Token, error)
}

// ExtractFile decodes and extracts the project at path. The returned project
// carries the normalized path, a display name derived from the file name and
// the file modification time. Hash is left for the caller.
func ExtractFile(path string) (*store.Project, error) {
	abs := util.NormalizePath(path, "")
	info, err := util.RetryableStat(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to stat project: %w", err)
	}

	dec, err := container.Open(abs)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	p, err := Extract(dec, filepath.Dir(abs))
	if err != nil {
		return nil, err
	}

	p.Path = abs
	p.Name = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	p.ModifiedAt = info.ModTime()
	return p, nil
}

// Extract consumes src to the end of the document and builds a project
// record. Relative sample paths are resolved against projectDir.
func Extract(src TokenSource, projectDir string) (*store.Project, error) {
	x := newExtraction(projectDir)
	for {
		tok, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch tok.Kind {
		case container.StartElement:
			if err := x.start(tok); err != nil {
				return nil, err
			}
		case container.EndElement:
			x.end(tok.Name)
		case container.CharData:
			if x.inData {
				x.data.Write(tok.Text)
			}
		}
	}
	return x.finish()
}

type pendingPlugin struct {
	depth  int
	devID  string
	name   string
	vendor string
}

type clipKey struct {
	depth int
	root  int
	scale string
	inKey bool
}

type keyCount struct {
	key   store.KeySignature
	count int
}

// extraction is the state carried across tokens. stack holds the names of
// the currently open elements; open counts how many of each are open.
type extraction struct {
	projectDir string

	stack []string
	open  map[string]int

	sawRoot    bool
	version    store.Version
	sawTracks  bool
	tempo      float64
	tempoErr   string
	masterTS   *store.TimeSignature
	anyTS      *store.TimeSignature
	maxEnd     float64
	sawClipEnd bool

	plugin     *pendingPlugin
	plugins    []store.Plugin
	pluginSeen map[string]int

	samplePath string
	inData     bool
	data       strings.Builder
	samples    []store.Sample
	sampleSeen map[string]bool

	clip *clipKey
	keys map[store.KeySignature]int
}

func newExtraction(projectDir string) *extraction {
	return &extraction{
		projectDir: projectDir,
		stack:      make([]string, 0, 64),
		open:       make(map[string]int),
		pluginSeen: make(map[string]int),
		sampleSeen: make(map[string]bool),
		keys:       make(map[store.KeySignature]int),
	}
}

func (x *extraction) parent() string {
	if len(x.stack) == 0 {
		return ""
	}
	return x.stack[len(x.stack)-1]
}

func (x *extraction) within(name string) bool {
	return x.open[name] > 0
}

func (x *extraction) start(tok container.Token) error {
	parent := x.parent()

	if len(x.stack) == 0 {
		if x.sawRoot {
			return &ContentError{Element: tok.Name, Reason: "content after root element"}
		}
		x.sawRoot = true
		if tok.Name != "Ableton" {
			return &ContentError{Element: tok.Name, Reason: "unexpected root element"}
		}
		creator, ok := tok.Attr("Creator")
		if !ok {
			return &ContentError{Element: "Ableton", Reason: "missing Creator attribute"}
		}
		v, err := ParseVersion(creator)
		if err != nil {
			return err
		}
		x.version = v
	}

	value, hasValue := tok.Attr("Value")

	switch tok.Name {
	case "Tracks":
		if parent == "LiveSet" {
			x.sawTracks = true
		}

	case "Manual":
		if parent == "Tempo" && !x.within("AutomationEnvelopes") && !x.inClip() {
			if bpm, err := ParseTempo(value); err != nil {
				x.tempo, x.tempoErr = 0, err.Error()
			} else {
				x.tempo, x.tempoErr = bpm, ""
			}
		}

	case "EnumEvent":
		if x.within("TimeSignature") && hasValue {
			if ts, ok := DecodeTimeSignature(value); ok {
				if x.within("MasterTrack") {
					x.masterTS = &ts
				}
				x.anyTS = &ts
			}
		}

	case "CurrentEnd":
		if (parent == "AudioClip" || parent == "MidiClip") && hasValue {
			if end, err := strconv.ParseFloat(value, 64); err == nil && end >= 0 {
				x.sawClipEnd = true
				if end > x.maxEnd {
					x.maxEnd = end
				}
			}
		}

	case "MidiClip":
		x.clip = &clipKey{depth: len(x.stack), root: -1}

	case "IsInKey":
		if x.clip != nil && parent == "MidiClip" {
			x.clip.inKey = value == "true"
		}

	case "RootNote":
		if x.clip != nil && parent == "ScaleInformation" {
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				x.clip.root = n % 12
			}
		}

	case "PluginDevice", "AuPluginDevice":
		x.plugin = &pendingPlugin{depth: len(x.stack)}

	case "BranchDeviceId":
		if x.plugin != nil && parent == "BranchSourceContext" {
			x.plugin.devID = value
		}

	case "Name", "PlugName":
		switch {
		case x.plugin != nil && x.plugin.name == "" && isPluginInfo(parent):
			x.plugin.name = value
		case x.clip != nil && parent == "ScaleInformation":
			x.clip.scale = value
		}

	case "Manufacturer":
		if x.plugin != nil && parent == "AuPluginInfo" {
			x.plugin.vendor = value
		}

	case "FileRef":
		if parent == "SampleRef" {
			x.samplePath = ""
			x.data.Reset()
		}

	case "Path":
		if parent == "FileRef" && x.within("SampleRef") {
			x.samplePath = value
		}

	case "Data":
		if parent == "FileRef" && x.within("SampleRef") {
			x.inData = true
		}
	}

	x.stack = append(x.stack, tok.Name)
	x.open[tok.Name]++
	return nil
}

func (x *extraction) end(name string) {
	if len(x.stack) == 0 {
		return
	}
	x.stack = x.stack[:len(x.stack)-1]
	x.open[name]--
	depth := len(x.stack)

	switch name {
	case "Data":
		x.inData = false

	case "FileRef":
		if x.parent() == "SampleRef" {
			x.addSample()
		}

	case "MidiClip":
		if x.clip != nil && x.clip.depth == depth {
			if x.clip.inKey && x.clip.root >= 0 && x.clip.scale != "" {
				x.keys[store.KeySignature{Tonic: tonics[x.clip.root], Scale: x.clip.scale}]++
			}
			x.clip = nil
		}

	case "PluginDevice", "AuPluginDevice":
		if x.plugin != nil && x.plugin.depth == depth {
			x.addPlugin(*x.plugin)
			x.plugin = nil
		}
	}
}

func (x *extraction) inClip() bool {
	return x.within("AudioClip") || x.within("MidiClip")
}

func isPluginInfo(name string) bool {
	switch name {
	case "Vst3PluginInfo", "VstPluginInfo", "AuPluginInfo":
		return true
	}
	return false
}

func (x *extraction) addPlugin(p pendingPlugin) {
	format, ok := pluginFormat(p.devID)
	if !ok {
		return
	}
	if i, seen := x.pluginSeen[p.devID]; seen {
		if x.plugins[i].Name == "" {
			x.plugins[i].Name = p.name
		}
		return
	}
	name := p.name
	if name == "" {
		name = p.devID[strings.LastIndex(p.devID, ":")+1:]
	}
	x.pluginSeen[p.devID] = len(x.plugins)
	x.plugins = append(x.plugins, store.Plugin{
		DevIdentifier: p.devID,
		Name:          name,
		Vendor:        p.vendor,
		Format:        format,
	})
}

func (x *extraction) addSample() {
	path := x.samplePath
	if path == "" && x.data.Len() > 0 {
		decoded, err := decodeLegacyPath(x.data.String())
		if err != nil {
			util.DebugLog("Undecodable sample reference: %v", err)
		}
		path = decoded
	}
	x.samplePath = ""
	x.data.Reset()

	if strings.TrimSpace(path) == "" {
		return
	}
	// one identity per sample however the name was composed
	path = util.PathKey(util.NormalizePath(path, x.projectDir))
	if x.sampleSeen[path] {
		return
	}
	x.sampleSeen[path] = true
	x.samples = append(x.samples, store.Sample{
		Name: filepath.Base(path),
		Path: path,
	})
}

func (x *extraction) finish() (*store.Project, error) {
	if !x.sawRoot {
		return nil, &ContentError{Element: "Ableton", Reason: "document has no root element"}
	}
	if !x.sawTracks {
		return nil, &ContentError{Element: "Tracks", Reason: "missing track list"}
	}
	if x.tempoErr != "" {
		return nil, &ContentError{Element: "Tempo", Reason: x.tempoErr}
	}
	if x.tempo == 0 {
		return nil, &ContentError{Element: "Tempo", Reason: "missing tempo"}
	}

	p := &store.Project{
		Tempo:         x.tempo,
		TimeSignature: store.DefaultTimeSignature,
		Version:       x.version,
		Status:        store.StatusActive,
		Plugins:       x.plugins,
		Samples:       x.samples,
		LastParsedAt:  time.Now().UTC(),
	}
	if x.masterTS != nil {
		p.TimeSignature = *x.masterTS
	} else if x.anyTS != nil {
		p.TimeSignature = *x.anyTS
	}

	if x.version.Major >= keyScanMinMajor {
		p.Key = x.dominantKey()
	}

	if x.sawClipEnd {
		seconds := x.maxEnd * 60 / p.Tempo
		beatsPerBar := float64(p.TimeSignature.Numerator) * 4 / float64(p.TimeSignature.Denominator)
		bar := x.maxEnd / beatsPerBar
		p.DurationSeconds = &seconds
		p.FurthestBar = &bar
	}
	return p, nil
}

// dominantKey picks the most frequent in-key scale across MIDI clips. Ties
// go to the lower tonic, then the alphabetically first scale.
func (x *extraction) dominantKey() *store.KeySignature {
	if len(x.keys) == 0 {
		return nil
	}
	counts := make([]keyCount, 0, len(x.keys))
	for k, n := range x.keys {
		counts = append(counts, keyCount{key: k, count: n})
	}
	sort.Slice(counts, func(i, j int) bool {
		a, b := counts[i], counts[j]
		if a.count != b.count {
			return a.count > b.count
		}
		if ta, tb := TonicIndex(a.key.Tonic), TonicIndex(b.key.Tonic); ta != tb {
			return ta < tb
		}
		return a.key.Scale < b.key.Scale
	})
	k := counts[0].key
	return &k
}
