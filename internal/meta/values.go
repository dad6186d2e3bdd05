package meta

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/franz/live-indexer/internal/store"
)

const (
	minMajorVersion = 9
	maxMajorVersion = 12

	minTempo = 10.0
	maxTempo = 999.0

	// time signatures are stored as (numerator-1) + 99*log2(denominator)
	maxTimeSignatureEnum = 494
)

var creatorPattern = regexp.MustCompile(`^Ableton Live (\d+)(?:\.(\d+))?(?:\.(\d+))?([a-z]\d+)?(.*)$`)

var tonics = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// TonicIndex returns the pitch class of a tonic name, or -1
func TonicIndex(name string) int {
	for i, t := range tonics {
		if strings.EqualFold(t, name) {
			return i
		}
	}
	return -1
}

// Tonic returns the canonical sharp-spelled name of a pitch class
func Tonic(pitchClass int) string {
	return tonics[((pitchClass%12)+12)%12]
}

// ParseVersion parses the Creator attribute of the root element, e.g.
// "Ableton Live 11.3.13" or "Ableton Live 12.0b15 Beta".
func ParseVersion(creator string) (store.Version, error) {
	m := creatorPattern.FindStringSubmatch(strings.TrimSpace(creator))
	if m == nil {
		return store.Version{}, &ContentError{Element: "Ableton", Reason: fmt.Sprintf("unparseable Creator %q", creator)}
	}

	var v store.Version
	var err error
	if v.Major, err = strconv.Atoi(m[1]); err != nil {
		return store.Version{}, &ContentError{Element: "Ableton", Reason: fmt.Sprintf("unparseable Creator %q", creator)}
	}
	if m[2] != "" {
		v.Minor, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}
	v.Beta = strings.HasPrefix(m[4], "b") || strings.Contains(strings.ToLower(m[5]), "beta")

	if v.Major < minMajorVersion || v.Major > maxMajorVersion {
		return store.Version{}, &VersionError{Raw: creator, Major: v.Major}
	}
	return v, nil
}

// ParseTempo parses a Manual tempo value
func ParseTempo(raw string) (float64, error) {
	bpm, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable tempo %q", raw)
	}
	if bpm < minTempo || bpm > maxTempo {
		return 0, fmt.Errorf("tempo %g outside %g-%g", bpm, minTempo, maxTempo)
	}
	return bpm, nil
}

// DecodeTimeSignature decodes an EnumEvent time signature value
func DecodeTimeSignature(raw string) (store.TimeSignature, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 || v > maxTimeSignatureEnum {
		return store.TimeSignature{}, false
	}
	return store.TimeSignature{
		Numerator:   v%99 + 1,
		Denominator: 1 << (v / 99),
	}, true
}

// EncodeTimeSignature is the inverse of DecodeTimeSignature
func EncodeTimeSignature(ts store.TimeSignature) int {
	exp := 0
	for d := ts.Denominator; d > 1; d >>= 1 {
		exp++
	}
	return (ts.Numerator - 1) + 99*exp
}

// decodeLegacyPath decodes the hex UTF-16LE FileRef Data written by Live 10
// and older. NUL code units are dropped.
func decodeLegacyPath(data string) (string, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, data)

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return "", err
	}
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		u := uint16(raw[i]) | uint16(raw[i+1])<<8
		if u != 0 {
			units = append(units, u)
		}
	}
	return string(utf16.Decode(units)), nil
}

// pluginFormat classifies a developer identifier by its prefix
func pluginFormat(devID string) (store.PluginFormat, bool) {
	switch {
	case strings.HasPrefix(devID, "device:vst3:instr:"):
		return store.FormatVST3Instrument, true
	case strings.HasPrefix(devID, "device:vst3:audiofx:"):
		return store.FormatVST3Effect, true
	case strings.HasPrefix(devID, "device:vst:instr:"):
		return store.FormatVST2Instrument, true
	case strings.HasPrefix(devID, "device:vst:audiofx:"):
		return store.FormatVST2Effect, true
	case strings.HasPrefix(devID, "device:au:instr:"):
		return store.FormatAUInstrument, true
	case strings.HasPrefix(devID, "device:au:audiofx:"):
		return store.FormatAUEffect, true
	}
	return "", false
}
