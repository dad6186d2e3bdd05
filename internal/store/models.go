package store

import (
	"fmt"
	"time"
)

// Status is the lifecycle flag of a project
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Valid reports whether s is one of the known states
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// Version is the Live release that wrote a project
type Version struct {
	Major int
	Minor int
	Patch int
	Beta  bool
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Beta {
		s += " beta"
	}
	return s
}

// TimeSignature is a numerator/denominator pair
type TimeSignature struct {
	Numerator   int
	Denominator int
}

// DefaultTimeSignature is used when a project declares none
var DefaultTimeSignature = TimeSignature{Numerator: 4, Denominator: 4}

func (t TimeSignature) String() string {
	return fmt.Sprintf("%d/%d", t.Numerator, t.Denominator)
}

// KeySignature is a tonic plus scale name, e.g. "A" "Minor"
type KeySignature struct {
	Tonic string
	Scale string
}

func (k KeySignature) String() string {
	if k.Scale == "" {
		return k.Tonic
	}
	return k.Tonic + " " + k.Scale
}

// PluginFormat is the plugin-format family of a plugin
type PluginFormat string

const (
	FormatVST2Instrument PluginFormat = "VST2 Instrument"
	FormatVST2Effect     PluginFormat = "VST2 Effect"
	FormatVST3Instrument PluginFormat = "VST3 Instrument"
	FormatVST3Effect     PluginFormat = "VST3 Effect"
	FormatAUInstrument   PluginFormat = "AU Instrument"
	FormatAUEffect       PluginFormat = "AU Effect"
)

// Project is one indexed Live Set
type Project struct {
	ID              string
	Path            string
	Hash            string
	Name            string
	Notes           string
	CreatedAt       time.Time
	ModifiedAt      time.Time
	LastParsedAt    time.Time
	Tempo           float64
	TimeSignature   TimeSignature
	Key             *KeySignature
	DurationSeconds *float64
	FurthestBar     *float64
	Version         Version
	Status          Status

	Plugins []Plugin
	Samples []Sample
	Tags    []Tag
}

// Plugin is a canonical plugin entity, unique by DevIdentifier
type Plugin struct {
	ID            string
	DevIdentifier string
	Name          string
	Vendor        string
	Format        PluginFormat
	Installed     bool
	Version       string
	SDKVersion    string
}

// Sample is a canonical sample entity, unique by Path
type Sample struct {
	ID      string
	Name    string
	Path    string
	Present bool
	Format  string
}

// Tag is a user label
type Tag struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Task is a to-do item owned by exactly one project
type Task struct {
	ID          string
	ProjectID   string
	Description string
	Completed   bool
	Position    int
	CreatedAt   time.Time
}

// Collection is an ordered list of projects with derived aggregates
type Collection struct {
	ID                   string
	Name                 string
	Description          string
	ProjectIDs           []string
	ProjectCount         int
	TotalDurationSeconds float64
	CreatedAt            time.Time
	ModifiedAt           time.Time
}
