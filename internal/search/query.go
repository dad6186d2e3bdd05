package search

import (
	"fmt"

	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

// Field names a searchable attribute of a project
type Field string

const (
	FieldText     Field = ""
	FieldName     Field = "name"
	FieldPath     Field = "path"
	FieldNotes    Field = "notes"
	FieldPlugin   Field = "plugin"
	FieldSample   Field = "sample"
	FieldTag      Field = "tag"
	FieldVersion  Field = "version"
	FieldKey      Field = "key"
	FieldTempo    Field = "tempo"
	FieldTS       Field = "ts"
	FieldDuration Field = "duration"
	FieldMissing  Field = "missing"
	FieldCreated  Field = "dc"
	FieldModified Field = "dm"
)

var fieldNames = map[string]Field{
	"name":     FieldName,
	"path":     FieldPath,
	"notes":    FieldNotes,
	"plugin":   FieldPlugin,
	"sample":   FieldSample,
	"tag":      FieldTag,
	"version":  FieldVersion,
	"key":      FieldKey,
	"tempo":    FieldTempo,
	"bpm":      FieldTempo,
	"ts":       FieldTS,
	"duration": FieldDuration,
	"ed":       FieldDuration,
	"missing":  FieldMissing,
	"dc":       FieldCreated,
	"created":  FieldCreated,
	"dm":       FieldModified,
	"modified": FieldModified,
}

func (f Field) String() string {
	if f == FieldText {
		return "text"
	}
	return string(f)
}

// Kind is the type of a predicate
type Kind int

const (
	KindText Kind = iota
	KindRange
	KindKey
	KindTimeSignature
	KindMissing
	KindDate
)

// Term is one alternative of a text predicate
type Term struct {
	Text  string
	Exact bool
}

// Predicate is one condition of a query. Predicates are ANDed; the
// alternatives inside one predicate are ORed.
type Predicate struct {
	Kind  Kind
	Field Field
	// Pos is the rune offset of the predicate in the query
	Pos int

	Terms          []Term
	Spans          []store.Span
	Keys           []store.KeySignature
	TimeSignatures []store.TimeSignature
	Dates          []store.TimeSpan
	Missing        bool
}

// Exact reports whether every term of a text predicate is quoted
func (p Predicate) Exact() bool {
	if len(p.Terms) == 0 {
		return false
	}
	for _, t := range p.Terms {
		if !t.Exact {
			return false
		}
	}
	return true
}

// Scored reports whether the predicate contributes to relevance
func (p Predicate) Scored() bool {
	return p.Kind == KindText
}

// Query is a parsed search query
type Query struct {
	Raw        string
	Predicates []Predicate
}

// SyntaxError describes why a query could not be parsed
type SyntaxError struct {
	Query  string
	Pos    int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("query syntax error at position %d: %s", e.Pos, e.Reason)
}

func (e *SyntaxError) Unwrap() error { return util.ErrQuerySyntax }
