package store

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// TextField is a column of the full-text index. The zero value searches
// every indexed column.
type TextField string

const (
	TextAll     TextField = ""
	TextName    TextField = "name"
	TextPath    TextField = "path"
	TextNotes   TextField = "notes"
	TextPlugins TextField = "plugins"
	TextSamples TextField = "samples"
	TextTags    TextField = "tags"
	TextVersion TextField = "version"
	TextKey     TextField = "key_signature"
)

var textColumns = []TextField{TextName, TextPath, TextNotes, TextPlugins, TextSamples, TextTags, TextVersion, TextKey}

// TextMatch is a full-text predicate. Terms are alternatives. Exact terms
// match as phrases; fuzzy terms match any shared trigram so near-miss
// spellings survive as candidates for ranking.
type TextMatch struct {
	Field TextField
	Terms []string
	Exact bool
}

// RelationKind selects the entity table of a RelationMatch
type RelationKind string

const (
	RelationPlugin RelationKind = "plugin"
	RelationSample RelationKind = "sample"
	RelationTag    RelationKind = "tag"
)

// RelationMatch requires a linked entity whose name equals one of Names,
// compared case-insensitively.
type RelationMatch struct {
	Kind  RelationKind
	Names []string
}

// RangeColumn is a numeric project column
type RangeColumn string

const (
	RangeTempo    RangeColumn = "tempo"
	RangeDuration RangeColumn = "duration_seconds"
)

// Bound is one side of a numeric range
type Bound struct {
	Value     float64
	Inclusive bool
}

// Span is an interval of a numeric column. Nil bounds are open.
type Span struct {
	Min *Bound
	Max *Bound
}

// RangeFilter restricts a numeric column to any of its spans
type RangeFilter struct {
	Column RangeColumn
	Spans  []Span
}

// DateColumn is a timestamp column of a project
type DateColumn string

const (
	DateCreated  DateColumn = "created_at"
	DateModified DateColumn = "modified_at"
)

// TimeSpan is the half-open interval [From, Until). A zero side is open.
type TimeSpan struct {
	From  time.Time
	Until time.Time
}

// DateFilter restricts a timestamp column to any of its spans
type DateFilter struct {
	Column DateColumn
	Spans  []TimeSpan
}

// SearchFilter is the lowered form of a search query. All parts are ANDed.
type SearchFilter struct {
	Text           []TextMatch
	Relations      []RelationMatch
	Ranges         []RangeFilter
	Dates          []DateFilter
	Keys           [][]KeySignature
	TimeSignatures [][]TimeSignature
	Missing        *bool
	Statuses       []Status
}

// ExecuteSearch returns every project satisfying filter with relations
// loaded, most recently modified first. Ranking is left to the caller.
func (s *Store) ExecuteSearch(f SearchFilter) ([]*Project, error) {
	where, args := statusClause(f.Statuses)
	conds := []string{where}

	for _, tm := range f.Text {
		c, a, err := textCondition(tm)
		if err != nil {
			return nil, err
		}
		if c != "" {
			conds = append(conds, c)
			args = append(args, a...)
		}
	}

	for _, rm := range f.Relations {
		if len(rm.Names) == 0 {
			continue
		}
		var sub string
		switch rm.Kind {
		case RelationPlugin:
			sub = "SELECT 1 FROM project_plugins j JOIN plugins e ON e.id = j.plugin_id"
		case RelationSample:
			sub = "SELECT 1 FROM project_samples j JOIN samples e ON e.id = j.sample_id"
		case RelationTag:
			sub = "SELECT 1 FROM project_tags j JOIN tags e ON e.id = j.tag_id"
		default:
			return nil, fmt.Errorf("unknown relation %q", rm.Kind)
		}
		conds = append(conds, "EXISTS ("+sub+" WHERE j.project_id = p.id AND "+foldFunction+"(e.name) IN ("+placeholders(len(rm.Names))+"))")
		for _, n := range rm.Names {
			args = append(args, FoldName(n))
		}
	}

	for _, rf := range f.Ranges {
		if rf.Column != RangeTempo && rf.Column != RangeDuration {
			return nil, fmt.Errorf("unknown range column %q", rf.Column)
		}
		col := "p." + string(rf.Column)
		var ors []string
		for _, sp := range rf.Spans {
			parts := []string{col + " IS NOT NULL"}
			if sp.Min != nil {
				op := ">"
				if sp.Min.Inclusive {
					op = ">="
				}
				parts = append(parts, col+" "+op+" ?")
				args = append(args, sp.Min.Value)
			}
			if sp.Max != nil {
				op := "<"
				if sp.Max.Inclusive {
					op = "<="
				}
				parts = append(parts, col+" "+op+" ?")
				args = append(args, sp.Max.Value)
			}
			ors = append(ors, "("+strings.Join(parts, " AND ")+")")
		}
		if len(ors) > 0 {
			conds = append(conds, "("+strings.Join(ors, " OR ")+")")
		}
	}

	for _, df := range f.Dates {
		if df.Column != DateCreated && df.Column != DateModified {
			return nil, fmt.Errorf("unknown date column %q", df.Column)
		}
		// stored values carry an offset, julianday compares them in UTC
		col := "julianday(p." + string(df.Column) + ")"
		var ors []string
		for _, sp := range df.Spans {
			parts := []string{"p." + string(df.Column) + " IS NOT NULL"}
			if !sp.From.IsZero() {
				parts = append(parts, col+" >= julianday(?)")
				args = append(args, sqliteTime(sp.From))
			}
			if !sp.Until.IsZero() {
				parts = append(parts, col+" < julianday(?)")
				args = append(args, sqliteTime(sp.Until))
			}
			ors = append(ors, "("+strings.Join(parts, " AND ")+")")
		}
		if len(ors) > 0 {
			conds = append(conds, "("+strings.Join(ors, " OR ")+")")
		}
	}

	for _, alts := range f.Keys {
		var ors []string
		for _, k := range alts {
			if k.Scale == "" {
				ors = append(ors, "p.key_tonic = ?")
				args = append(args, k.Tonic)
			} else {
				ors = append(ors, "(p.key_tonic = ? AND p.key_scale = ? COLLATE NOCASE)")
				args = append(args, k.Tonic, k.Scale)
			}
		}
		if len(ors) > 0 {
			conds = append(conds, "("+strings.Join(ors, " OR ")+")")
		}
	}

	for _, alts := range f.TimeSignatures {
		var ors []string
		for _, ts := range alts {
			ors = append(ors, "(p.time_signature_numerator = ? AND p.time_signature_denominator = ?)")
			args = append(args, ts.Numerator, ts.Denominator)
		}
		if len(ors) > 0 {
			conds = append(conds, "("+strings.Join(ors, " OR ")+")")
		}
	}

	if f.Missing != nil {
		missing := `(EXISTS (SELECT 1 FROM project_plugins j JOIN plugins e ON e.id = j.plugin_id
				WHERE j.project_id = p.id AND e.installed = 0)
			OR EXISTS (SELECT 1 FROM project_samples j JOIN samples e ON e.id = j.sample_id
				WHERE j.project_id = p.id AND e.is_present = 0))`
		if !*f.Missing {
			missing = "NOT " + missing
		}
		conds = append(conds, missing)
	}

	query := "SELECT " + projectColumns + " FROM projects p WHERE " + strings.Join(conds, " AND ") +
		" ORDER BY p.modified_at DESC, p.path ASC"
	projects, err := s.queryProjects(query, args...)
	if err != nil {
		return nil, err
	}
	if err := s.LoadRelations(projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// textCondition lowers one text predicate. The trigram tokenizer cannot
// index terms shorter than three characters, so those fall back to LIKE
// over the same index table.
func textCondition(tm TextMatch) (string, []any, error) {
	if tm.Field != TextAll && !validTextField(tm.Field) {
		return "", nil, fmt.Errorf("unknown text field %q", tm.Field)
	}

	var matchParts []string
	var likeTerms []string
	for _, term := range tm.Terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if utf8.RuneCountInString(term) < 3 {
			likeTerms = append(likeTerms, term)
			continue
		}
		if tm.Exact {
			matchParts = append(matchParts, quoteFTS(term))
		} else {
			matchParts = append(matchParts, trigramQuery(term))
		}
	}

	var ors []string
	var args []any
	if len(matchParts) > 0 {
		expr := "(" + strings.Join(matchParts, " OR ") + ")"
		if tm.Field != TextAll {
			expr = "{" + string(tm.Field) + "} : " + expr
		}
		ors = append(ors, "p.rowid IN (SELECT rowid FROM project_search WHERE project_search MATCH ?)")
		args = append(args, expr)
	}
	for _, term := range likeTerms {
		cols := textColumns
		if tm.Field != TextAll {
			cols = []TextField{tm.Field}
		}
		var likes []string
		for _, c := range cols {
			likes = append(likes, string(c)+" LIKE ? ESCAPE '\\'")
			args = append(args, "%"+escapeLike(term)+"%")
		}
		ors = append(ors, "p.rowid IN (SELECT rowid FROM project_search WHERE "+strings.Join(likes, " OR ")+")")
	}
	if len(ors) == 0 {
		return "", nil, nil
	}
	return "(" + strings.Join(ors, " OR ") + ")", args, nil
}

func validTextField(f TextField) bool {
	for _, c := range textColumns {
		if c == f {
			return true
		}
	}
	return false
}

// quoteFTS wraps a term as an FTS5 string, doubling embedded quotes
func quoteFTS(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

// trigramQuery ORs every trigram of term
func trigramQuery(term string) string {
	runes := []rune(strings.ToLower(term))
	seen := make(map[string]bool)
	var parts []string
	for i := 0; i+3 <= len(runes); i++ {
		g := string(runes[i : i+3])
		if seen[g] {
			continue
		}
		seen[g] = true
		parts = append(parts, quoteFTS(g))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// sqliteTime formats t the way SQLite date functions read it
func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000")
}
