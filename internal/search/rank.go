package search

import (
	"strings"

	"github.com/franz/live-indexer/internal/store"
	"github.com/hbollon/go-edlib"
)

// Match explains how one predicate matched a project
type Match struct {
	Field Field
	Term  string
	Value string
	// Score is a percentage
	Score float64
}

// ranker verifies text predicates against loaded projects and scores them
type ranker struct {
	minSimilarity float64
	folder        *folder
}

// fieldValues returns the text a field of p is matched against
func fieldValues(p *store.Project, f Field) []string {
	switch f {
	case FieldName:
		return []string{p.Name}
	case FieldPath:
		return []string{p.Path}
	case FieldNotes:
		return []string{p.Notes}
	case FieldVersion:
		return []string{p.Version.String()}
	case FieldPlugin:
		out := make([]string, len(p.Plugins))
		for i, pl := range p.Plugins {
			out[i] = pl.Name
		}
		return out
	case FieldSample:
		out := make([]string, len(p.Samples))
		for i, s := range p.Samples {
			out[i] = s.Name
		}
		return out
	case FieldTag:
		out := make([]string, len(p.Tags))
		for i, t := range p.Tags {
			out[i] = t.Name
		}
		return out
	case FieldText:
		out := []string{p.Name, p.Path, p.Notes, p.Version.String()}
		if p.Key != nil {
			out = append(out, p.Key.String())
		}
		for _, sub := range []Field{FieldPlugin, FieldSample, FieldTag} {
			out = append(out, fieldValues(p, sub)...)
		}
		return out
	}
	return nil
}

// similarity is the normalized Levenshtein similarity of two folded strings
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	s, err := edlib.StringsSimilarity(a, b, edlib.Levenshtein)
	if err != nil {
		return 0
	}
	return float64(s)
}

// score returns the best match of a text predicate against p. ok is false
// when no term reaches the threshold.
func (r *ranker) score(p *store.Project, pred Predicate) (Match, bool) {
	_, relational := relationKinds[pred.Field]
	values := fieldValues(p, pred.Field)

	best := Match{Field: pred.Field}
	for _, t := range pred.Terms {
		term := r.folder.fold(t.Text)
		if term == "" {
			continue
		}
		for _, v := range values {
			folded := r.folder.fold(v)
			s := r.termScore(term, folded, t.Exact, relational)
			if s > best.Score/100 {
				best = Match{Field: pred.Field, Term: t.Text, Value: v, Score: s * 100}
			}
			if s == 1 {
				return best, true
			}
		}
	}

	threshold := r.minSimilarity
	if pred.Exact() {
		threshold = 1
	}
	return best, best.Score > 0 && best.Score/100 >= threshold
}

// termScore compares one folded term with one folded value. Quoted terms
// on entity fields require the whole name; other quoted terms require a
// substring, as the phrase index does. Unquoted terms take the best of
// substring containment and the similarity to the whole value or any word.
func (r *ranker) termScore(term, value string, exact, relational bool) float64 {
	if value == "" {
		return 0
	}
	if exact {
		if relational {
			if term == value {
				return 1
			}
			return 0
		}
		if strings.Contains(value, term) {
			return 1
		}
		return 0
	}

	if strings.Contains(value, term) {
		return 1
	}
	best := similarity(term, value)
	for _, w := range words(value) {
		if s := similarity(term, w); s > best {
			best = s
		}
	}
	return best
}

// rank scores p against every text predicate of q. The project score is
// the mean of the predicate scores, 100 when q has only filters.
func (r *ranker) rank(q *Query, p *store.Project) (float64, []Match, bool) {
	var total float64
	var n int
	var matches []Match
	for _, pred := range q.Predicates {
		if !pred.Scored() {
			continue
		}
		m, ok := r.score(p, pred)
		if !ok {
			return 0, nil, false
		}
		matches = append(matches, m)
		total += m.Score
		n++
	}
	if n == 0 {
		return 100, nil, true
	}
	return total / float64(n), matches, true
}
