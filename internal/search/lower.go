package search

import (
	"github.com/franz/live-indexer/internal/store"
)

var textColumns = map[Field]store.TextField{
	FieldText:    store.TextAll,
	FieldName:    store.TextName,
	FieldPath:    store.TextPath,
	FieldNotes:   store.TextNotes,
	FieldPlugin:  store.TextPlugins,
	FieldSample:  store.TextSamples,
	FieldTag:     store.TextTags,
	FieldVersion: store.TextVersion,
}

var relationKinds = map[Field]store.RelationKind{
	FieldPlugin: store.RelationPlugin,
	FieldSample: store.RelationSample,
	FieldTag:    store.RelationTag,
}

var rangeColumns = map[Field]store.RangeColumn{
	FieldTempo:    store.RangeTempo,
	FieldDuration: store.RangeDuration,
}

var dateColumns = map[Field]store.DateColumn{
	FieldCreated:  store.DateCreated,
	FieldModified: store.DateModified,
}

// Lower converts a parsed query into the storage search primitive.
//
// Text predicates become full-text candidates: quoted terms match as
// phrases and unquoted terms by shared trigrams, to be verified and ranked
// afterwards. Fully quoted plugin, sample and tag predicates become name
// equality through the junction tables. Everything else is a relational
// filter. The returned filter selects a superset of the final matches.
func Lower(q *Query) store.SearchFilter {
	var f store.SearchFilter
	for _, p := range q.Predicates {
		switch p.Kind {
		case KindText:
			terms := make([]string, 0, len(p.Terms))
			for _, t := range p.Terms {
				terms = append(terms, cleanTerm(t.Text))
			}
			if kind, ok := relationKinds[p.Field]; ok && p.Exact() {
				f.Relations = append(f.Relations, store.RelationMatch{Kind: kind, Names: terms})
				continue
			}
			f.Text = append(f.Text, store.TextMatch{Field: textColumns[p.Field], Terms: terms, Exact: p.Exact()})
		case KindRange:
			f.Ranges = append(f.Ranges, store.RangeFilter{Column: rangeColumns[p.Field], Spans: p.Spans})
		case KindDate:
			f.Dates = append(f.Dates, store.DateFilter{Column: dateColumns[p.Field], Spans: p.Dates})
		case KindKey:
			f.Keys = append(f.Keys, p.Keys)
		case KindTimeSignature:
			f.TimeSignatures = append(f.TimeSignatures, p.TimeSignatures)
		case KindMissing:
			missing := p.Missing
			f.Missing = &missing
		}
	}
	return f
}
