package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/franz/live-indexer/internal/meta"
	"github.com/franz/live-indexer/internal/store"
)

// Parse compiles a query string into an ordered list of predicates.
//
//	query := term { ws term }
//	term  := value | field ':' value
//	value := word | '"' chars '"' | '(' alt { '|' alt } ')'
//
// Unknown fields, unbalanced groups or quotes, and values a field cannot
// interpret are reported as a *SyntaxError.
func Parse(query string) (*Query, error) {
	p := &parser{src: []rune(query)}
	q := &Query{Raw: query}
	for {
		p.skipSpace()
		if p.eof() {
			return q, nil
		}
		pred, err := p.term()
		if err != nil {
			return nil, err
		}
		q.Predicates = append(q.Predicates, pred)
	}
}

type parser struct {
	src []rune
	pos int
}

type value struct {
	text  string
	exact bool
	pos   int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for !p.eof() && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) errorf(pos int, format string, args ...any) error {
	return &SyntaxError{Query: string(p.src), Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) term() (Predicate, error) {
	start := p.pos
	switch p.peek() {
	case '"', '(':
		vals, err := p.values()
		if err != nil {
			return Predicate{}, err
		}
		return textPredicate(FieldText, start, vals), nil
	case ')':
		return Predicate{}, p.errorf(start, "unbalanced ')'")
	case '|':
		return Predicate{}, p.errorf(start, "'|' outside a group")
	}

	word := p.word(true)
	if p.peek() != ':' {
		return textPredicate(FieldText, start, []value{{text: word, pos: start}}), nil
	}
	if word == "" {
		return Predicate{}, p.errorf(start, "missing field name before ':'")
	}
	field, ok := fieldNames[strings.ToLower(word)]
	if !ok {
		return Predicate{}, p.errorf(start, "unknown field %q", word)
	}
	p.pos++

	vals, err := p.values()
	if err != nil {
		return Predicate{}, err
	}
	return p.typed(field, start, vals)
}

// word reads up to the next delimiter
func (p *parser) word(stopAtColon bool) string {
	start := p.pos
	for !p.eof() {
		r := p.src[p.pos]
		if unicode.IsSpace(r) || r == '(' || r == ')' || r == '|' || r == '"' || (stopAtColon && r == ':') {
			break
		}
		p.pos++
	}
	return string(p.src[start:p.pos])
}

func (p *parser) values() ([]value, error) {
	if p.peek() != '(' {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		return []value{v}, nil
	}

	open := p.pos
	p.pos++
	var vals []value
	for {
		p.skipSpace()
		if p.eof() {
			return nil, p.errorf(open, "unbalanced '('")
		}
		v, err := p.alternative()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)

		p.skipSpace()
		switch {
		case p.eof():
			return nil, p.errorf(open, "unbalanced '('")
		case p.peek() == ')':
			p.pos++
			return vals, nil
		case p.peek() == '|':
			p.pos++
		default:
			return nil, p.errorf(p.pos, "expected '|' or ')'")
		}
	}
}

// alternative reads one value of a group. Unquoted words run together up
// to the next '|' or ')', so "(deep house | techno)" has two values.
func (p *parser) alternative() (value, error) {
	if p.peek() == '"' {
		return p.quoted()
	}
	first, err := p.value()
	if err != nil {
		return value{}, err
	}
	words := []string{first.text}
	for {
		save := p.pos
		p.skipSpace()
		r := p.peek()
		if p.eof() || r == '|' || r == ')' || r == '"' || r == '(' {
			p.pos = save
			break
		}
		words = append(words, p.word(false))
	}
	first.text = strings.Join(words, " ")
	return first, nil
}

func (p *parser) value() (value, error) {
	start := p.pos
	switch p.peek() {
	case '"':
		return p.quoted()
	case '(':
		return value{}, p.errorf(start, "nested groups are not supported")
	}
	w := p.word(false)
	if w == "" {
		return value{}, p.errorf(start, "missing value")
	}
	return value{text: w, pos: start}, nil
}

func (p *parser) quoted() (value, error) {
	start := p.pos
	p.pos++
	var b strings.Builder
	for !p.eof() {
		r := p.src[p.pos]
		p.pos++
		switch {
		case r == '\\' && p.peek() == '"':
			b.WriteRune('"')
			p.pos++
		case r == '"':
			text := strings.TrimSpace(b.String())
			if text == "" {
				return value{}, p.errorf(start, "empty quoted value")
			}
			return value{text: text, exact: true, pos: start}, nil
		default:
			b.WriteRune(r)
		}
	}
	return value{}, p.errorf(start, "unterminated quote")
}

func textPredicate(field Field, pos int, vals []value) Predicate {
	pred := Predicate{Kind: KindText, Field: field, Pos: pos}
	for _, v := range vals {
		pred.Terms = append(pred.Terms, Term{Text: v.text, Exact: v.exact})
	}
	return pred
}

func (p *parser) typed(field Field, pos int, vals []value) (Predicate, error) {
	pred := Predicate{Field: field, Pos: pos}
	switch field {
	case FieldTempo, FieldDuration:
		pred.Kind = KindRange
		for _, v := range vals {
			sp, err := parseSpan(v.text, field == FieldDuration)
			if err != nil {
				return Predicate{}, p.errorf(v.pos, "%s: %v", field, err)
			}
			pred.Spans = append(pred.Spans, sp)
		}
	case FieldCreated, FieldModified:
		pred.Kind = KindDate
		for _, v := range vals {
			sp, err := parseDateSpan(v.text, time.Local)
			if err != nil {
				return Predicate{}, p.errorf(v.pos, "%s: %v", field, err)
			}
			pred.Dates = append(pred.Dates, sp)
		}
	case FieldKey:
		pred.Kind = KindKey
		for _, v := range vals {
			k, err := parseKey(v.text)
			if err != nil {
				return Predicate{}, p.errorf(v.pos, "key: %v", err)
			}
			pred.Keys = append(pred.Keys, k)
		}
	case FieldTS:
		pred.Kind = KindTimeSignature
		for _, v := range vals {
			ts, err := parseTimeSignature(v.text)
			if err != nil {
				return Predicate{}, p.errorf(v.pos, "ts: %v", err)
			}
			pred.TimeSignatures = append(pred.TimeSignatures, ts)
		}
	case FieldMissing:
		pred.Kind = KindMissing
		if len(vals) != 1 {
			return Predicate{}, p.errorf(pos, "missing takes a single value")
		}
		b, err := parseBool(vals[0].text)
		if err != nil {
			return Predicate{}, p.errorf(vals[0].pos, "missing: %v", err)
		}
		pred.Missing = b
	default:
		return textPredicate(field, pos, vals), nil
	}
	return pred, nil
}

// parseSpan reads "128", "120-130", ">120", ">=120", "<90" or "<=90". A bare
// number matches within half a unit either side.
func parseSpan(s string, duration bool) (store.Span, error) {
	num := parseNumber
	if duration {
		num = parseSeconds
	}

	for _, op := range []string{">=", "<=", ">", "<"} {
		if !strings.HasPrefix(s, op) {
			continue
		}
		v, err := num(s[len(op):])
		if err != nil {
			return store.Span{}, err
		}
		b := &store.Bound{Value: v, Inclusive: len(op) == 2}
		if op[0] == '>' {
			return store.Span{Min: b}, nil
		}
		return store.Span{Max: b}, nil
	}

	if i := strings.Index(s[min(1, len(s)):], "-"); i >= 0 {
		i++
		lo, err := num(s[:i])
		if err != nil {
			return store.Span{}, err
		}
		hi, err := num(s[i+1:])
		if err != nil {
			return store.Span{}, err
		}
		if lo > hi {
			return store.Span{}, fmt.Errorf("empty range %s", s)
		}
		return store.Span{Min: &store.Bound{Value: lo, Inclusive: true}, Max: &store.Bound{Value: hi, Inclusive: true}}, nil
	}

	v, err := num(s)
	if err != nil {
		return store.Span{}, err
	}
	return store.Span{
		Min: &store.Bound{Value: v - 0.5, Inclusive: true},
		Max: &store.Bound{Value: v + 0.5, Inclusive: true},
	}, nil
}

// parseDateSpan reads a calendar period "2024", "2024-05" or "2024-05-17"
// with the same operators as parseSpan: a bare period matches within it,
// ">" after it, ">=" from its start, "<" before it, "<=" up to its end.
// Ranges use ".." since dates contain '-': "2024-01..2024-03".
func parseDateSpan(s string, loc *time.Location) (store.TimeSpan, error) {
	for _, op := range []string{">=", "<=", ">", "<"} {
		if !strings.HasPrefix(s, op) {
			continue
		}
		start, end, err := parsePeriod(s[len(op):], loc)
		if err != nil {
			return store.TimeSpan{}, err
		}
		switch op {
		case ">=":
			return store.TimeSpan{From: start}, nil
		case ">":
			return store.TimeSpan{From: end}, nil
		case "<=":
			return store.TimeSpan{Until: end}, nil
		default:
			return store.TimeSpan{Until: start}, nil
		}
	}

	if lo, hi, ok := strings.Cut(s, ".."); ok {
		start, _, err := parsePeriod(lo, loc)
		if err != nil {
			return store.TimeSpan{}, err
		}
		_, end, err := parsePeriod(hi, loc)
		if err != nil {
			return store.TimeSpan{}, err
		}
		if !start.Before(end) {
			return store.TimeSpan{}, fmt.Errorf("empty range %s", s)
		}
		return store.TimeSpan{From: start, Until: end}, nil
	}

	start, end, err := parsePeriod(s, loc)
	if err != nil {
		return store.TimeSpan{}, err
	}
	return store.TimeSpan{From: start, Until: end}, nil
}

// parsePeriod returns the first instant of a year, month or day and the
// first instant after it
func parsePeriod(s string, loc *time.Location) (start, end time.Time, err error) {
	s = strings.TrimSpace(s)
	for _, period := range []struct {
		layout string
		next   func(time.Time) time.Time
	}{
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	} {
		if len(s) != len(period.layout) {
			continue
		}
		t, perr := time.ParseInLocation(period.layout, s, loc)
		if perr != nil {
			break
		}
		return t, period.next(t), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q (want YYYY, YYYY-MM or YYYY-MM-DD)", s)
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

// parseSeconds accepts plain seconds or a Go duration such as "3m30s"
func parseSeconds(s string) (float64, error) {
	if v, err := parseNumber(s); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d.Seconds(), nil
}

// parseKey reads a tonic with an optional scale: "C", "f#", "Bb",
// "A Minor", "Am".
func parseKey(s string) (store.KeySignature, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return store.KeySignature{}, fmt.Errorf("empty key")
	}
	tonic, scale := parts[0], strings.Join(parts[1:], " ")

	idx := tonicIndex(tonic)
	if idx < 0 && scale == "" && len(tonic) > 1 && strings.HasSuffix(tonic, "m") {
		idx = tonicIndex(strings.TrimSuffix(tonic, "m"))
		scale = "Minor"
	}
	if idx < 0 {
		return store.KeySignature{}, fmt.Errorf("unknown tonic %q", tonic)
	}
	return store.KeySignature{Tonic: meta.Tonic(idx), Scale: scale}, nil
}

func tonicIndex(name string) int {
	if idx := meta.TonicIndex(name); idx >= 0 {
		return idx
	}
	if len(name) == 2 && (name[1] == 'b' || name[1] == 'B') {
		if idx := meta.TonicIndex(name[:1]); idx >= 0 {
			return (idx + 11) % 12
		}
	}
	return -1
}

func parseTimeSignature(s string) (store.TimeSignature, error) {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return store.TimeSignature{}, fmt.Errorf("expected numerator/denominator, got %q", s)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > 99 {
		return store.TimeSignature{}, fmt.Errorf("invalid numerator %q", num)
	}
	d, err := strconv.Atoi(den)
	if err != nil || d < 1 || d > 16 || d&(d-1) != 0 {
		return store.TimeSignature{}, fmt.Errorf("invalid denominator %q", den)
	}
	return store.TimeSignature{Numerator: n, Denominator: d}, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected true or false, got %q", s)
	}
	return b, nil
}
