package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/franz/live-indexer/internal/metrics"
	"github.com/franz/live-indexer/internal/store"
	"github.com/franz/live-indexer/internal/util"
)

const (
	// DefaultMinSimilarity is the fuzzy match threshold
	DefaultMinSimilarity = 0.7
	// DefaultLimit bounds a result page when the caller gives none
	DefaultLimit = 50
)

// Searcher is the storage primitive the engine compiles queries into
type Searcher interface {
	ExecuteSearch(f store.SearchFilter) ([]*store.Project, error)
}

// Engine parses, executes and ranks search queries
type Engine struct {
	store         Searcher
	minSimilarity float64
	limit         int
	metrics       *metrics.Metrics
}

// Config holds engine configuration
type Config struct {
	Store Searcher
	// MinSimilarity in (0, 1]; zero selects DefaultMinSimilarity
	MinSimilarity float64
	// Limit is the default page size
	Limit int

	Metrics *metrics.Metrics
}

// New creates a new Engine
func New(cfg *Config) *Engine {
	e := &Engine{
		store:         cfg.Store,
		minSimilarity: cfg.MinSimilarity,
		limit:         cfg.Limit,
		metrics:       cfg.Metrics,
	}
	if e.minSimilarity <= 0 || e.minSimilarity > 1 {
		e.minSimilarity = DefaultMinSimilarity
	}
	if e.limit <= 0 {
		e.limit = DefaultLimit
	}
	return e
}

// Options narrows one search
type Options struct {
	// Statuses to include; empty means active projects only
	Statuses []store.Status
	Limit    int
	Offset   int
}

// Result is one ranked project
type Result struct {
	Project *store.Project
	// Score is the relevance percentage
	Score   float64
	Matches []Match
}

// Search parses query and returns one page of ranked results together
// with the total number of matches. A malformed query fails with a
// *SyntaxError before the store is touched.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, int, error) {
	q, err := Parse(query)
	if err != nil {
		e.metrics.RecordSearch("syntax_error", 0, 0)
		return nil, 0, err
	}
	return e.Run(ctx, q, opts)
}

// Run executes an already parsed query
func (e *Engine) Run(ctx context.Context, q *Query, opts Options) ([]Result, int, error) {
	start := time.Now()
	page, total, err := e.run(ctx, q, opts)
	switch {
	case err == nil:
		e.metrics.RecordSearch("ok", time.Since(start), total)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.metrics.RecordSearch("cancelled", time.Since(start), 0)
	default:
		e.metrics.RecordSearch("error", time.Since(start), 0)
	}
	return page, total, err
}

func (e *Engine) run(ctx context.Context, q *Query, opts Options) ([]Result, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	filter := Lower(q)
	filter.Statuses = opts.Statuses
	util.Logger().Debug("search compiled",
		zap.String("query", q.Raw),
		zap.Int("predicates", len(q.Predicates)),
		zap.Int("text", len(filter.Text)),
		zap.Int("relations", len(filter.Relations)),
		zap.Int("ranges", len(filter.Ranges)))

	candidates, err := e.store.ExecuteSearch(filter)
	if err != nil {
		return nil, 0, fmt.Errorf("search failed: %w", err)
	}

	r := &ranker{minSimilarity: e.minSimilarity, folder: newFolder()}
	results := make([]Result, 0, len(candidates))
	for i, p := range candidates {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		score, matches, ok := r.rank(q, p)
		if !ok {
			continue
		}
		results = append(results, Result{Project: p, Score: score, Matches: matches})
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Project.ModifiedAt.Equal(b.Project.ModifiedAt) {
			return a.Project.ModifiedAt.After(b.Project.ModifiedAt)
		}
		return a.Project.Path < b.Project.Path
	})

	total := len(results)
	limit := opts.Limit
	if limit <= 0 {
		limit = e.limit
	}
	start := min(max(opts.Offset, 0), total)
	end := min(start+limit, total)
	return results[start:end], total, nil
}
